package llm

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/observability"
)

const (
	defaultMaxRetries = 3
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
	}
}

// shouldRetry determines if a status code is retryable
func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests: // 429
		return true
	case http.StatusInternalServerError: // 500
		return true
	case http.StatusBadGateway: // 502
		return true
	case http.StatusServiceUnavailable: // 503
		return true
	case http.StatusGatewayTimeout: // 504
		return true
	default:
		return false
	}
}

// calculateBackoff calculates exponential backoff duration
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	// initialBackoff * 2^attempt
	backoff := float64(config.InitialBackoff) * math.Pow(2, float64(attempt))

	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}

	return time.Duration(backoff)
}

// Retrier sends requests to an external service under the bounded retry
// policy. Both the LLM client and the LlamaParse client use it.
type Retrier struct {
	Service string
	Config  RetryConfig
	// Limiter, when set, paces every attempt.
	Limiter *rate.Limiter
	Logger  *observability.Logger
}

// NewRetrier creates a retrier. A non-positive rps disables pacing.
func NewRetrier(service string, maxRetries int, rps float64, logger *observability.Logger) *Retrier {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	if logger == nil {
		logger = observability.Nop()
	}

	r := &Retrier{Service: service, Config: cfg, Logger: logger}
	if rps > 0 {
		burst := int(math.Ceil(rps))
		r.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return r
}

// Do executes reqFunc until it yields a non-retryable response or attempts
// run out. A 200 response is returned as is. Other non-retryable responses
// are converted to a FatalServiceError. Exhausting retries yields a
// TransientServiceError. Cancellation returns the context error.
func (r *Retrier) Do(ctx context.Context, reqFunc func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.Config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := reqFunc()

		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
		} else {
			if !shouldRetry(resp.StatusCode) {
				return nil, statusError(r.Service, resp)
			}
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			drain(resp)
		}

		if attempt == r.Config.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, r.Config)
		r.Logger.Warn().
			Str("service", r.Service).
			Int("attempt", attempt+1).
			Int("max_retries", r.Config.MaxRetries).
			Dur("backoff", backoff).
			Err(lastErr).
			Msg("Request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, domain.TransientServiceError(
		fmt.Sprintf("%s request failed after %d retries", r.Service, r.Config.MaxRetries), lastErr)
}

// statusError turns a non-retryable HTTP response into a FatalServiceError.
func statusError(service string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.FatalServiceError(
			fmt.Sprintf("%s authentication failed (HTTP %d)", service, resp.StatusCode),
			fmt.Errorf("%s", detail))
	default:
		return domain.FatalServiceError(
			fmt.Sprintf("%s returned status %d: %s", service, resp.StatusCode, detail), nil)
	}
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
	}
}
