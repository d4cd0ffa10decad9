// Package llamaparse talks to the LlamaParse document parsing API.
package llamaparse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/llm"
	"github.com/spherical/pbj/internal/observability"
)

const (
	defaultBaseURL      = "https://api.cloud.llamaindex.ai"
	defaultPollInterval = 2 * time.Second
	defaultMaxTimeout   = 180 * time.Second
)

// Job statuses reported by the API.
const (
	StatusPending  = "PENDING"
	StatusSuccess  = "SUCCESS"
	StatusError    = "ERROR"
	StatusCanceled = "CANCELED"
)

// Options configures a Client.
type Options struct {
	APIKey            string
	BaseURL           string
	Premium           bool
	MaxTimeout        time.Duration
	PollInterval      time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *observability.Logger
}

// ParseRequest is one document upload.
type ParseRequest struct {
	FileName     string
	Data         []byte
	SystemPrompt string
	UserPrompt   string
}

// Job is the state of a parsing job.
type Job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error_message,omitempty"`
}

type markdownResult struct {
	Markdown string `json:"markdown"`
}

// Client uploads documents to LlamaParse and fetches the markdown result.
type Client struct {
	apiKey       string
	baseURL      string
	premium      bool
	maxTimeout   time.Duration
	pollInterval time.Duration
	httpClient   *http.Client
	retrier      *llm.Retrier
	logger       *observability.Logger
}

// NewClient creates a LlamaParse client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = defaultMaxTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}

	return &Client{
		apiKey:       opts.APIKey,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		premium:      opts.Premium,
		maxTimeout:   opts.MaxTimeout,
		pollInterval: opts.PollInterval,
		httpClient:   opts.HTTPClient,
		retrier:      llm.NewRetrier("llamaparse", opts.MaxRetries, opts.RequestsPerSecond, opts.Logger),
		logger:       opts.Logger,
	}
}

// Ready reports a ConfigurationError when no API key is configured.
func (c *Client) Ready() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return domain.ConfigError("LlamaParse API key is not set (LLAMAPARSE_API_KEY)", nil)
	}
	return nil
}

// SetRetryConfig replaces the retry timing.
func (c *Client) SetRetryConfig(cfg llm.RetryConfig) {
	c.retrier.Config = cfg
}

// Parse uploads a document, waits for the job and returns its markdown.
func (c *Client) Parse(ctx context.Context, req ParseRequest) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}

	started := time.Now()
	job, err := c.Upload(ctx, req)
	if err != nil {
		return "", err
	}

	if err := c.Wait(ctx, job.ID); err != nil {
		return "", err
	}

	markdown, err := c.Markdown(ctx, job.ID)
	if err != nil {
		return "", err
	}

	c.logger.Debug().
		Str("job_id", job.ID).
		Str("file", req.FileName).
		Int("chars", len(markdown)).
		Bool("premium", c.premium).
		Dur("elapsed", time.Since(started)).
		Msg("LlamaParse job finished")

	return markdown, nil
}

// Upload starts a parsing job.
func (c *Client) Upload(ctx context.Context, req ParseRequest) (*Job, error) {
	body, contentType, err := c.uploadBody(req)
	if err != nil {
		return nil, domain.FatalServiceError("build upload request", err)
	}

	var job Job
	if err := c.doJSON(ctx, http.MethodPost, "/api/parsing/upload", contentType, body, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, domain.FatalServiceError("upload response has no job id", nil)
	}
	return &job, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/parsing/job/"+jobID, "", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls a job until it succeeds, fails or the max timeout elapses.
func (c *Client) Wait(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(c.maxTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.Status(ctx, jobID)
		if err != nil {
			return err
		}

		switch strings.ToUpper(job.Status) {
		case StatusSuccess:
			return nil
		case StatusError, StatusCanceled:
			return domain.FatalServiceError(
				fmt.Sprintf("LlamaParse job %s ended with status %s: %s", jobID, job.Status, job.Error), nil)
		}

		if time.Now().After(deadline) {
			return domain.TransientServiceError(
				fmt.Sprintf("LlamaParse job %s did not finish within %s", jobID, c.maxTimeout), nil)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Markdown fetches the markdown result of a finished job.
func (c *Client) Markdown(ctx context.Context, jobID string) (string, error) {
	var res markdownResult
	if err := c.doJSON(ctx, http.MethodGet, "/api/parsing/job/"+jobID+"/result/markdown", "", nil, &res); err != nil {
		return "", err
	}
	return res.Markdown, nil
}

func (c *Client) uploadBody(req ParseRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, "", err
	}

	// OCR stays on and diagonal text is kept so faint checkmarks survive.
	fields := [][2]string{
		{"language", "en"},
		{"premium_mode", strconv.FormatBool(c.premium)},
		{"output_tables_as_HTML", "true"},
		{"disable_ocr", "false"},
		{"skip_diagonal_text", "false"},
		{"system_prompt_append", req.SystemPrompt},
		{"user_prompt", req.UserPrompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	resp, err := c.retrier.Do(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.TransientServiceError(fmt.Sprintf("decode LlamaParse response for %s", path), err)
	}
	return nil
}
