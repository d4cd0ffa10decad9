package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pbj/internal/domain"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{MaxRetries: maxRetries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Options{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-test"})
	c.SetRetryConfig(fastRetry(2))
	return c
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{
		ID:      "chatcmpl-1",
		Choices: []Choice{{Message: Message{Role: "assistant", Content: content}, FinishReason: "stop"}},
	})
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Options{})
	assert.Equal(t, defaultModel, c.Model())
	assert.Equal(t, defaultBaseURL, c.baseURL)
	assert.Nil(t, c.retrier.Limiter)

	err := c.Ready()
	assert.True(t, domain.IsKind(err, domain.ErrorTypeConfig))
}

func TestComplete_SendsPrompts(t *testing.T) {
	var got Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(w, "# Enhanced")
	})

	out, err := c.Complete(context.Background(), Completion{System: "sys", User: "page text", Temperature: 0.1, MaxTokens: 6000})
	require.NoError(t, err)
	assert.Equal(t, "# Enhanced", out)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "page text", got.Messages[1].Content)
	assert.Equal(t, 6000, got.MaxTokens)
}

func TestComplete_RetriesTransientStatus(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeCompletion(w, "ok")
	})

	out, err := c.Complete(context.Background(), Completion{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestComplete_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Complete(context.Background(), Completion{User: "x"})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestComplete_AuthFailureIsFatal(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid key"}`))
	})

	_, err := c.Complete(context.Background(), Completion{User: "x"})
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Contains(t, err.Error(), "authentication failed")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestComplete_BadRequestIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Complete(context.Background(), Completion{User: "x"})
	assert.True(t, domain.IsFatal(err))
}

func TestComplete_EmptyChoicesIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	})

	_, err := c.Complete(context.Background(), Completion{User: "x"})
	assert.True(t, domain.IsFatal(err))
}

func TestComplete_MissingKeyIsConfigurationError(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := c.Complete(context.Background(), Completion{User: "x"})
	assert.True(t, domain.IsKind(err, domain.ErrorTypeConfig))
}

func TestComplete_Cancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "never")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, Completion{User: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, time.Second, calculateBackoff(0, cfg))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, cfg))
	assert.Equal(t, 30*time.Second, calculateBackoff(10, cfg))
}

func TestShouldRetry(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, shouldRetry(code), code)
	}
	for _, code := range []int{400, 401, 403, 404} {
		assert.False(t, shouldRetry(code), code)
	}
}

func TestNewRetrier_RateLimit(t *testing.T) {
	r := NewRetrier("llm", 1, 2.5, nil)
	require.NotNil(t, r.Limiter)
	assert.Equal(t, 3, r.Limiter.Burst())
	assert.Equal(t, 1, r.Config.MaxRetries)
}
