// Package llm is a minimal client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/observability"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4"
	defaultTimeout = 5 * time.Minute
)

// Client handles communication with the chat completion API
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	retrier    *Retrier
	logger     *observability.Logger
}

// Options configures a Client.
type Options struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxRetries        int
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *observability.Logger
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request represents the API request structure
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Completion is one system + user prompt exchange.
type Completion struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// NewClient creates a new LLM client
func NewClient(opts Options) *Client {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		httpClient: httpClient,
		retrier:    NewRetrier("llm", opts.MaxRetries, opts.RequestsPerSecond, opts.Logger),
		logger:     opts.Logger,
	}
}

// Model returns the model the client sends requests to.
func (c *Client) Model() string {
	return c.model
}

// Ready reports a ConfigurationError when no API key is configured.
func (c *Client) Ready() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return domain.ConfigError("OpenAI API key is not set (OPENAI_API_KEY)", nil)
	}
	return nil
}

// SetRetryConfig replaces the retry timing. Used by tests to avoid real sleeps.
func (c *Client) SetRetryConfig(cfg RetryConfig) {
	c.retrier.Config = cfg
}

// Complete sends one completion request and returns the assistant text.
func (c *Client) Complete(ctx context.Context, in Completion) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}

	req := Request{
		Model:       c.model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	if in.System != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: in.System})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: in.User})

	body, err := json.Marshal(req)
	if err != nil {
		return "", domain.FatalServiceError("marshal completion request", err)
	}

	started := time.Now()
	resp, err := c.retrier.Do(ctx, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.TransientServiceError("decode completion response", err)
	}
	if len(out.Choices) == 0 {
		return "", domain.FatalServiceError("completion response has no choices", nil)
	}

	content := out.Choices[0].Message.Content
	c.logger.Debug().
		Str("model", c.model).
		Int("response_chars", len(content)).
		Str("finish_reason", out.Choices[0].FinishReason).
		Dur("elapsed", time.Since(started)).
		Msg("Completion received")

	if strings.TrimSpace(content) == "" {
		return "", domain.FatalServiceError(fmt.Sprintf("model %s returned an empty completion", c.model), nil)
	}
	return content, nil
}
