package llamaparse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/llm"
)

type fakeAPI struct {
	polls      int32
	readyAfter int32
	final      string
	uploaded   map[string]string
	fileBytes  []byte
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer llx-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/parsing/upload":
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			f.uploaded = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				f.uploaded[k] = v[0]
			}
			file, _, err := r.FormFile("file")
			if assert.NoError(t, err) {
				f.fileBytes, _ = io.ReadAll(file)
			}
			_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: StatusPending})
		case r.URL.Path == "/api/parsing/job/job-1":
			status := StatusPending
			if atomic.AddInt32(&f.polls, 1) >= f.readyAfter {
				status = f.final
			}
			_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: status})
		case r.URL.Path == "/api/parsing/job/job-1/result/markdown":
			_ = json.NewEncoder(w).Encode(markdownResult{Markdown: "# Page\n\n| A | B |"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestClient(t *testing.T, api *fakeAPI, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		APIKey:       "llx-test",
		BaseURL:      srv.URL,
		Premium:      true,
		MaxTimeout:   timeout,
		PollInterval: time.Millisecond,
	})
	c.SetRetryConfig(llm.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	return c
}

func TestParse_UploadPollFetch(t *testing.T) {
	api := &fakeAPI{readyAfter: 3, final: StatusSuccess}
	c := newTestClient(t, api, time.Minute)

	md, err := c.Parse(context.Background(), ParseRequest{
		FileName:     "page_2.pdf",
		Data:         []byte("%PDF-1.7 page two"),
		SystemPrompt: "system",
		UserPrompt:   "user",
	})
	require.NoError(t, err)
	assert.Equal(t, "# Page\n\n| A | B |", md)
	assert.Equal(t, int32(3), atomic.LoadInt32(&api.polls))

	assert.Equal(t, "true", api.uploaded["premium_mode"])
	assert.Equal(t, "system", api.uploaded["system_prompt_append"])
	assert.Equal(t, "user", api.uploaded["user_prompt"])
	assert.Equal(t, "true", api.uploaded["output_tables_as_HTML"])
	assert.Equal(t, []byte("%PDF-1.7 page two"), api.fileBytes)
}

func TestParse_JobErrorIsFatal(t *testing.T) {
	api := &fakeAPI{readyAfter: 1, final: StatusError}
	c := newTestClient(t, api, time.Minute)

	_, err := c.Parse(context.Background(), ParseRequest{FileName: "p.pdf", Data: []byte("x")})
	assert.True(t, domain.IsFatal(err))
}

func TestParse_TimeoutIsTransient(t *testing.T) {
	api := &fakeAPI{readyAfter: 1 << 30, final: StatusSuccess}
	c := newTestClient(t, api, 5*time.Millisecond)

	_, err := c.Parse(context.Background(), ParseRequest{FileName: "p.pdf", Data: []byte("x")})
	assert.True(t, domain.IsTransient(err))
}

func TestParse_MissingKey(t *testing.T) {
	c := NewClient(Options{})
	_, err := c.Parse(context.Background(), ParseRequest{FileName: "p.pdf"})
	assert.True(t, domain.IsKind(err, domain.ErrorTypeConfig))
}
