package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pbj/internal/config"
	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/notify"
	"github.com/spherical/pbj/internal/pdf"
	"github.com/spherical/pbj/internal/pipeline"
	"github.com/spherical/pbj/internal/stages"
	"github.com/spherical/pbj/internal/store"
)

// TestLivePipeline runs a real brochure through the configured services.
// Set PBJ_TEST_PDF and the API keys (or a .env two levels up) to enable it.
func TestLivePipeline(t *testing.T) {
	pdfPath := os.Getenv("PBJ_TEST_PDF")
	if pdfPath == "" {
		t.Skip("PBJ_TEST_PDF not set")
	}
	if _, err := os.Stat(pdfPath); os.IsNotExist(err) {
		t.Skipf("Sample PDF not found at %s", pdfPath)
	}

	cfg, err := (&config.Resolver{
		DotEnvPath: filepath.Join("..", "..", ".env"),
		Overrides:  map[string]string{"output_base_dir": t.TempDir()},
	}).Resolve()
	require.NoError(t, err)

	set := stages.FromConfig(cfg, nil)
	for _, a := range set.Adapters() {
		if err := a.Ready(); err != nil {
			t.Skipf("%s stage not configured: %v", a.Stage(), err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pages, err := pdf.NewSplitter().PageCount(pdfPath)
	require.NoError(t, err)
	if pages > 2 {
		t.Logf("Brochure has %d pages; this may take a while", pages)
	}

	st := store.New(nil)
	doc, err := st.CreateDocument(cfg.OutputBaseDir, pdfPath, pages, store.DocumentOptions{
		Timestamped: true,
		SkipEnhance: cfg.SkipEnhance,
		Premium:     cfg.PremiumMode,
	})
	require.NoError(t, err)

	events := notify.NewChannelSink(1024, nil)
	summary, err := pipeline.New(st, set.Adapters(), pipeline.Options{
		Concurrency: cfg.Concurrency,
		SkipEnhance: cfg.SkipEnhance,
		Sink:        events,
	}).Run(ctx, doc)
	events.Close()
	require.NoError(t, err)

	for event := range events.Events() {
		if event.Type == domain.EventError {
			t.Errorf("page %d failed at %s: %v", event.PageNumber, event.Stage, event.Payload)
		}
	}

	require.True(t, summary.Complete, "incomplete pages: %v", summary.IncompletePages())

	data, err := st.ReadDocumentFile(doc, store.FinalOutputFile)
	require.NoError(t, err)
	var combined struct {
		Pages []json.RawMessage `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(data, &combined))
	assert.Len(t, combined.Pages, pages)
	t.Logf("Output written to: %s", doc.Dir)
}
