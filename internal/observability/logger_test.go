package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.WithDocument("report_20250101_000000").Info().
		Str("stage", "parse").
		Int("page", 3).
		Err(errors.New("boom")).
		Msg("page failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pbj", entry["service"])
	assert.Equal(t, "report_20250101_000000", entry["document_id"])
	assert.Equal(t, "parse", entry["stage"])
	assert.Equal(t, float64(3), entry["page"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "page failed", entry["message"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

type stageName string

func (s stageName) String() string { return string(s) }

func TestLogger_OperationScope(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf}).WithOperation("sandwich")

	logger.Warn().Stringer("stage", stageName("extract")).Int("page", 7).Msg("Page interrupted by cancellation")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sandwich", entry["operation"])
	assert.Equal(t, "extract", entry["stage"])
	assert.Equal(t, float64(7), entry["page"])
}
