package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_NextAndPrev(t *testing.T) {
	tests := []struct {
		name        string
		stage       Stage
		skipEnhance bool
		wantNext    Stage
		wantPrev    Stage
	}{
		{"parse with enhance", StageParse, false, StageEnhance, StageNone},
		{"parse skipping enhance", StageParse, true, StageExtract, StageNone},
		{"extract with enhance", StageExtract, false, StageReshape, StageEnhance},
		{"extract skipping enhance", StageExtract, true, StageReshape, StageParse},
		{"reshape is terminal", StageReshape, false, StageReshape, StageExtract},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantNext, tt.stage.Next(tt.skipEnhance))
			assert.Equal(t, tt.wantPrev, tt.stage.Prev(tt.skipEnhance))
		})
	}
}

func TestStage_TextRoundTrip(t *testing.T) {
	for _, stage := range append([]Stage{StageNone}, PipelineStages...) {
		text, err := stage.MarshalText()
		require.NoError(t, err)

		var got Stage
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, stage, got)
	}

	var s Stage
	err := s.UnmarshalText([]byte("toast"))
	assert.True(t, IsKind(err, ErrorTypeValidation))
}

func TestStage_DirsAndKinds(t *testing.T) {
	assert.Equal(t, "01_parsed_markdown", StageParse.Dir())
	assert.Equal(t, ".md", StageEnhance.Ext())
	assert.Equal(t, ".json", StageExtract.Ext())
	assert.Equal(t, ContentStructured, StageReshape.Kind())
	assert.False(t, StageEnhance.Active(true))
	assert.True(t, StageEnhance.Active(false))
}

func TestContentFromBytes(t *testing.T) {
	c, err := ContentFromBytes(ContentText, []byte("# Page 1"))
	require.NoError(t, err)
	assert.Equal(t, "# Page 1", c.Text)

	c, err = ContentFromBytes(ContentStructured, []byte(" {\"title\":\"x\"}\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"x"}`, string(c.Data))

	_, err = ContentFromBytes(ContentStructured, []byte("{\"title\":"))
	assert.Error(t, err)
}

func TestRowRecord_MarshalKeepsColumnOrder(t *testing.T) {
	row := RowRecord{{Name: "Size", Value: "1"}, {Name: "Anterior", Value: 51.7}, {Name: "B", Value: nil}}

	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Equal(t, `{"Size":"1","Anterior":51.7,"B":null}`, string(data))

	v, ok := row.Get("Anterior")
	assert.True(t, ok)
	assert.Equal(t, 51.7, v)
	_, ok = row.Get("missing")
	assert.False(t, ok)
}

func TestRunSummary_Counters(t *testing.T) {
	s := &RunSummary{
		Stages: []StageReport{
			{Stage: StageParse, Processed: []int{3}},
			{Stage: StageExtract, Processed: []int{1, 2, 3}},
		},
		PageStages: map[int]Stage{1: StageReshape, 2: StageExtract, 3: StageReshape},
	}

	assert.Equal(t, 4, s.ProcessedPages())
	assert.Equal(t, []int{2}, s.IncompletePages())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("page 2: %w", FatalServiceError("auth", nil))
	assert.Equal(t, ErrorTypeFatalService, KindOf(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsTransient(wrapped))

	assert.Equal(t, ErrorTypeFatalService, KindOf(errors.New("boom")))
	assert.Equal(t, ErrorType(""), KindOf(nil))

	shape := TableShapeMismatchError("t1", []string{"A", "B"}, map[string]int{"A": 2, "B": 3})
	assert.Equal(t, ErrorTypeTableShape, KindOf(shape))
	var se *TableShapeError
	require.True(t, errors.As(shape, &se))
	assert.Contains(t, se.Error(), `"A"=2, "B"=3`)
}
