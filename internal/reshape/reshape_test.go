package reshape

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pbj/internal/domain"
)

func TestReshape_TransposeLaw(t *testing.T) {
	table := domain.Table{
		ID:      "t1",
		Columns: []string{"A", "B"},
		Data: map[string][]any{
			"A": {1, 2, 3},
			"B": {"x", "y", "z"},
		},
	}

	records, err := Reshape(table)
	require.NoError(t, err)
	require.Len(t, records, 3)

	data, err := json.Marshal(records)
	require.NoError(t, err)
	assert.Equal(t, `[{"A":1,"B":"x"},{"A":2,"B":"y"},{"A":3,"B":"z"}]`, string(data))
}

func TestReshape_ShapeMismatch(t *testing.T) {
	table := domain.Table{
		ID:      "t2",
		Columns: []string{"A", "B"},
		Data:    map[string][]any{"A": {1, 2}, "B": {1, 2, 3}},
	}

	records, err := Reshape(table)
	assert.Nil(t, records)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorTypeTableShape))

	var shape *domain.TableShapeError
	require.True(t, errors.As(err, &shape))
	assert.Equal(t, "t2", shape.TableID)
	assert.Equal(t, map[string]int{"A": 2, "B": 3}, shape.Lengths)
}

func TestReshape_ZeroRowsKeepsHeader(t *testing.T) {
	page := json.RawMessage(`{"tables":[{"table_id":"empty","columns":["Size","Weight"],"data":{"Size":[],"Weight":[]}}]}`)

	out, _, err := ReshapePage(page)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tables":[{"table_id":"empty","title":"","description":"","columns":["Size","Weight"],"rows":[],"metadata":{}}]}`, string(out))
}

func TestReshape_ZeroColumns(t *testing.T) {
	records, err := Reshape(domain.Table{ID: "none", Data: map[string][]any{}})
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = Reshape(domain.Table{ID: "bad", Data: map[string][]any{}, DeclaredRows: 4})
	assert.True(t, domain.IsKind(err, domain.ErrorTypeValidation))
}

func TestReshape_ZeroColumnsWithImpliedRows(t *testing.T) {
	records, err := Reshape(domain.Table{ID: "blank", Data: map[string][]any{}, ImpliedRows: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)

	out, _, err := ReshapePage(json.RawMessage(`{"tables":[{"table_id":"blank","columns":[],"rows":[[],[]]}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tables":[{"table_id":"blank","title":"","description":"","columns":[],"rows":[{},{}],"metadata":{}}]}`, string(out))

	_, _, err = ReshapePage(json.RawMessage(`{"tables":[{"columns":[],"rows":[[],[]],"row_count":3}]}`))
	assert.True(t, domain.IsKind(err, domain.ErrorTypeValidation))
}

func TestReshape_DuplicateColumnsRejected(t *testing.T) {
	_, _, err := ReshapePage(json.RawMessage(`{"tables":[{"table_id":"dup","columns":["A","A"],"rows":[[1,2],[3,4]]}]}`))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorTypeValidation))
	assert.Contains(t, err.Error(), `"A"`)
}

func TestNarrowTable_MalformedHeader(t *testing.T) {
	table, ok, err := NarrowTable(json.RawMessage(`{"table_id":"t","columns":[1,2],"data":{"A":[1,2],"B":[3,4]}}`), 0)
	require.NoError(t, err)
	require.True(t, ok, "data columns are still reshaped")
	assert.Nil(t, table.Columns)
	assert.Equal(t, []string{"A", "B"}, table.DataOrder)

	_, _, err = ReshapePage(json.RawMessage(`{"tables":[{"table_id":"t","columns":[1,2],"data":{"A":[1,2],"B":[3]}}]}`))
	assert.True(t, domain.IsKind(err, domain.ErrorTypeTableShape))

	_, ok, err = NarrowTable(json.RawMessage(`{"columns":{"A":0},"rows":[[1],[2]]}`), 0)
	assert.False(t, ok)
	assert.True(t, domain.IsKind(err, domain.ErrorTypeValidation))
}

func TestReshapePage_KeepsMarkupAndLiterals(t *testing.T) {
	page := json.RawMessage(`{"title":"A & B <i>range</i>","tables":[{"table_id":"t","data":{"Note":["<b>new</b> & improved"],"Price":[1.50]}}]}`)

	out, _, err := ReshapePage(page)
	require.NoError(t, err)
	assert.Equal(t,
		`{"title":"A & B <i>range</i>","tables":[{"table_id":"t","title":"","description":"","columns":["Note","Price"],`+
			`"rows":[{"Note":"<b>new</b> & improved","Price":1.50}],"metadata":{}}]}`,
		string(out))
}

func TestReshape_DeclaredRowsMismatch(t *testing.T) {
	_, err := Reshape(domain.Table{
		ID:           "t",
		Columns:      []string{"A"},
		Data:         map[string][]any{"A": {1, 2}},
		DeclaredRows: 3,
	})
	assert.True(t, domain.IsKind(err, domain.ErrorTypeTableShape))
}

func TestReshape_DataOnlyColumnsAreKept(t *testing.T) {
	table := domain.Table{
		ID:        "t",
		Columns:   []string{"B"},
		Data:      map[string][]any{"A": {1}, "B": {2}, "C": {3}},
		DataOrder: []string{"C", "B", "A"},
	}
	records, err := Reshape(table)
	require.NoError(t, err)

	data, err := json.Marshal(records)
	require.NoError(t, err)
	assert.Equal(t, `[{"B":2,"C":3,"A":1}]`, string(data))
}

func TestNarrowTable_DataLayoutKeepsKeyOrderAndLiterals(t *testing.T) {
	raw := json.RawMessage(`{"table_id":"sizes","title":"Sizes","data":{"Size":["1","2"],"Anterior":[51.70,53.7e0]},"metadata":{"unit":"mm"}}`)

	table, ok, err := NarrowTable(raw, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sizes", table.ID)
	assert.Equal(t, "Sizes", table.Title)
	assert.Equal(t, []string{"Size", "Anterior"}, table.DataOrder)

	records, err := Reshape(table)
	require.NoError(t, err)
	data, err := json.Marshal(records)
	require.NoError(t, err)
	assert.Equal(t, `[{"Size":"1","Anterior":51.70},{"Size":"2","Anterior":53.7e0}]`, string(data))
}

func TestNarrowTable_LegacyRows(t *testing.T) {
	raw := json.RawMessage(`{"columns":["Size","Anterior"],"rows":[["1","51.7"],["2","53.7"]]}`)

	table, ok, err := NarrowTable(raw, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "table_3", table.ID)
	assert.Len(t, table.Data["Size"], 2)

	_, ok, err = NarrowTable(json.RawMessage(`{"columns":["A","B"],"rows":[["1"],["2","3"]]}`), 0)
	assert.False(t, ok)
	assert.True(t, domain.IsKind(err, domain.ErrorTypeTableShape))
}

func TestNarrowTable_RowOrientedIsNotDetected(t *testing.T) {
	cases := []string{
		`{"columns":["A"],"rows":[{"A":1}]}`,
		`{"title":"no table here"}`,
		`["not","an","object"]`,
		`{"data":{"A":"scalar"}}`,
	}
	for _, c := range cases {
		_, ok, err := NarrowTable(json.RawMessage(c), 0)
		assert.NoError(t, err, c)
		assert.False(t, ok, c)
	}
}

func TestReshapePage_PreservesPageFieldsAndTableOrder(t *testing.T) {
	page := json.RawMessage(`{"page":2,"title":"Specs","tables":[` +
		`{"table_id":"b","data":{"X":[1]}},` +
		`{"note":"free text"},` +
		`{"table_id":"a","columns":["Y"],"rows":[[true],[null]]}` +
		`],"keywords":["sizes"]}`)

	out, stats, err := ReshapePage(page)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pages: 1, Tables: 3, Converted: 2}, stats)
	assert.Equal(t,
		`{"page":2,"title":"Specs","tables":[`+
			`{"table_id":"b","title":"","description":"","columns":["X"],"rows":[{"X":1}],"metadata":{}},`+
			`{"note":"free text"},`+
			`{"table_id":"a","title":"","description":"","columns":["Y"],"rows":[{"Y":true},{"Y":null}],"metadata":{}}`+
			`],"keywords":["sizes"]}`,
		string(out))
}

func TestReshapePage_Idempotent(t *testing.T) {
	page := json.RawMessage(`{"page":1,"tables":[{"table_id":"t","columns":["A","B"],"data":{"A":[1,2,3],"B":["x","y","z"]},"row_count":3},{"table_id":"e","columns":["Q"],"data":{"Q":[]}}]}`)

	once, _, err := ReshapePage(page)
	require.NoError(t, err)
	twice, stats, err := ReshapePage(once)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))
	assert.Equal(t, 1, stats.Converted, "only the empty table is re-detected")
}

func TestReshapePage_TablesFailIndependently(t *testing.T) {
	page := json.RawMessage(`{"tables":[{"table_id":"good","data":{"A":[1]}},{"table_id":"bad1","data":{"A":[1,2],"B":[1,2,3]}},{"table_id":"bad2","data":{"C":[],"D":[1]}}]}`)

	out, _, err := ReshapePage(page)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorTypeTableShape))
	assert.Contains(t, err.Error(), "bad1")
	assert.Contains(t, err.Error(), "bad2")
	assert.NotContains(t, err.Error(), "good")
}

func TestReshapePage_PassThrough(t *testing.T) {
	raw := json.RawMessage(`{"page":1,"summary":"no tables"}`)
	out, stats, err := ReshapePage(raw)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
	assert.Zero(t, stats.Converted)
}

func TestReshapeDocument(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := json.RawMessage(`{"document_info":{"pages":2},"pages":[` +
		`{"page":1,"tables":[{"columns":["A"],"rows":[["1"]]}]},` +
		`{"page":2,"tables":[]}` +
		`],"tables":[{"table_id":"s","data":{"K":["v"]}}]}`)

	out, stats, err := ReshapeDocument(doc, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 2, stats.Converted)

	var parsed struct {
		Pages []struct {
			Tables []struct {
				Rows []map[string]any `json:"rows"`
			} `json:"tables"`
		} `json:"pages"`
		ToastInfo map[string]string `json:"toast_info"`
	}
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, []map[string]any{{"A": "1"}}, parsed.Pages[0].Tables[0].Rows)
	assert.Equal(t, "2025-01-02T03:04:05Z", parsed.ToastInfo["converted_at"])

	again, _, err := ReshapeDocument(out, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))

	_, _, err = ReshapeDocument(json.RawMessage(`[1,2]`), now)
	assert.True(t, domain.IsKind(err, domain.ErrorTypeValidation))
}

func TestConvertFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "final_output.json")
	out := filepath.Join(dir, "toasted.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"pages":[{"tables":[{"columns":["A","B"],"rows":[["<b>1</b>","2"]]}]}]}`), 0o644))

	stats, err := ConvertFile(in, out, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Converted)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"A": "<b>1</b>"`)
	assert.Contains(t, string(data), `"toast_info"`)
}
