package reshape

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spherical/pbj/internal/domain"
)

// narrowed is a detected table plus the fields Reshape does not interpret.
type narrowed struct {
	table  domain.Table
	extras *domain.Object
}

// NarrowTable detects a column-oriented table in raw. Two layouts are
// recognized:
//
//	{"columns": [...], "data": {"A": [...], "B": [...]}}
//	{"columns": ["A", "B"], "rows": [[a1, b1], [a2, b2]]}
//
// A table whose rows are already objects is row-oriented and is reported
// as not detected. index names tables that carry no table_id.
func NarrowTable(raw json.RawMessage, index int) (domain.Table, bool, error) {
	n, ok, err := narrow(raw, index)
	if err != nil || !ok {
		return domain.Table{}, ok, err
	}
	return n.table, true, nil
}

func narrow(raw json.RawMessage, index int) (*narrowed, bool, error) {
	obj, ok, err := domain.DecodeObject(raw)
	if err != nil || !ok {
		return nil, false, err
	}

	var (
		columns    []string
		hasColumns bool
		badColumns bool
		data       *domain.Object
		hasData    bool
		rows       []json.RawMessage
		hasRows    bool
	)

	if v, found := obj.Get("columns"); found {
		if err := json.Unmarshal(v, &columns); err != nil {
			columns, badColumns = nil, true
		} else {
			hasColumns = true
		}
	}
	if v, found := obj.Get("data"); found && isObject(v) {
		data, _, err = domain.DecodeObject(v)
		if err != nil {
			return nil, false, err
		}
		hasData = true
		for p := data.Oldest(); p != nil; p = p.Next() {
			if !isArray(p.Value) {
				hasData = false
				break
			}
		}
	}
	if v, found := obj.Get("rows"); found {
		rows, hasRows = decodeArray(v)
	}

	n := &narrowed{
		table: domain.Table{
			ID:   fmt.Sprintf("table_%d", index+1),
			Data: map[string][]any{},
		},
		extras: domain.NewObject(),
	}

	for p := obj.Oldest(); p != nil; p = p.Next() {
		switch p.Key {
		case "table_id":
			n.table.ID = stringValue(p.Value)
		case "title":
			n.table.Title = stringValue(p.Value)
		case "description":
			n.table.Description = stringValue(p.Value)
		case "metadata":
			n.table.Metadata = p.Value
		case "row_count":
			var declared int
			if err := json.Unmarshal(p.Value, &declared); err == nil {
				n.table.DeclaredRows = declared
			}
			n.extras.Set(p.Key, p.Value)
		case "columns", "rows", "data":
		default:
			n.extras.Set(p.Key, p.Value)
		}
	}

	switch {
	case hasData:
		// A header that is not a list of names is ignored; the data keys
		// name the columns instead.
		n.table.Columns = columns
		for p := data.Oldest(); p != nil; p = p.Next() {
			values, _ := decodeArray(p.Value)
			n.table.Data[p.Key] = rawValues(values)
			n.table.DataOrder = append(n.table.DataOrder, p.Key)
		}
	case hasRows && allArrays(rows) && badColumns:
		return nil, false, domain.ValidationError(
			fmt.Sprintf("table %q has row arrays but its columns are not a list of names", n.table.ID), nil)
	case hasColumns && hasRows && allArrays(rows):
		n.table.Columns = columns
		n.table.ImpliedRows = len(rows)
		if err := transposeRows(n, rows); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, nil
	}

	return n, true, nil
}

// transposeRows turns [[a1, b1], [a2, b2]] into column sequences. A row
// whose width differs from the header is a shape mismatch; the reported
// length of each column is the number of rows that supply it.
func transposeRows(n *narrowed, rows []json.RawMessage) error {
	width := len(n.table.Columns)
	lengths := make(map[string]int, width)
	order := append([]string(nil), n.table.Columns...)
	uniform := true

	parsed := make([][]json.RawMessage, len(rows))
	for i, row := range rows {
		cells, _ := decodeArray(row)
		parsed[i] = cells
		if len(cells) != width {
			uniform = false
		}
		for j := range cells {
			name := columnName(n.table.Columns, j)
			if j >= width && lengths[name] == 0 {
				order = append(order, name)
			}
			lengths[name]++
		}
	}

	if !uniform {
		for _, col := range n.table.Columns {
			if _, ok := lengths[col]; !ok {
				lengths[col] = 0
			}
		}
		return domain.TableShapeMismatchError(n.table.ID, order, lengths)
	}

	for j, col := range n.table.Columns {
		values := make([]any, len(parsed))
		for i := range parsed {
			values[i] = parsed[i][j]
		}
		n.table.Data[col] = values
		n.table.DataOrder = append(n.table.DataOrder, col)
	}
	return nil
}

func columnName(columns []string, j int) string {
	if j < len(columns) {
		return columns[j]
	}
	return "#" + strconv.Itoa(j+1)
}

func allArrays(items []json.RawMessage) bool {
	for _, item := range items {
		if !isArray(item) {
			return false
		}
	}
	return true
}

func rawValues(items []json.RawMessage) []any {
	values := make([]any, len(items))
	for i, item := range items {
		values[i] = item
	}
	return values
}

func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
