package reshape

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spherical/pbj/internal/domain"
)

// Stats counts what a conversion touched.
type Stats struct {
	Pages     int `json:"pages"`
	Tables    int `json:"tables"`
	Converted int `json:"converted"`
}

// ReshapeTables converts every column-oriented table in the list and passes
// everything else through. Each table is handled on its own; all shape
// errors are reported together.
func ReshapeTables(tables []json.RawMessage) ([]json.RawMessage, Stats, error) {
	out := make([]json.RawMessage, len(tables))
	stats := Stats{Tables: len(tables)}
	var errs []error

	for i, raw := range tables {
		n, ok, err := narrow(raw, i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			out[i] = raw
			continue
		}

		records, err := Reshape(n.table)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rendered, err := render(n, records)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[i] = rendered
		stats.Converted++
	}

	if len(errs) > 0 {
		return nil, stats, errors.Join(errs...)
	}
	return out, stats, nil
}

// ReshapePage converts the tables of one extracted page. Page fields other
// than "tables" are preserved in their original order. Content that is not
// an object, or has no table list, is returned unchanged.
func ReshapePage(raw json.RawMessage) (json.RawMessage, Stats, error) {
	obj, ok, err := domain.DecodeObject(raw)
	if err != nil {
		return nil, Stats{}, domain.ValidationError("page is not valid JSON", err)
	}
	if !ok {
		return raw, Stats{}, nil
	}

	stats, err := reshapeTablesField(obj)
	if err != nil {
		return nil, stats, err
	}
	stats.Pages = 1

	data, err := marshal(obj)
	if err != nil {
		return nil, stats, domain.ValidationError("encode reshaped page", err)
	}
	return data, stats, nil
}

// ReshapeDocument converts a combined output file: every page in "pages"
// and any standalone "tables". A toast_info block is added unless present.
func ReshapeDocument(raw json.RawMessage, now time.Time) (json.RawMessage, Stats, error) {
	obj, ok, err := domain.DecodeObject(raw)
	if err != nil {
		return nil, Stats{}, domain.ValidationError("document is not valid JSON", err)
	}
	if !ok {
		return nil, Stats{}, domain.ValidationError("document must be a JSON object", nil)
	}

	var total Stats
	var errs []error

	if v, found := obj.Get("pages"); found {
		pages, isList := decodeArray(v)
		if isList {
			for i, page := range pages {
				converted, stats, err := ReshapePage(page)
				total.add(stats)
				if err != nil {
					errs = append(errs, fmt.Errorf("page %d: %w", i+1, err))
					continue
				}
				pages[i] = converted
			}
			obj.Set("pages", mustMarshal(pages))
		}
	}

	stats, err := reshapeTablesField(obj)
	total.add(stats)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, total, errors.Join(errs...)
	}

	if _, found := obj.Get("toast_info"); !found {
		obj.Set("toast_info", mustMarshal(map[string]string{
			"converted_at":    now.Format(time.RFC3339),
			"converter":       "PB&J Toast",
			"format":          "row-based dictionaries",
			"original_format": "column-based arrays",
		}))
	}

	data, err := marshal(obj)
	if err != nil {
		return nil, total, domain.ValidationError("encode reshaped document", err)
	}
	return data, total, nil
}

// ConvertFile reshapes the JSON file at in and writes the result to out.
func ConvertFile(in, out string, now time.Time) (Stats, error) {
	raw, err := os.ReadFile(in)
	if err != nil {
		return Stats{}, domain.IOError(fmt.Sprintf("read %s", in), err)
	}

	converted, stats, err := ReshapeDocument(raw, now)
	if err != nil {
		return stats, err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, converted, "", "  "); err != nil {
		return stats, domain.ValidationError("indent reshaped document", err)
	}
	pretty.WriteByte('\n')
	if err := os.WriteFile(out, pretty.Bytes(), 0o644); err != nil {
		return stats, domain.IOError(fmt.Sprintf("write %s", out), err)
	}
	return stats, nil
}

func (s *Stats) add(o Stats) {
	s.Pages += o.Pages
	s.Tables += o.Tables
	s.Converted += o.Converted
}

func reshapeTablesField(obj *domain.Object) (Stats, error) {
	v, found := obj.Get("tables")
	if !found {
		return Stats{}, nil
	}
	tables, isList := decodeArray(v)
	if !isList {
		return Stats{}, nil
	}

	converted, stats, err := ReshapeTables(tables)
	if err != nil {
		return stats, err
	}
	obj.Set("tables", mustMarshal(converted))
	return stats, nil
}

// render writes a reshaped table in the row-oriented layout followed by the
// fields the reshaper does not interpret.
func render(n *narrowed, records []domain.RowRecord) (json.RawMessage, error) {
	columns := orderedColumns(n.table)
	if columns == nil {
		columns = []string{}
	}
	metadata := n.table.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	rows, err := marshal(records)
	if err != nil {
		return nil, err
	}

	out := domain.NewObject()
	out.Set("table_id", mustMarshal(n.table.ID))
	out.Set("title", mustMarshal(n.table.Title))
	out.Set("description", mustMarshal(n.table.Description))
	out.Set("columns", mustMarshal(columns))
	out.Set("rows", rows)
	out.Set("metadata", metadata)
	for p := n.extras.Oldest(); p != nil; p = p.Next() {
		out.Set(p.Key, p.Value)
	}
	return marshal(out)
}
