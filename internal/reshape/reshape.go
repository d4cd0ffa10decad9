// Package reshape turns column-oriented tables into row-oriented records.
// It talks to no external service and is safe for concurrent use.
package reshape

import (
	"fmt"
	"sort"

	"github.com/spherical/pbj/internal/domain"
)

// Reshape converts one column-oriented table into one record per row.
// Every column must hold the same number of values; records keep the
// table's column order and the original values untouched.
func Reshape(table domain.Table) ([]domain.RowRecord, error) {
	if dup, ok := duplicateColumn(table.Columns); ok {
		return nil, domain.ValidationError(
			fmt.Sprintf("table %q names column %q more than once", table.ID, dup), nil)
	}
	columns := orderedColumns(table)

	if len(columns) == 0 {
		return emptyRows(table)
	}

	lengths := make(map[string]int, len(columns))
	n := -1
	uniform := true
	for _, col := range columns {
		l := len(table.Data[col])
		lengths[col] = l
		if n == -1 {
			n = l
		} else if l != n {
			uniform = false
		}
	}
	if !uniform {
		return nil, domain.TableShapeMismatchError(table.ID, columns, lengths)
	}
	if table.DeclaredRows > 0 && table.DeclaredRows != n {
		lengths["(declared rows)"] = table.DeclaredRows
		return nil, domain.TableShapeMismatchError(table.ID, append(columns, "(declared rows)"), lengths)
	}

	records := make([]domain.RowRecord, n)
	for i := 0; i < n; i++ {
		record := make(domain.RowRecord, len(columns))
		for j, col := range columns {
			record[j] = domain.Field{Name: col, Value: table.Data[col][i]}
		}
		records[i] = record
	}
	return records, nil
}

// emptyRows handles a table without columns: one empty record per implied
// row. A declared row count with no rows to back it is contradictory.
func emptyRows(table domain.Table) ([]domain.RowRecord, error) {
	switch {
	case table.ImpliedRows == 0 && table.DeclaredRows > 0:
		return nil, domain.ValidationError(
			fmt.Sprintf("table %q declares %d rows but has no columns", table.ID, table.DeclaredRows), nil)
	case table.DeclaredRows > 0 && table.DeclaredRows != table.ImpliedRows:
		return nil, domain.ValidationError(
			fmt.Sprintf("table %q declares %d rows but carries %d", table.ID, table.DeclaredRows, table.ImpliedRows), nil)
	}

	records := make([]domain.RowRecord, table.ImpliedRows)
	for i := range records {
		records[i] = domain.RowRecord{}
	}
	return records, nil
}

func duplicateColumn(columns []string) (string, bool) {
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if seen[col] {
			return col, true
		}
		seen[col] = true
	}
	return "", false
}

// orderedColumns returns the header followed by any data keys it omits, so
// no column is ever dropped.
func orderedColumns(table domain.Table) []string {
	seen := make(map[string]bool, len(table.Columns))
	columns := make([]string, 0, len(table.Columns))
	for _, col := range table.Columns {
		if seen[col] {
			continue
		}
		seen[col] = true
		columns = append(columns, col)
	}
	for _, col := range table.DataOrder {
		if _, ok := table.Data[col]; ok && !seen[col] {
			seen[col] = true
			columns = append(columns, col)
		}
	}
	var rest []string
	for col := range table.Data {
		if !seen[col] {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	return append(columns, rest...)
}
