package evaluator

import (
	"fmt"
	"strings"
)

// ResultSet is a query result rendered as text, in the order rows were returned.
type ResultSet struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// CompareResultSets reports structural equality: same columns, same rows in the same order.
// Column names are compared case-insensitively since engines differ in how they echo aliases.
func CompareResultSets(actual, expected ResultSet) bool {
	if len(actual.Columns) != len(expected.Columns) || len(actual.Rows) != len(expected.Rows) {
		return false
	}
	for i := range actual.Columns {
		if !strings.EqualFold(actual.Columns[i], expected.Columns[i]) {
			return false
		}
	}
	for i := range actual.Rows {
		if len(actual.Rows[i]) != len(expected.Rows[i]) {
			return false
		}
		for j := range actual.Rows[i] {
			if actual.Rows[i][j] != expected.Rows[i][j] {
				return false
			}
		}
	}
	return true
}

// String renders the set as tab separated lines with a header.
func (r ResultSet) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		sb.WriteByte('\n')
		sb.WriteString(strings.Join(row, "\t"))
	}
	return sb.String()
}

// Diff describes the first difference between two sets, for diagnostics.
func Diff(actual, expected ResultSet) string {
	if len(actual.Columns) != len(expected.Columns) {
		return fmt.Sprintf("expected %d columns, got %d", len(expected.Columns), len(actual.Columns))
	}
	for i := range actual.Columns {
		if !strings.EqualFold(actual.Columns[i], expected.Columns[i]) {
			return fmt.Sprintf("column %d: expected %q, got %q", i+1, expected.Columns[i], actual.Columns[i])
		}
	}
	if len(actual.Rows) != len(expected.Rows) {
		return fmt.Sprintf("expected %d rows, got %d", len(expected.Rows), len(actual.Rows))
	}
	for i := range actual.Rows {
		for j := range expected.Rows[i] {
			if j >= len(actual.Rows[i]) || actual.Rows[i][j] != expected.Rows[i][j] {
				return fmt.Sprintf("row %d differs", i+1)
			}
		}
	}
	return ""
}
