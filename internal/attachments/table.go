package attachments

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Table is the row view of a structured attachment.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Condition filters rows on one column.
type Condition struct {
	Column string `json:"column" jsonschema:"description=Column name to filter on"`
	// Op is one of eq, ne, contains, gt, gte, lt, lte.
	Op    string `json:"op" jsonschema:"enum=eq,enum=ne,enum=contains,enum=gt,enum=gte,enum=lt,enum=lte"`
	Value string `json:"value"`
}

// Query selects rows from a handle.
type Query struct {
	Columns []string    `json:"columns,omitempty" jsonschema:"description=Columns to return (default all)"`
	Where   []Condition `json:"where,omitempty"`
	// Path is a gjson path evaluated against JSON attachments instead of rows.
	Path   string `json:"path,omitempty" jsonschema:"description=JSON path (JSON attachments only)"`
	Offset int    `json:"offset,omitempty" jsonschema:"minimum=0"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=0,maximum=500"`
}

// QueryResult holds the rows or path value a query produced.
type QueryResult struct {
	Columns   []string   `json:"columns,omitempty"`
	Rows      [][]string `json:"rows,omitempty"`
	Matched   int        `json:"matched"`
	Truncated bool       `json:"truncated,omitempty"`
	Value     string     `json:"value,omitempty"`
}

func parseTable(format Format, mimeType string, data []byte) (*Table, error) {
	switch format {
	case FormatCSV:
		return parseCSV(data, mimeType == "text/tab-separated-values")
	case FormatJSON:
		return parseJSON(data)
	default:
		return parseLines(data), nil
	}
}

func parseCSV(data []byte, tabs bool) (*Table, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if tabs {
		reader.Comma = '\t'
	}

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv attachment is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("parse csv header: %w", err)
	}
	table := &Table{Columns: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv row %d: %w", len(table.Rows)+1, err)
		}
		table.Rows = append(table.Rows, padRow(record, len(header)))
	}
	return table, nil
}

func parseJSON(data []byte) (*Table, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("attachment is not valid json")
	}
	root := gjson.ParseBytes(data)

	if root.IsObject() {
		table := &Table{Columns: []string{"key", "value"}}
		root.ForEach(func(key, value gjson.Result) bool {
			table.Rows = append(table.Rows, []string{key.String(), cellValue(value)})
			return true
		})
		return table, nil
	}
	if !root.IsArray() {
		return &Table{Columns: []string{"value"}, Rows: [][]string{{cellValue(root)}}}, nil
	}

	elements := root.Array()
	index := map[string]int{}
	var columns []string
	for _, el := range elements {
		if !el.IsObject() {
			continue
		}
		el.ForEach(func(key, _ gjson.Result) bool {
			if _, ok := index[key.String()]; !ok {
				index[key.String()] = len(columns)
				columns = append(columns, key.String())
			}
			return true
		})
	}
	if len(columns) == 0 {
		columns = []string{"value"}
	}

	table := &Table{Columns: columns}
	for _, el := range elements {
		row := make([]string, len(columns))
		if el.IsObject() {
			el.ForEach(func(key, value gjson.Result) bool {
				row[index[key.String()]] = cellValue(value)
				return true
			})
		} else if len(index) == 0 {
			row[0] = cellValue(el)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func parseLines(data []byte) *Table {
	text := strings.TrimSuffix(string(data), "\n")
	table := &Table{Columns: []string{"line"}}
	if text == "" {
		return table
	}
	for _, line := range strings.Split(text, "\n") {
		table.Rows = append(table.Rows, []string{strings.TrimSuffix(line, "\r")})
	}
	return table
}

func cellValue(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	return v.Raw
}

func padRow(row []string, width int) []string {
	if len(row) >= width {
		return row
	}
	padded := make([]string, width)
	copy(padded, row)
	return padded
}

// Sample returns up to n leading rows.
func (t *Table) Sample(n int) [][]string {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.Rows[:n]
}

func (t *Table) column(name string) (int, error) {
	idx := slices.Index(t.Columns, name)
	if idx < 0 {
		return 0, fmt.Errorf("unknown column %q (available: %s)", name, strings.Join(t.Columns, ", "))
	}
	return idx, nil
}

// Query filters and projects the table.
func (t *Table) Query(q Query) (*QueryResult, error) {
	type filter struct {
		idx  int
		cond Condition
	}
	filters := make([]filter, 0, len(q.Where))
	for _, cond := range q.Where {
		idx, err := t.column(cond.Column)
		if err != nil {
			return nil, err
		}
		if _, err := match(cond.Op, "", cond.Value); err != nil {
			return nil, err
		}
		filters = append(filters, filter{idx: idx, cond: cond})
	}

	columns := t.Columns
	projection := make([]int, 0, len(q.Columns))
	if len(q.Columns) > 0 {
		columns = q.Columns
		for _, name := range q.Columns {
			idx, err := t.column(name)
			if err != nil {
				return nil, err
			}
			projection = append(projection, idx)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	result := &QueryResult{Columns: columns}
	for _, row := range t.Rows {
		keep := true
		for _, f := range filters {
			ok, _ := match(f.cond.Op, row[f.idx], f.cond.Value)
			if !ok {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		result.Matched++
		if result.Matched <= q.Offset {
			continue
		}
		if len(result.Rows) >= limit {
			result.Truncated = true
			continue
		}
		if len(projection) == 0 {
			result.Rows = append(result.Rows, row)
			continue
		}
		projected := make([]string, len(projection))
		for i, idx := range projection {
			projected[i] = row[idx]
		}
		result.Rows = append(result.Rows, projected)
	}
	return result, nil
}

// match compares cell against value. Ordering operators compare numerically
// when both sides parse as numbers.
func match(op, cell, value string) (bool, error) {
	switch op {
	case "", "eq":
		return cell == value, nil
	case "ne":
		return cell != value, nil
	case "contains":
		return strings.Contains(strings.ToLower(cell), strings.ToLower(value)), nil
	case "gt", "gte", "lt", "lte":
		cmp := compare(cell, value)
		switch op {
		case "gt":
			return cmp > 0, nil
		case "gte":
			return cmp >= 0, nil
		case "lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
