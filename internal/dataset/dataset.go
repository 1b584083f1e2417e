// Package dataset loads a log CSV into an immutable in-memory table that
// analyst snippets query. The table is loaded once and never mutated; every
// executor call sees the same snapshot.
package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ColumnType is the inferred type of a CSV column.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
)

// Dataset is a read-only tabular snapshot of a log file.
type Dataset struct {
	path    string
	columns []string
	types   map[string]ColumnType
	rows    []map[string]any
}

// Load reads the CSV at path into memory. The first record is the header.
// Column types are inferred over all rows: int if every value parses as an
// integer, float if every value parses numerically, string otherwise.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = false
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset %s: empty file", path)
	}

	header := records[0]
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	types := inferTypes(columns, records[1:])

	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if i >= len(rec) {
				row[col] = ""
				continue
			}
			row[col] = coerce(rec[i], types[col])
		}
		rows = append(rows, row)
	}

	return &Dataset{path: path, columns: columns, types: types, rows: rows}, nil
}

func inferTypes(columns []string, records [][]string) map[string]ColumnType {
	types := make(map[string]ColumnType, len(columns))
	for i, col := range columns {
		allInt, allFloat := true, true
		seen := false
		for _, rec := range records {
			if i >= len(rec) || rec[i] == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseInt(rec[i], 10, 64); err != nil {
				allInt = false
			}
			if _, err := strconv.ParseFloat(rec[i], 64); err != nil {
				allFloat = false
			}
		}
		switch {
		case seen && allInt:
			types[col] = TypeInt
		case seen && allFloat:
			types[col] = TypeFloat
		default:
			types[col] = TypeString
		}
	}
	return types
}

func coerce(v string, t ColumnType) any {
	switch t {
	case TypeInt:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return int(n)
		}
		return 0
	case TypeFloat:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return 0.0
	default:
		return v
	}
}

// Path returns the file the dataset was loaded from.
func (d *Dataset) Path() string { return d.path }

// Columns returns the header columns in file order.
func (d *Dataset) Columns() []string { return d.columns }

// Len returns the number of data rows.
func (d *Dataset) Len() int { return len(d.rows) }

// Rows returns the backing rows. Callers must treat the result as read-only;
// snippets evaluated over it cannot assign, and no component may mutate it.
func (d *Dataset) Rows() []map[string]any { return d.rows }

// Type returns the inferred type of a column, or TypeString if unknown.
func (d *Dataset) Type(column string) ColumnType {
	if t, ok := d.types[column]; ok {
		return t
	}
	return TypeString
}

// SchemaDescription renders the column schema for the generation prompt,
// with a few distinct sample values per string column so the oracle can
// produce exact-match predicates.
func (d *Dataset) SchemaDescription() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dataset: %d rows. Columns:\n", len(d.rows))
	for _, col := range d.columns {
		t := d.types[col]
		fmt.Fprintf(&sb, "- %s (%s)", col, t)
		if t == TypeString {
			if samples := d.sampleValues(col, 5); len(samples) > 0 {
				fmt.Fprintf(&sb, " e.g. %s", strings.Join(samples, ", "))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (d *Dataset) sampleValues(column string, max int) []string {
	distinct := make(map[string]struct{})
	for _, row := range d.rows {
		s, ok := row[column].(string)
		if !ok || s == "" {
			continue
		}
		distinct[s] = struct{}{}
		if len(distinct) > max*4 {
			break
		}
	}
	out := make([]string, 0, len(distinct))
	for v := range distinct {
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) > max {
		out = out[:max]
	}
	return out
}
