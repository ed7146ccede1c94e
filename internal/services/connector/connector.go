// Package connector materializes private datasets into tabular views the
// DP backends can scan. The raw rows never leave this package except
// through a Querier.
package connector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dpserve/dpserve/internal/models"
)

// Frame is a materialized tabular view: column names in metadata order and
// row-major values. Cell types follow the column spec: int64, float64,
// string, bool or time.Time, with nil for nulls.
type Frame struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"data"`
}

func (f *Frame) NumRows() int { return len(f.Rows) }

// ColumnIndex returns the position of name, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, col := range f.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// Column returns all non-nil values of the named column.
func (f *Frame) Column(name string) ([]any, error) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("no column %q in view", name)
	}
	values := make([]any, 0, len(f.Rows))
	for _, row := range f.Rows {
		if row[idx] != nil {
			values = append(values, row[idx])
		}
	}
	return values, nil
}

// FloatColumn returns the named column coerced to float64, skipping nulls.
func (f *Frame) FloatColumn(name string) ([]float64, error) {
	values, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(values))
	for _, v := range values {
		switch x := v.(type) {
		case float64:
			out = append(out, x)
		case int64:
			out = append(out, float64(x))
		case bool:
			if x {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		default:
			return nil, fmt.Errorf("column %q is not numeric", name)
		}
	}
	return out, nil
}

// Connector is a shared, read-only handle on one private dataset.
type Connector interface {
	Name() string
	Metadata() *models.Metadata

	// Tabular returns the materialized view. Implementations load lazily
	// and must never expose a partially loaded frame.
	Tabular(ctx context.Context) (*Frame, error)
}

// parseCell converts one CSV cell according to the column spec. Empty
// cells on nullable columns become nil.
func parseCell(raw string, spec *models.ColumnSpec) (any, error) {
	if raw == "" {
		if spec.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("empty value in non-nullable column %s", spec.Name)
	}

	switch spec.Type {
	case models.ColumnInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", spec.Name, err)
		}
		return v, nil
	case models.ColumnFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", spec.Name, err)
		}
		return v, nil
	case models.ColumnBoolean:
		v, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", spec.Name, err)
		}
		return v, nil
	case models.ColumnDatetime:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if v, err := time.Parse(layout, raw); err == nil {
				return v, nil
			}
		}
		return nil, fmt.Errorf("column %s: unparseable datetime %q", spec.Name, raw)
	default:
		return raw, nil
	}
}

// frameFromCSV builds a Frame from parsed CSV records, reordering columns
// to match the metadata column order.
func frameFromCSV(records [][]string, meta *models.Metadata) (*Frame, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	header := records[0]
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[name] = i
	}

	frame := &Frame{Columns: make([]string, 0, len(meta.Columns))}
	for _, spec := range meta.Columns {
		if _, ok := colIdx[spec.Name]; !ok {
			return nil, fmt.Errorf("dataset is missing column %q declared in metadata", spec.Name)
		}
		frame.Columns = append(frame.Columns, spec.Name)
	}

	frame.Rows = make([][]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]any, len(meta.Columns))
		for j := range meta.Columns {
			spec := &meta.Columns[j]
			cell, err := parseCell(record[colIdx[spec.Name]], spec)
			if err != nil {
				return nil, err
			}
			row[j] = cell
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}
