// Package dataset reads, splits, and writes the tabular files exchanged
// between pipeline stages.
package dataset

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// File names agreed between the prep and train stages.
const (
	TrainFile = "train.csv"
	TestFile  = "test.csv"
)

var (
	// ErrNotFound is returned when an input file or directory does not exist.
	ErrNotFound = eris.New("not found")
	// ErrMissingColumn is returned when an expected column is absent.
	ErrMissingColumn = eris.New("missing column")
	// ErrNotNumeric is returned when a feature cell cannot be parsed as a number.
	ErrNotNumeric = eris.New("non-numeric value")
)

// Table is a header plus string-valued rows. Every row has len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column's cells.
func (t *Table) Column(name string) ([]string, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, eris.Wrapf(ErrMissingColumn, "dataset: column %q", name)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// SetColumn replaces the cells of column idx.
func (t *Table) SetColumn(idx int, values []string) {
	for i := range t.Rows {
		t.Rows[i][idx] = values[i]
	}
}

// IsNumeric reports whether every non-empty cell of column idx parses as a
// float. A column with no non-empty cells counts as numeric.
func (t *Table) IsNumeric(idx int) bool {
	for _, row := range t.Rows {
		v := strings.TrimSpace(row[idx])
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
	}
	return true
}

// CheckNumeric returns ErrNotNumeric for the first cell, in row order, that
// does not parse as a float. Empty cells fail.
func (t *Table) CheckNumeric() error {
	for r, row := range t.Rows {
		for c, cell := range row {
			if _, err := strconv.ParseFloat(strings.TrimSpace(cell), 64); err != nil {
				return eris.Wrapf(ErrNotNumeric, "dataset: row %d column %q value %q", r+1, t.Header[c], cell)
			}
		}
	}
	return nil
}

// Subset returns a new table holding the rows at idx, in that order.
// Rows are copied so the result can be mutated independently.
func (t *Table) Subset(idx []int) *Table {
	out := &Table{
		Header: append([]string(nil), t.Header...),
		Rows:   make([][]string, len(idx)),
	}
	for i, r := range idx {
		out.Rows[i] = append([]string(nil), t.Rows[r]...)
	}
	return out
}

// Features separates the target column from the remaining columns and parses
// both as floats. Feature columns keep their header order.
func (t *Table) Features(target string) (X [][]float64, y []float64, names []string, err error) {
	ti := t.ColumnIndex(target)
	if ti < 0 {
		return nil, nil, nil, eris.Wrapf(ErrMissingColumn, "dataset: target column %q", target)
	}

	names = make([]string, 0, len(t.Header)-1)
	for i, h := range t.Header {
		if i != ti {
			names = append(names, h)
		}
	}

	X = make([][]float64, len(t.Rows))
	y = make([]float64, len(t.Rows))
	for r, row := range t.Rows {
		x := make([]float64, 0, len(names))
		for c, cell := range row {
			v, perr := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if perr != nil {
				return nil, nil, nil, eris.Wrapf(ErrNotNumeric, "dataset: row %d column %q value %q", r+1, t.Header[c], cell)
			}
			if c == ti {
				y[r] = v
				continue
			}
			x = append(x, v)
		}
		X[r] = x
	}
	return X, y, names, nil
}
