// Package encode maps categorical column values to integer codes.
//
// Each column gets its own LabelEncoder. Codes are assigned in sorted order
// of the distinct values seen at fit time, so fitting the same values always
// yields the same codes. Encoders are never shared between columns.
package encode

import (
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mlpipeline/internal/dataset"
)

// ErrUnseen is returned when transforming a value the encoder was not fit on.
var ErrUnseen = eris.New("unseen category")

// LabelEncoder holds one column's value table.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

// Fit builds an encoder from the observed values of one column.
func Fit(values []string) *LabelEncoder {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Strings(classes)

	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &LabelEncoder{classes: classes, index: index}
}

// Classes returns the fitted values; the code of Classes()[i] is i.
func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Len returns the number of distinct codes.
func (e *LabelEncoder) Len() int {
	return len(e.classes)
}

// Transform maps values to codes.
func (e *LabelEncoder) Transform(values []string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		code, ok := e.index[v]
		if !ok {
			return nil, eris.Wrapf(ErrUnseen, "encode: value %q", v)
		}
		out[i] = code
	}
	return out, nil
}

// Decode maps codes back to the original values.
func (e *LabelEncoder) Decode(codes []int) ([]string, error) {
	out := make([]string, len(codes))
	for i, c := range codes {
		if c < 0 || c >= len(e.classes) {
			return nil, eris.Errorf("encode: code %d out of range [0,%d)", c, len(e.classes))
		}
		out[i] = e.classes[c]
	}
	return out, nil
}

// Set is the per-column encoders fit over one table, keyed by column name.
type Set map[string]*LabelEncoder

// Columns returns the encoded column names in sorted order.
func (s Set) Columns() []string {
	cols := make([]string, 0, len(s))
	for c := range s {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Table fits an independent encoder on every non-numeric column of t and
// replaces that column's cells with their codes in place. Numeric columns
// are left untouched. Columns named in skip are never encoded.
func Table(t *dataset.Table, skip ...string) (Set, error) {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	set := make(Set)
	for idx, name := range t.Header {
		if skipped[name] || t.IsNumeric(idx) {
			continue
		}
		if _, dup := set[name]; dup {
			return nil, eris.Errorf("encode: duplicate column %q", name)
		}

		values, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		enc := Fit(values)
		codes, err := enc.Transform(values)
		if err != nil {
			return nil, eris.Wrapf(err, "encode: column %q", name)
		}

		cells := make([]string, len(codes))
		for i, c := range codes {
			cells[i] = strconv.Itoa(c)
		}
		t.SetColumn(idx, cells)
		set[name] = enc
	}
	return set, nil
}
