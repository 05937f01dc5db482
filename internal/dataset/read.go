package dataset

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ReadFile loads a table from path. Files ending in .xlsx are read from their
// first sheet; everything else is parsed as CSV with a header row.
func ReadFile(path string) (*Table, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "dataset: %s", path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: stat %s", path)
	}
	if info.IsDir() {
		return nil, eris.Errorf("dataset: %s is a directory", path)
	}

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ReadXLSX(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	t, err := ReadCSV(f)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: read %s", path)
	}
	return t, nil
}

// ReadDir loads the fixed-name file inside dir, e.g. ReadDir(dir, TrainFile).
func ReadDir(dir, name string) (*Table, error) {
	return ReadFile(filepath.Join(dir, name))
}

// ReadCSV parses a CSV stream whose first record is the header. A leading
// byte-order mark is stripped.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(transform.Nop)))
	reader.FieldsPerRecord = 0

	header, err := reader.Read()
	if err == io.EOF {
		return nil, eris.New("csv: empty input")
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}

	t := &Table{Header: trimAll(header)}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		t.Rows = append(t.Rows, record)
	}
	return t, nil
}

// ReadXLSX reads the first sheet of an XLSX workbook. The first row is the
// header; short rows are padded with empty cells.
func ReadXLSX(path string) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: open %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("xlsx: %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("xlsx: sheet %q is empty", sheet.Name)
	}

	t := &Table{Header: trimAll(rowToStrings(sheet.Rows[0], 0))}
	for _, row := range sheet.Rows[1:] {
		cells := rowToStrings(row, len(t.Header))
		if len(cells) > len(t.Header) {
			return nil, eris.Errorf("xlsx: row has %d cells, header has %d", len(cells), len(t.Header))
		}
		if isBlank(cells) {
			continue
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, nil
}

func rowToStrings(row *xlsx.Row, width int) []string {
	n := len(row.Cells)
	if width > n {
		n = width
	}
	cells := make([]string, n)
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
