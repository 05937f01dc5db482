package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// WriteCSV writes the table with its header to w.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return eris.Wrap(err, "csv: write header")
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return eris.Wrap(err, "csv: write rows")
	}
	return nil
}

// WriteDir creates dir if needed and writes the table to dir/name.
func WriteDir(dir, name string, t *Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "dataset: create dir %s", dir)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", eris.Wrapf(err, "dataset: create %s", path)
	}

	if err := WriteCSV(f, t); err != nil {
		f.Close() //nolint:errcheck
		return "", eris.Wrapf(err, "dataset: write %s", path)
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrapf(err, "dataset: close %s", path)
	}
	return path, nil
}
