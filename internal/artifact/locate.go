package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// DefaultMaxListed caps how many walked directories a NotFoundError prints.
const DefaultMaxListed = 200

// NotFoundError reports a failed search with every directory that was walked.
type NotFoundError struct {
	Path      string
	Roots     []string
	Walked    []string
	Skipped   map[string]string // path -> reason it could not be read or used
	MaxListed int
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "artifact: no %s found under %s", MarkerFile, e.Path)
	if len(e.Roots) > 0 {
		fmt.Fprintf(&b, " or fallback roots [%s]", strings.Join(e.Roots, ", "))
	}
	fmt.Fprintf(&b, "; walked %d directories", len(e.Walked))

	limit := e.MaxListed
	if limit <= 0 {
		limit = DefaultMaxListed
	}
	for i, d := range e.Walked {
		if i == limit {
			fmt.Fprintf(&b, "\n  ... and %d more", len(e.Walked)-limit)
			break
		}
		fmt.Fprintf(&b, "\n  %s", d)
	}
	for _, d := range slices.Sorted(maps.Keys(e.Skipped)) {
		fmt.Fprintf(&b, "\n  skipped %s: %s", d, e.Skipped[d])
	}
	return b.String()
}

// Location is a resolved model root and how it was found.
type Location struct {
	Dir string
	// Searched is false when Dir was the given path itself.
	Searched bool
}

// Locator resolves a model path to the directory holding the marker file.
type Locator struct {
	// FallbackRoots are walked, in order, when the given path has no marker
	// anywhere beneath it.
	FallbackRoots []string
	MaxListed     int
}

// Locate returns path itself when it holds a valid marker. Otherwise it walks
// path and then each fallback root in lexical order and returns the first
// directory whose marker reads as a forest model. Invalid markers are
// recorded in Skipped and the walk continues past them. The walk exists for
// orchestrators that hand over a parent or sibling of the real output
// directory.
func (l Locator) Locate(path string) (*Location, error) {
	nf := &NotFoundError{
		Path:      path,
		Roots:     l.FallbackRoots,
		Skipped:   map[string]string{},
		MaxListed: l.MaxListed,
	}
	if hasMarker(path) {
		if _, err := ReadMarker(path); err == nil {
			return &Location{Dir: path}, nil
		}
	}

	for _, root := range append([]string{path}, l.FallbackRoots...) {
		if dir, ok := walk(root, nf); ok {
			zap.L().Warn("artifact: model located by search",
				zap.String("given", path),
				zap.String("found", dir),
			)
			return &Location{Dir: dir, Searched: true}, nil
		}
	}
	return nil, nf
}

func hasMarker(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MarkerFile))
	return err == nil && !info.IsDir()
}

// walk records every directory it enters into nf and stops at the first
// valid marker file.
func walk(root string, nf *NotFoundError) (string, bool) {
	var found string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				nf.Skipped[p] = "does not exist"
			} else {
				nf.Skipped[p] = err.Error()
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			nf.Walked = append(nf.Walked, p)
			return nil
		}
		if d.Name() != MarkerFile {
			return nil
		}
		dir := filepath.Dir(p)
		if _, merr := ReadMarker(dir); merr != nil {
			nf.Skipped[p] = merr.Error()
			return nil
		}
		found = dir
		return fs.SkipAll
	})
	return found, found != ""
}
