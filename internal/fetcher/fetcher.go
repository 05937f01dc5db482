// Package fetcher downloads remote raw data so stages can read it from
// local disk.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/dataset"
)

// Fetcher downloads one remote resource.
type Fetcher interface {
	// Download fetches the URL and returns the response body. A resource the
	// server reports as missing yields an error wrapping dataset.ErrNotFound.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options configures the fetchers built by NewResolver.
type Options struct {
	Timeout    time.Duration
	RatePerSec float64
	MaxRetries int
	UserAgent  string
}

// Resolver turns a raw data location into a local file path, downloading
// http(s):// and ftp:// URIs first.
type Resolver struct {
	fetchers map[string]Fetcher
}

// NewResolver returns a Resolver backed by an HTTPFetcher and an FTPFetcher.
func NewResolver(opts Options) *Resolver {
	h := NewHTTPFetcher(HTTPOptions{
		UserAgent:  opts.UserAgent,
		Timeout:    opts.Timeout,
		MaxRetries: opts.MaxRetries,
		RatePerSec: opts.RatePerSec,
	})
	f := NewFTPFetcher(FTPOptions{Timeout: opts.Timeout})
	return &Resolver{fetchers: map[string]Fetcher{
		"http":  h,
		"https": h,
		"ftp":   f,
	}}
}

// WithFetcher registers f for scheme, replacing any existing one.
func (r *Resolver) WithFetcher(scheme string, f Fetcher) *Resolver {
	r.fetchers[strings.ToLower(scheme)] = f
	return r
}

// IsRemote reports whether loc is a URI with a scheme this package handles.
func IsRemote(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return true
	}
	return false
}

// Resolve returns a local path for loc. Local paths are returned unchanged
// with a no-op cleanup. Remote URIs are downloaded into tmpDir (the system
// temp dir when empty) keeping the URI's file extension; cleanup removes the
// download.
func (r *Resolver) Resolve(ctx context.Context, loc, tmpDir string) (string, func(), error) {
	noop := func() {}
	if !IsRemote(loc) {
		return loc, noop, nil
	}

	u, _ := url.Parse(loc)
	f, ok := r.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return "", noop, eris.Errorf("fetcher: no fetcher for scheme %q", u.Scheme)
	}

	body, err := f.Download(ctx, loc)
	if err != nil {
		return "", noop, eris.Wrapf(err, "fetcher: download %s", loc)
	}
	defer body.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(tmpDir, "raw-*"+path.Ext(u.Path))
	if err != nil {
		return "", noop, eris.Wrap(err, "fetcher: create temp file")
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", noop, eris.Wrapf(err, "fetcher: write %s", tmp.Name())
	}

	zap.L().Info("fetcher: downloaded raw data",
		zap.String("uri", loc),
		zap.String("path", filepath.Clean(tmp.Name())),
		zap.Int64("bytes", n),
	)
	return tmp.Name(), cleanup, nil
}

func notFound(loc string) error {
	return eris.Wrapf(dataset.ErrNotFound, "remote %s", loc)
}
