// Package registry is an HTTP client for the registry API served by
// `mlpipeline serve`. It lets stages on other hosts register models without
// direct database access.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/resilience"
	"github.com/sells-group/mlpipeline/internal/store"
)

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	RatePerSec float64
	MaxRetries int
	HTTPClient *http.Client
}

// Client implements store.Registry over HTTP.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	policy  resilience.Policy
}

var _ store.Registry = (*Client)(nil)

// NewClient returns a client for the API at baseURL, e.g. http://registry:8080.
func NewClient(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, eris.Errorf("registry client: invalid base url %q", baseURL)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/") + "/api/v1",
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		policy:  resilience.Policy{Attempts: opts.MaxRetries, Backoff: 500 * time.Millisecond, Jitter: 0.25},
	}, nil
}

func (c *Client) RegisterModelVersion(ctx context.Context, name, source, runID string) (*model.ModelVersion, error) {
	body, err := json.Marshal(map[string]string{"source": source, "run_id": runID})
	if err != nil {
		return nil, eris.Wrap(err, "registry client: marshal request")
	}
	var v model.ModelVersion
	// Registration is not idempotent, so it is never retried.
	if err := c.do(ctx, resilience.NoRetry, http.MethodPost, modelPath(name, "versions"), body, &v); err != nil {
		return nil, eris.Wrapf(err, "registry client: register %s", name)
	}
	return &v, nil
}

func (c *Client) GetModelVersion(ctx context.Context, name string, version int) (*model.ModelVersion, error) {
	var v model.ModelVersion
	if err := c.do(ctx, c.policy, http.MethodGet, modelPath(name, "versions", strconv.Itoa(version)), nil, &v); err != nil {
		return nil, eris.Wrapf(err, "registry client: get %s version %d", name, version)
	}
	return &v, nil
}

func (c *Client) LatestModelVersion(ctx context.Context, name string) (*model.ModelVersion, error) {
	var v model.ModelVersion
	if err := c.do(ctx, c.policy, http.MethodGet, modelPath(name, "latest"), nil, &v); err != nil {
		return nil, eris.Wrapf(err, "registry client: latest %s", name)
	}
	return &v, nil
}

func (c *Client) ListModelVersions(ctx context.Context, name string) ([]model.ModelVersion, error) {
	var vs []model.ModelVersion
	if err := c.do(ctx, c.policy, http.MethodGet, modelPath(name, "versions"), nil, &vs); err != nil {
		return nil, eris.Wrapf(err, "registry client: list %s", name)
	}
	return vs, nil
}

func modelPath(name string, parts ...string) string {
	return "/models/" + url.PathEscape(name) + "/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, p resilience.Policy, method, path string, body []byte, out any) error {
	return resilience.Do(ctx, p, "registry "+method+" "+path, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limiter wait")
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return eris.Wrap(err, "create request")
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return eris.Wrap(err, "http request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 300 {
			return statusError(resp)
		}
		return eris.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
	})
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return eris.Wrap(store.ErrNotFound, msg)
	case resilience.IsTransientStatus(resp.StatusCode):
		return resilience.Transient(eris.Errorf("http %d: %s", resp.StatusCode, msg), resp.StatusCode)
	default:
		return eris.Errorf("http %d: %s", resp.StatusCode, msg)
	}
}
