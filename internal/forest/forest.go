// Package forest implements a bagged ensemble of CART regression trees.
package forest

import (
	"context"
	"encoding/gob"
	"io"
	"math/rand"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FormatVersion identifies the gob layout written by Save.
const FormatVersion = 1

// Regressor averages the predictions of NEstimators regression trees, each
// fit on a bootstrap sample drawn with seed RandomState+i.
type Regressor struct {
	NEstimators     int
	MaxDepth        int // 0 means unlimited
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int // 0 means all features
	Bootstrap       bool
	RandomState     int64

	// Workers bounds how many trees are fit at once. Values below 1 mean 1.
	Workers int

	NFeatures          int
	FeatureNames       []string
	FeatureImportances []float64
	Trees              []*Tree
}

// Option configures a Regressor.
type Option func(*Regressor)

func WithNEstimators(n int) Option      { return func(r *Regressor) { r.NEstimators = n } }
func WithMaxDepth(d int) Option         { return func(r *Regressor) { r.MaxDepth = d } }
func WithMinSamplesSplit(n int) Option  { return func(r *Regressor) { r.MinSamplesSplit = n } }
func WithMinSamplesLeaf(n int) Option   { return func(r *Regressor) { r.MinSamplesLeaf = n } }
func WithMaxFeatures(k int) Option      { return func(r *Regressor) { r.MaxFeatures = k } }
func WithBootstrap(b bool) Option       { return func(r *Regressor) { r.Bootstrap = b } }
func WithRandomState(seed int64) Option { return func(r *Regressor) { r.RandomState = seed } }
func WithWorkers(n int) Option          { return func(r *Regressor) { r.Workers = n } }

// WithFeatureNames records column names alongside the fitted model.
func WithFeatureNames(names []string) Option {
	return func(r *Regressor) { r.FeatureNames = append([]string(nil), names...) }
}

// NewRegressor returns a regressor with the conventional random-forest
// defaults: 100 trees, unlimited depth, bootstrap sampling, seed 42.
func NewRegressor(opts ...Option) *Regressor {
	r := &Regressor{
		NEstimators:     100,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Bootstrap:       true,
		RandomState:     42,
		Workers:         1,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Fit trains every tree. Trees are independent, so up to Workers of them are
// grown concurrently; the result does not depend on Workers.
func (r *Regressor) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if len(X) == 0 {
		return eris.New("forest: empty X")
	}
	if len(y) != len(X) {
		return eris.Errorf("forest: X has %d rows, y has %d", len(X), len(y))
	}
	if r.NEstimators < 1 {
		return eris.Errorf("forest: n_estimators must be >= 1, got %d", r.NEstimators)
	}
	if r.MaxDepth < 0 {
		return eris.Errorf("forest: max_depth must be >= 0, got %d", r.MaxDepth)
	}
	p := len(X[0])
	for i, row := range X {
		if len(row) != p {
			return eris.Errorf("forest: row %d has %d features, want %d", i, len(row), p)
		}
	}
	if len(r.FeatureNames) > 0 && len(r.FeatureNames) != p {
		return eris.Errorf("forest: %d feature names for %d features", len(r.FeatureNames), p)
	}

	r.NFeatures = p
	r.Trees = make([]*Tree, r.NEstimators)

	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	n := len(X)
	for i := range r.NEstimators {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return eris.Wrap(err, "forest: fit cancelled")
			}
			rnd := rand.New(rand.NewSource(r.RandomState + int64(i)))

			idx := make([]int, n)
			for j := range idx {
				if r.Bootstrap {
					idx[j] = rnd.Intn(n)
				} else {
					idx[j] = j
				}
			}

			tree := &Tree{
				MaxDepth:        r.MaxDepth,
				MinSamplesSplit: r.MinSamplesSplit,
				MinSamplesLeaf:  r.MinSamplesLeaf,
				MaxFeatures:     r.MaxFeatures,
			}
			if err := tree.fit(X, y, idx, rnd); err != nil {
				return eris.Wrapf(err, "forest: tree %d", i)
			}
			r.Trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.Trees = nil
		return err
	}

	r.FeatureImportances = r.importances()
	zap.L().Debug("forest: fit complete",
		zap.Int("trees", len(r.Trees)),
		zap.Int("rows", n),
		zap.Int("features", p),
	)
	return nil
}

// importances averages each tree's normalized squared-error reduction.
func (r *Regressor) importances() []float64 {
	out := make([]float64, r.NFeatures)
	counted := 0
	for _, t := range r.Trees {
		total := 0.0
		for _, v := range t.importance {
			total += v
		}
		if total == 0 {
			continue
		}
		for j, v := range t.importance {
			out[j] += v / total
		}
		counted++
	}
	if counted > 0 {
		for j := range out {
			out[j] /= float64(counted)
		}
	}
	return out
}

// Predict returns the mean tree prediction for each row.
func (r *Regressor) Predict(X [][]float64) ([]float64, error) {
	if len(r.Trees) == 0 {
		return nil, eris.New("forest: model not fit")
	}
	out := make([]float64, len(X))
	for i, x := range X {
		if len(x) != r.NFeatures {
			return nil, eris.Errorf("forest: row %d has %d features, want %d", i, len(x), r.NFeatures)
		}
		s := 0.0
		for _, t := range r.Trees {
			s += t.predict(x)
		}
		out[i] = s / float64(len(r.Trees))
	}
	return out, nil
}

// Save gob-encodes the fitted model to w.
func (r *Regressor) Save(w io.Writer) error {
	if len(r.Trees) == 0 {
		return eris.New("forest: model not fit")
	}
	enc := gob.NewEncoder(w)
	if err := enc.Encode(FormatVersion); err != nil {
		return eris.Wrap(err, "forest: encode version")
	}
	if err := enc.Encode(r); err != nil {
		return eris.Wrap(err, "forest: encode model")
	}
	return nil
}

// Load decodes a model written by Save.
func Load(rd io.Reader) (*Regressor, error) {
	dec := gob.NewDecoder(rd)
	var version int
	if err := dec.Decode(&version); err != nil {
		return nil, eris.Wrap(err, "forest: decode version")
	}
	if version != FormatVersion {
		return nil, eris.Errorf("forest: unsupported format version %d", version)
	}
	var r Regressor
	if err := dec.Decode(&r); err != nil {
		return nil, eris.Wrap(err, "forest: decode model")
	}
	if len(r.Trees) == 0 {
		return nil, eris.New("forest: decoded model has no trees")
	}
	return &r, nil
}
