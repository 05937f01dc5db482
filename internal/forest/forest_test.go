package forest

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearData builds y = 3*x0 + noise-free step on x1, with x2 as pure noise.
func linearData(n int, seed int64) ([][]float64, []float64) {
	rnd := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range n {
		x0 := rnd.Float64() * 10
		x1 := float64(rnd.Intn(3))
		x2 := rnd.Float64()
		X[i] = []float64{x0, x1, x2}
		y[i] = 3*x0 + 10*x1
	}
	return X, y
}

func mse(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s / float64(len(a))
}

func TestRegressor_FitPredict(t *testing.T) {
	X, y := linearData(300, 1)
	Xt, yt := linearData(60, 2)

	r := NewRegressor(WithNEstimators(20))
	require.NoError(t, r.Fit(context.Background(), X, y))
	require.Len(t, r.Trees, 20)

	pred, err := r.Predict(Xt)
	require.NoError(t, err)

	// Variance of y is around 150; a working forest gets far below that.
	got := mse(yt, pred)
	assert.False(t, math.IsNaN(got))
	assert.Less(t, got, 15.0)
}

func TestRegressor_Deterministic(t *testing.T) {
	X, y := linearData(120, 3)

	a := NewRegressor(WithNEstimators(8), WithRandomState(7))
	b := NewRegressor(WithNEstimators(8), WithRandomState(7), WithWorkers(4))
	require.NoError(t, a.Fit(context.Background(), X, y))
	require.NoError(t, b.Fit(context.Background(), X, y))

	pa, err := a.Predict(X)
	require.NoError(t, err)
	pb, err := b.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestRegressor_MaxDepth(t *testing.T) {
	X, y := linearData(200, 4)

	r := NewRegressor(WithNEstimators(5), WithMaxDepth(2))
	require.NoError(t, r.Fit(context.Background(), X, y))
	for _, tree := range r.Trees {
		assert.LessOrEqual(t, tree.Depth(), 2)
	}
}

func TestRegressor_ConstantTargetIsSingleLeaf(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {4}}
	y := []float64{5, 5, 5, 5}

	r := NewRegressor(WithNEstimators(3))
	require.NoError(t, r.Fit(context.Background(), X, y))
	for _, tree := range r.Trees {
		assert.Len(t, tree.Nodes, 1)
	}
	pred, err := r.Predict([][]float64{{100}})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, pred[0], 1e-12)
}

func TestRegressor_NoBootstrapFitsTrainingData(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {4}}
	y := []float64{1, 2, 3, 4}

	r := NewRegressor(WithNEstimators(1), WithBootstrap(false))
	require.NoError(t, r.Fit(context.Background(), X, y))
	pred, err := r.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, y, pred)
}

func TestRegressor_FeatureImportances(t *testing.T) {
	X, y := linearData(300, 5)

	r := NewRegressor(WithNEstimators(10), WithFeatureNames([]string{"x0", "x1", "noise"}))
	require.NoError(t, r.Fit(context.Background(), X, y))

	require.Len(t, r.FeatureImportances, 3)
	total := 0.0
	for _, v := range r.FeatureImportances {
		total += v
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.Greater(t, r.FeatureImportances[0], r.FeatureImportances[2])
	assert.Greater(t, r.FeatureImportances[1], r.FeatureImportances[2])
}

func TestRegressor_MaxFeatures(t *testing.T) {
	X, y := linearData(100, 6)
	r := NewRegressor(WithNEstimators(4), WithMaxFeatures(1))
	require.NoError(t, r.Fit(context.Background(), X, y))
	_, err := r.Predict(X)
	require.NoError(t, err)
}

func TestRegressor_FitErrors(t *testing.T) {
	ctx := context.Background()

	assert.Error(t, NewRegressor().Fit(ctx, nil, nil))
	assert.Error(t, NewRegressor().Fit(ctx, [][]float64{{1}}, []float64{1, 2}))
	assert.Error(t, NewRegressor(WithNEstimators(0)).Fit(ctx, [][]float64{{1}}, []float64{1}))
	assert.Error(t, NewRegressor(WithMaxDepth(-1)).Fit(ctx, [][]float64{{1}}, []float64{1}))
	assert.Error(t, NewRegressor().Fit(ctx, [][]float64{{1}, {1, 2}}, []float64{1, 2}))
	assert.Error(t, NewRegressor(WithFeatureNames([]string{"a", "b"})).Fit(ctx, [][]float64{{1}}, []float64{1}))
}

func TestRegressor_FitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	X, y := linearData(20, 7)
	err := NewRegressor(WithNEstimators(3)).Fit(ctx, X, y)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestRegressor_PredictErrors(t *testing.T) {
	_, err := NewRegressor().Predict([][]float64{{1}})
	assert.Error(t, err)

	r := NewRegressor(WithNEstimators(1))
	require.NoError(t, r.Fit(context.Background(), [][]float64{{1, 2}, {3, 4}}, []float64{1, 2}))
	_, err = r.Predict([][]float64{{1}})
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	X, y := linearData(80, 8)
	r := NewRegressor(WithNEstimators(5), WithFeatureNames([]string{"a", "b", "c"}))
	require.NoError(t, r.Fit(context.Background(), X, y))

	var buf bytes.Buffer
	require.NoError(t, r.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, loaded.FeatureNames)
	assert.Equal(t, r.NEstimators, loaded.NEstimators)

	want, err := r.Predict(X)
	require.NoError(t, err)
	got, err := loaded.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSave_Unfit(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, NewRegressor().Save(&buf))
}

func TestLoad_Garbage(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("not a model")))
	assert.Error(t, err)
}
