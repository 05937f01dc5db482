package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mlpipeline/internal/artifact"
	"github.com/sells-group/mlpipeline/internal/dataset"
	"github.com/sells-group/mlpipeline/internal/fetcher"
	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/split"
	"github.com/sells-group/mlpipeline/internal/store"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

var neighborhoods = []string{"north", "south", "east"}

// rawCSV builds n housing rows with one categorical column of 3 values.
func rawCSV(n int) string {
	rnd := rand.New(rand.NewSource(11))
	var b strings.Builder
	b.WriteString("area,rooms,neighborhood,price\n")
	for i := range n {
		area := 40 + rnd.Float64()*120
		rooms := 1 + rnd.Intn(5)
		hood := neighborhoods[i%len(neighborhoods)]
		price := area*1500 + float64(rooms)*8000 + float64(i%3)*20000
		fmt.Fprintf(&b, "%.2f,%d,%s,%.2f\n", area, rooms, hood, price)
	}
	return b.String()
}

func writeRaw(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.csv")
	require.NoError(t, os.WriteFile(path, []byte(rawCSV(n)), 0o644))
	return path
}

func untracked(t *testing.T, stage string) *tracking.Run {
	t.Helper()
	run, err := tracking.Start(context.Background(), nil, "test", stage)
	require.NoError(t, err)
	return run
}

func prepared(t *testing.T, n int) (trainDir, testDir string) {
	t.Helper()
	base := t.TempDir()
	trainDir, testDir = filepath.Join(base, "train"), filepath.Join(base, "test")
	_, err := Prep(context.Background(), untracked(t, model.StagePrep), PrepOptions{
		RawData:  writeRaw(t, n),
		TrainDir: trainDir,
		TestDir:  testDir,
		Ratio:    0.2,
		Seed:     split.DefaultSeed,
	})
	require.NoError(t, err)
	return trainDir, testDir
}

func TestPrep_EndToEnd(t *testing.T) {
	base := t.TempDir()
	run := untracked(t, model.StagePrep)

	res, err := Prep(context.Background(), run, PrepOptions{
		RawData:  writeRaw(t, 100),
		TrainDir: filepath.Join(base, "out", "train"),
		TestDir:  filepath.Join(base, "out", "test"),
		Ratio:    0.2,
		Seed:     split.DefaultSeed,
	})
	require.NoError(t, err)
	assert.Equal(t, 80, res.TrainRows)
	assert.Equal(t, 20, res.TestRows)
	assert.Equal(t, []string{"neighborhood"}, res.Encoded)
	assert.Equal(t, map[string]float64{"train_rows": 80, "test_rows": 20}, run.Metrics())

	train, err := dataset.ReadFile(res.TrainPath)
	require.NoError(t, err)
	test, err := dataset.ReadFile(res.TestPath)
	require.NoError(t, err)
	assert.Equal(t, 80, train.Len())
	assert.Equal(t, 20, test.Len())

	codes := map[string]bool{}
	for _, tbl := range []*dataset.Table{train, test} {
		require.NoError(t, tbl.CheckNumeric())
		col, err := tbl.Column("neighborhood")
		require.NoError(t, err)
		for _, c := range col {
			codes[c] = true
		}
	}
	assert.Equal(t, map[string]bool{"0": true, "1": true, "2": true}, codes)

	dec, err := res.Encoders["neighborhood"].Decode([]int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"east", "north", "south"}, dec)
}

func TestPrep_Deterministic(t *testing.T) {
	raw := writeRaw(t, 50)
	read := func() (string, string) {
		base := t.TempDir()
		res, err := Prep(context.Background(), untracked(t, model.StagePrep), PrepOptions{
			RawData: raw, TrainDir: filepath.Join(base, "a"), TestDir: filepath.Join(base, "b"),
			Ratio: 0.3, Seed: 42,
		})
		require.NoError(t, err)
		tr, err := os.ReadFile(res.TrainPath)
		require.NoError(t, err)
		te, err := os.ReadFile(res.TestPath)
		require.NoError(t, err)
		return string(tr), string(te)
	}
	tr1, te1 := read()
	tr2, te2 := read()
	assert.Equal(t, tr1, tr2)
	assert.Equal(t, te1, te2)
}

func TestPrep_MissingRawData(t *testing.T) {
	base := t.TempDir()
	_, err := Prep(context.Background(), untracked(t, model.StagePrep), PrepOptions{
		RawData:  filepath.Join(base, "nope.csv"),
		TrainDir: filepath.Join(base, "train"),
		TestDir:  filepath.Join(base, "test"),
		Ratio:    0.2,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, dataset.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(base, "train"))
}

func TestPrep_EmptyNumericCellFails(t *testing.T) {
	lines := strings.Split(rawCSV(40), "\n")
	cells := strings.Split(lines[14], ",")
	cells[1] = ""
	lines[14] = strings.Join(cells, ",")

	base := t.TempDir()
	raw := filepath.Join(base, "raw.csv")
	require.NoError(t, os.WriteFile(raw, []byte(strings.Join(lines, "\n")), 0o644))

	_, err := Prep(context.Background(), untracked(t, model.StagePrep), PrepOptions{
		RawData:  raw,
		TrainDir: filepath.Join(base, "train"),
		TestDir:  filepath.Join(base, "test"),
		Ratio:    0.2,
		Seed:     split.DefaultSeed,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, dataset.ErrNotNumeric)
	assert.Contains(t, err.Error(), `row 14 column "rooms"`)
	assert.NoDirExists(t, filepath.Join(base, "train"))
}

func TestPrep_InvalidRatio(t *testing.T) {
	for _, ratio := range []float64{0, 1, -0.5, 1.5} {
		_, err := Prep(context.Background(), untracked(t, model.StagePrep), PrepOptions{
			RawData: "raw.csv", TrainDir: "a", TestDir: "b", Ratio: ratio,
		})
		assert.Error(t, err, "ratio %v", ratio)
	}
}

func TestPrep_RemoteRawData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/raw.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(rawCSV(10)))
	}))
	defer srv.Close()

	base := t.TempDir()
	opts := PrepOptions{
		RawData:  srv.URL + "/raw.csv",
		TrainDir: filepath.Join(base, "train"),
		TestDir:  filepath.Join(base, "test"),
		Ratio:    0.2,
		Resolver: fetcher.NewResolver(fetcher.Options{}),
	}
	res, err := Prep(context.Background(), untracked(t, model.StagePrep), opts)
	require.NoError(t, err)
	assert.Equal(t, 8, res.TrainRows)
	assert.Equal(t, 2, res.TestRows)

	opts.RawData = srv.URL + "/missing.csv"
	_, err = Prep(context.Background(), untracked(t, model.StagePrep), opts)
	assert.ErrorIs(t, err, dataset.ErrNotFound)
}

func TestTrain_EndToEnd(t *testing.T) {
	trainDir, testDir := prepared(t, 100)
	out := filepath.Join(t.TempDir(), "model_output")
	run := untracked(t, model.StageTrain)

	res, err := Train(context.Background(), run, TrainOptions{
		TrainDir:    trainDir,
		TestDir:     testDir,
		ModelOutput: out,
		NEstimators: 10,
		RandomState: 42,
	})
	require.NoError(t, err)

	mse := res.Metrics.MSE
	assert.GreaterOrEqual(t, mse, 0.0)
	assert.False(t, math.IsNaN(mse) || math.IsInf(mse, 0))
	assert.FileExists(t, filepath.Join(out, artifact.MarkerFile))
	assert.Equal(t, []string{"area", "rooms", "neighborhood"}, res.Features)
	assert.Equal(t, 80, res.TrainRows)
	assert.Equal(t, 20, res.TestRows)

	assert.InDelta(t, mse, run.Metrics()["MSE"], 1e-9)
	assert.Equal(t, "10", run.Params()["n_estimators"])
	assert.Equal(t, "price", run.Params()["target"])

	loaded, marker, err := artifact.Load(out)
	require.NoError(t, err)
	assert.Len(t, loaded.Trees, 10)
	assert.Equal(t, "price", marker.Flavors[artifact.FlavorName].Target)
}

func TestTrain_MissingTarget(t *testing.T) {
	trainDir, testDir := prepared(t, 20)
	out := filepath.Join(t.TempDir(), "model")

	_, err := Train(context.Background(), untracked(t, model.StageTrain), TrainOptions{
		TrainDir: trainDir, TestDir: testDir, ModelOutput: out,
		Target: "rent", NEstimators: 5,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, dataset.ErrMissingColumn)
	assert.NoDirExists(t, out)
}

func TestTrain_MissingInput(t *testing.T) {
	_, err := Train(context.Background(), untracked(t, model.StageTrain), TrainOptions{
		TrainDir: t.TempDir(), TestDir: t.TempDir(), ModelOutput: filepath.Join(t.TempDir(), "m"),
		NEstimators: 5,
	})
	assert.ErrorIs(t, err, dataset.ErrNotFound)
}

func TestTrain_ClearsExistingOutput(t *testing.T) {
	trainDir, testDir := prepared(t, 30)
	out := t.TempDir()
	stale := filepath.Join(out, "old.bin")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	_, err := Train(context.Background(), untracked(t, model.StageTrain), TrainOptions{
		TrainDir: trainDir, TestDir: testDir, ModelOutput: out, NEstimators: 3, MaxDepth: 4,
	})
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(out, artifact.MarkerFile))
}

func TestTrain_InvalidOptions(t *testing.T) {
	run := untracked(t, model.StageTrain)
	_, err := Train(context.Background(), run, TrainOptions{TrainDir: "a", TestDir: "b", ModelOutput: "c"})
	assert.Error(t, err)
	_, err = Train(context.Background(), run, TrainOptions{TrainDir: "a", TestDir: "b", ModelOutput: "c", NEstimators: 1, MaxDepth: -1})
	assert.Error(t, err)
}

func trainedModel(t *testing.T, dir string) {
	t.Helper()
	trainDir, testDir := prepared(t, 40)
	_, err := Train(context.Background(), untracked(t, model.StageTrain), TrainOptions{
		TrainDir: trainDir, TestDir: testDir, ModelOutput: dir, NEstimators: 3,
	})
	require.NoError(t, err)
}

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestRegister_NestedTwoLevels(t *testing.T) {
	base := t.TempDir()
	modelDir := filepath.Join(base, "outputs", "model_output")
	trainedModel(t, modelDir)
	reg := newSQLite(t)
	infoDir := filepath.Join(t.TempDir(), "info")

	res, err := Register(context.Background(), untracked(t, model.StageRegister), reg, RegisterOptions{
		ModelName:     "price-model",
		ModelPath:     base,
		InfoOutputDir: infoDir,
	})
	require.NoError(t, err)
	assert.True(t, res.Searched)
	assert.Equal(t, modelDir, res.ModelDir)
	assert.GreaterOrEqual(t, res.Version.Version, 1)

	info, err := artifact.ReadInfo(infoDir)
	require.NoError(t, err)
	assert.Equal(t, "price-model", info.ModelName)
	assert.Equal(t, res.Version.Version, info.ModelVersion)
	assert.Equal(t, modelDir, info.ModelURI)

	again, err := Register(context.Background(), untracked(t, model.StageRegister), reg, RegisterOptions{
		ModelName: "price-model",
		ModelPath: modelDir,
	})
	require.NoError(t, err)
	assert.False(t, again.Searched)
	assert.Equal(t, res.Version.Version+1, again.Version.Version)
	assert.Empty(t, again.InfoPath)
}

func TestRegister_NoMarkerListsSearchedPaths(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "outputs", "empty"), 0o755))

	_, err := Register(context.Background(), untracked(t, model.StageRegister), newSQLite(t), RegisterOptions{
		ModelName: "price-model",
		ModelPath: base,
	})
	require.Error(t, err)

	var nf *artifact.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Contains(t, nf.Walked, filepath.Join(base, "outputs", "empty"))
	assert.Contains(t, err.Error(), filepath.Join(base, "outputs"))
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) RegisterModelVersion(ctx context.Context, name, source, runID string) (*model.ModelVersion, error) {
	args := m.Called(ctx, name, source, runID)
	v, _ := args.Get(0).(*model.ModelVersion)
	return v, args.Error(1)
}

func (m *mockRegistry) GetModelVersion(ctx context.Context, name string, version int) (*model.ModelVersion, error) {
	args := m.Called(ctx, name, version)
	v, _ := args.Get(0).(*model.ModelVersion)
	return v, args.Error(1)
}

func (m *mockRegistry) LatestModelVersion(ctx context.Context, name string) (*model.ModelVersion, error) {
	args := m.Called(ctx, name)
	v, _ := args.Get(0).(*model.ModelVersion)
	return v, args.Error(1)
}

func (m *mockRegistry) ListModelVersions(ctx context.Context, name string) ([]model.ModelVersion, error) {
	args := m.Called(ctx, name)
	v, _ := args.Get(0).([]model.ModelVersion)
	return v, args.Error(1)
}

func TestRegister_UsesRegistry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	trainedModel(t, dir)

	reg := &mockRegistry{}
	reg.On("RegisterModelVersion", mock.Anything, "price-model", dir, "").
		Return(&model.ModelVersion{Name: "price-model", Version: 7, Source: dir}, nil)

	res, err := Register(context.Background(), untracked(t, model.StageRegister), reg, RegisterOptions{
		ModelName: "price-model",
		ModelPath: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Version.Version)
	reg.AssertExpectations(t)
}

func TestRegister_RegistryFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	trainedModel(t, dir)
	infoDir := filepath.Join(t.TempDir(), "info")

	reg := &mockRegistry{}
	reg.On("RegisterModelVersion", mock.Anything, "price-model", mock.Anything, mock.Anything).
		Return(nil, errors.New("registry unavailable"))

	_, err := Register(context.Background(), untracked(t, model.StageRegister), reg, RegisterOptions{
		ModelName:     "price-model",
		ModelPath:     dir,
		InfoOutputDir: infoDir,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry unavailable")
	assert.NoDirExists(t, infoDir)
}

func TestRegister_InvalidMarker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.MarkerFile), []byte("flavors: {}\n"), 0o644))

	_, err := Register(context.Background(), untracked(t, model.StageRegister), &mockRegistry{}, RegisterOptions{
		ModelName: "m",
		ModelPath: dir,
	})
	require.Error(t, err)

	var nf *artifact.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Contains(t, err.Error(), `no "forest" flavor`)
}
