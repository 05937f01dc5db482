package stage

import (
	"context"
	"math"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/artifact"
	"github.com/sells-group/mlpipeline/internal/dataset"
	"github.com/sells-group/mlpipeline/internal/forest"
	"github.com/sells-group/mlpipeline/internal/metric"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

// DefaultTarget is the column the regressor predicts unless configured.
const DefaultTarget = "price"

// TrainOptions configures the training stage.
type TrainOptions struct {
	TrainDir    string
	TestDir     string
	ModelOutput string
	Target      string

	NEstimators     int
	MaxDepth        int // 0 means unlimited
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
	RandomState     int64
	Workers         int
}

// TrainResult reports the held-out error and where the model was written.
type TrainResult struct {
	ModelDir  string           `json:"model_dir"`
	TrainRows int              `json:"train_rows"`
	TestRows  int              `json:"test_rows"`
	Features  []string         `json:"features"`
	Metrics   metric.Report    `json:"metrics"`
	Marker    *artifact.Marker `json:"-"`
}

func (o TrainOptions) validate() error {
	if o.TrainDir == "" || o.TestDir == "" {
		return eris.New("train: train_data and test_data are required")
	}
	if o.ModelOutput == "" {
		return eris.New("train: model_output is required")
	}
	if o.NEstimators < 1 {
		return eris.Errorf("train: n_estimators %d must be at least 1", o.NEstimators)
	}
	if o.MaxDepth < 0 {
		return eris.Errorf("train: max_depth %d must not be negative", o.MaxDepth)
	}
	return nil
}

// Train fits a random-forest regressor on train.csv, scores it on test.csv,
// and writes the model directory to ModelOutput.
func Train(ctx context.Context, run *tracking.Run, opts TrainOptions) (*TrainResult, error) {
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := run.LogParams(map[string]string{
		"n_estimators": strconv.Itoa(opts.NEstimators),
		"max_depth":    strconv.Itoa(opts.MaxDepth),
		"random_state": strconv.FormatInt(opts.RandomState, 10),
		"target":       opts.Target,
	}); err != nil {
		return nil, err
	}

	trainT, err := dataset.ReadDir(opts.TrainDir, dataset.TrainFile)
	if err != nil {
		return nil, eris.Wrap(err, "train: train data")
	}
	testT, err := dataset.ReadDir(opts.TestDir, dataset.TestFile)
	if err != nil {
		return nil, eris.Wrap(err, "train: test data")
	}

	// Both schema checks run before any parsing or fitting.
	for _, t := range []struct {
		name  string
		table *dataset.Table
	}{{dataset.TrainFile, trainT}, {dataset.TestFile, testT}} {
		if t.table.ColumnIndex(opts.Target) < 0 {
			return nil, eris.Wrapf(dataset.ErrMissingColumn, "train: target column %q absent from %s", opts.Target, t.name)
		}
	}
	if !slices.Equal(trainT.Header, testT.Header) {
		return nil, eris.Wrapf(dataset.ErrMissingColumn, "train: %s columns %v differ from %s columns %v",
			dataset.TrainFile, trainT.Header, dataset.TestFile, testT.Header)
	}
	if trainT.Len() == 0 || testT.Len() == 0 {
		return nil, eris.New("train: train and test data must both have rows")
	}

	X, y, names, err := trainT.Features(opts.Target)
	if err != nil {
		return nil, eris.Wrap(err, "train: train features")
	}
	Xt, yt, _, err := testT.Features(opts.Target)
	if err != nil {
		return nil, eris.Wrap(err, "train: test features")
	}

	model := forest.NewRegressor(
		forest.WithNEstimators(opts.NEstimators),
		forest.WithMaxDepth(opts.MaxDepth),
		forest.WithMinSamplesSplit(max(opts.MinSamplesSplit, 2)),
		forest.WithMinSamplesLeaf(max(opts.MinSamplesLeaf, 1)),
		forest.WithMaxFeatures(opts.MaxFeatures),
		forest.WithRandomState(opts.RandomState),
		forest.WithWorkers(opts.Workers),
		forest.WithFeatureNames(names),
	)
	if err := model.Fit(ctx, X, y); err != nil {
		return nil, eris.Wrap(err, "train: fit")
	}

	pred, err := model.Predict(Xt)
	if err != nil {
		return nil, eris.Wrap(err, "train: predict")
	}
	report, err := metric.Regression(yt, pred)
	if err != nil {
		return nil, eris.Wrap(err, "train: score")
	}
	if math.IsNaN(report.MSE) || math.IsInf(report.MSE, 0) {
		return nil, eris.Errorf("train: non-finite MSE %v", report.MSE)
	}

	for k, v := range report.Map() {
		if err := run.LogMetric(k, v); err != nil {
			return nil, err
		}
	}

	marker, err := artifact.Save(opts.ModelOutput, model, artifact.SaveOptions{
		Target: opts.Target,
		RunID:  run.ID(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "train: save model")
	}

	zap.L().Info("train: complete",
		zap.Int("train_rows", len(X)),
		zap.Int("test_rows", len(Xt)),
		zap.Float64("mse", report.MSE),
		zap.Float64("r2", report.R2),
		zap.String("model_dir", opts.ModelOutput),
	)
	return &TrainResult{
		ModelDir:  opts.ModelOutput,
		TrainRows: len(X),
		TestRows:  len(Xt),
		Features:  names,
		Metrics:   report,
		Marker:    marker,
	}, nil
}
