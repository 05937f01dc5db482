// Package stage implements the three pipeline stages. Each stage reads only
// the files the previous stage wrote and logs to an explicit tracking run.
package stage

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/dataset"
	"github.com/sells-group/mlpipeline/internal/encode"
	"github.com/sells-group/mlpipeline/internal/fetcher"
	"github.com/sells-group/mlpipeline/internal/split"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

// PrepOptions configures the preparation stage.
type PrepOptions struct {
	// RawData is a local path or an http(s):// or ftp:// URI.
	RawData  string
	TrainDir string
	TestDir  string
	// Ratio is the fraction of rows held out for test, in (0,1).
	Ratio float64
	Seed  int64
	// Resolver downloads remote RawData. Nil restricts RawData to local paths.
	Resolver *fetcher.Resolver
}

// PrepResult reports what preparation wrote.
type PrepResult struct {
	TrainPath string     `json:"train_path"`
	TestPath  string     `json:"test_path"`
	TrainRows int        `json:"train_rows"`
	TestRows  int        `json:"test_rows"`
	Encoded   []string   `json:"encoded_columns"`
	Encoders  encode.Set `json:"-"`
}

func (o PrepOptions) validate() error {
	if o.RawData == "" {
		return eris.New("prep: raw_data is required")
	}
	if o.TrainDir == "" || o.TestDir == "" {
		return eris.New("prep: train_data and test_data are required")
	}
	if !(o.Ratio > 0 && o.Ratio < 1) {
		return eris.Errorf("prep: test_train_ratio %v must be in (0,1)", o.Ratio)
	}
	return nil
}

// Prep encodes the categorical columns of the raw table, splits its rows
// into train and test partitions, and writes train.csv and test.csv.
func Prep(ctx context.Context, run *tracking.Run, opts PrepOptions) (*PrepResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := run.LogParams(map[string]string{
		"raw_data":         opts.RawData,
		"test_train_ratio": strconv.FormatFloat(opts.Ratio, 'g', -1, 64),
		"seed":             strconv.FormatInt(opts.Seed, 10),
	}); err != nil {
		return nil, err
	}

	path := opts.RawData
	if fetcher.IsRemote(path) {
		if opts.Resolver == nil {
			return nil, eris.Errorf("prep: remote raw_data %s needs a resolver", path)
		}
		local, cleanup, err := opts.Resolver.Resolve(ctx, path, "")
		if err != nil {
			return nil, eris.Wrap(err, "prep: fetch raw data")
		}
		defer cleanup()
		path = local
	}

	raw, err := dataset.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "prep: raw data")
	}
	if raw.Len() == 0 {
		return nil, eris.Errorf("prep: %s has no rows", opts.RawData)
	}

	encoders, err := encode.Table(raw)
	if err != nil {
		return nil, eris.Wrap(err, "prep: encode")
	}
	// Missing values are not imputed.
	if err := raw.CheckNumeric(); err != nil {
		return nil, eris.Wrap(err, "prep: encode")
	}

	trainIdx, testIdx, err := split.TrainTest(raw.Len(), opts.Ratio, opts.Seed)
	if err != nil {
		return nil, eris.Wrap(err, "prep: split")
	}

	res := &PrepResult{
		TrainRows: len(trainIdx),
		TestRows:  len(testIdx),
		Encoded:   encoders.Columns(),
		Encoders:  encoders,
	}
	if res.TrainPath, err = dataset.WriteDir(opts.TrainDir, dataset.TrainFile, raw.Subset(trainIdx)); err != nil {
		return nil, eris.Wrap(err, "prep: write train")
	}
	if res.TestPath, err = dataset.WriteDir(opts.TestDir, dataset.TestFile, raw.Subset(testIdx)); err != nil {
		return nil, eris.Wrap(err, "prep: write test")
	}

	if err := run.LogMetric("train_rows", float64(res.TrainRows)); err != nil {
		return nil, err
	}
	if err := run.LogMetric("test_rows", float64(res.TestRows)); err != nil {
		return nil, err
	}

	zap.L().Info("prep: complete",
		zap.Int("rows", raw.Len()),
		zap.Int("train_rows", res.TrainRows),
		zap.Int("test_rows", res.TestRows),
		zap.Strings("encoded_columns", res.Encoded),
	)
	return res, nil
}
