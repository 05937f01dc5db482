package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/stage"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

var (
	trainTrainData   string
	trainTestData    string
	trainModelOutput string
	trainTarget      string
	trainNEstimators int
	trainMaxDepth    int
	trainRandomState int64
	trainWorkers     int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fit a random-forest regressor and write the model directory",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		applyTrainFlags(cmd)
		if err := cfg.Validate("train"); err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initStageEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := tracking.Start(ctx, env.tracker, cfg.Tracking.Experiment, model.StageTrain)
		if err != nil {
			return err
		}
		defer run.End(&err)

		opts := trainOptions()
		opts.TrainDir = trainTrainData
		opts.TestDir = trainTestData
		opts.ModelOutput = trainModelOutput

		res, err := stage.Train(ctx, run, opts)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

// applyTrainFlags copies explicitly set hyperparameter flags over the
// configured defaults.
func applyTrainFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("target") {
		cfg.Train.Target = trainTarget
	}
	if f.Changed("n_estimators") {
		cfg.Train.NEstimators = trainNEstimators
	}
	if f.Changed("max_depth") {
		cfg.Train.MaxDepth = trainMaxDepth
	}
	if f.Changed("random_state") {
		cfg.Train.RandomState = trainRandomState
	}
	if f.Changed("workers") {
		cfg.Train.Workers = trainWorkers
	}
}

// trainOptions returns the configured hyperparameters with no paths set.
func trainOptions() stage.TrainOptions {
	return stage.TrainOptions{
		Target:          cfg.Train.Target,
		NEstimators:     cfg.Train.NEstimators,
		MaxDepth:        cfg.Train.MaxDepth,
		MinSamplesSplit: cfg.Train.MinSamplesSplit,
		MinSamplesLeaf:  cfg.Train.MinSamplesLeaf,
		MaxFeatures:     cfg.Train.MaxFeatures,
		RandomState:     cfg.Train.RandomState,
		Workers:         cfg.Train.Workers,
	}
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainTrainData, "train_data", "", "directory containing train.csv")
	f.StringVar(&trainTestData, "test_data", "", "directory containing test.csv")
	f.StringVar(&trainModelOutput, "model_output", "", "output directory for the model")
	f.StringVar(&trainTarget, "target", stage.DefaultTarget, "column to predict")
	f.IntVar(&trainNEstimators, "n_estimators", 100, "number of trees")
	f.IntVar(&trainMaxDepth, "max_depth", 0, "maximum tree depth, 0 for unlimited")
	f.Int64Var(&trainRandomState, "random_state", 42, "seed for bootstrap sampling and feature selection")
	f.IntVar(&trainWorkers, "workers", 1, "trees fitted concurrently")
	_ = trainCmd.MarkFlagRequired("train_data")
	_ = trainCmd.MarkFlagRequired("test_data")
	_ = trainCmd.MarkFlagRequired("model_output")
	rootCmd.AddCommand(trainCmd)
}
