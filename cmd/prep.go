package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/stage"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

var (
	prepRawData   string
	prepTrainData string
	prepTestData  string
	prepRatio     float64
	prepSeed      int64
)

var prepCmd = &cobra.Command{
	Use:   "prep",
	Short: "Encode categorical columns and split raw data into train and test",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if cmd.Flags().Changed("test_train_ratio") {
			cfg.Prep.Ratio = prepRatio
		}
		if cmd.Flags().Changed("seed") {
			cfg.Prep.Seed = prepSeed
		}
		if err := cfg.Validate("prep"); err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initStageEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := tracking.Start(ctx, env.tracker, cfg.Tracking.Experiment, model.StagePrep)
		if err != nil {
			return err
		}
		defer run.End(&err)

		res, err := stage.Prep(ctx, run, stage.PrepOptions{
			RawData:  prepRawData,
			TrainDir: prepTrainData,
			TestDir:  prepTestData,
			Ratio:    cfg.Prep.Ratio,
			Seed:     cfg.Prep.Seed,
			Resolver: newResolver(),
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

func init() {
	f := prepCmd.Flags()
	f.StringVar(&prepRawData, "raw_data", "", "raw input file (csv or xlsx), local path or http(s)/ftp URI")
	f.StringVar(&prepTrainData, "train_data", "", "output directory for train.csv")
	f.StringVar(&prepTestData, "test_data", "", "output directory for test.csv")
	f.Float64Var(&prepRatio, "test_train_ratio", 0.2, "fraction of rows held out for test")
	f.Int64Var(&prepSeed, "seed", 42, "shuffle seed")
	_ = prepCmd.MarkFlagRequired("raw_data")
	_ = prepCmd.MarkFlagRequired("train_data")
	_ = prepCmd.MarkFlagRequired("test_data")
	rootCmd.AddCommand(prepCmd)
}
