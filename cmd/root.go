package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/config"
)

var (
	cfg        *config.Config
	noTracking bool
	experiment string
)

var rootCmd = &cobra.Command{
	Use:   "mlpipeline",
	Short: "Batch ML pipeline: prep, train, register",
	Long:  "Encodes and splits raw tabular data, fits a random-forest regressor, and registers the model artifact. Each stage is a subcommand invoked by an external orchestrator.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if noTracking {
			cfg.Tracking.Enabled = false
		}
		if experiment != "" {
			cfg.Tracking.Experiment = experiment
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noTracking, "no-tracking", false, "do not record stage runs in the store")
	rootCmd.PersistentFlags().StringVar(&experiment, "experiment", "", "experiment name for tracked runs (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
