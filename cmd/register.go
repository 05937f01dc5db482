package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/stage"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

var (
	registerModelName  string
	registerModelPath  string
	registerInfoOutput string
	registerSearchRoot []string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Locate a model directory and record it as a new registry version",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if cmd.Flags().Changed("search_root") {
			cfg.Registry.SearchRoots = registerSearchRoot
		}
		if err := cfg.Validate("register"); err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initStageEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		reg, err := initRegistry(env.store)
		if err != nil {
			return err
		}

		run, err := tracking.Start(ctx, env.tracker, cfg.Tracking.Experiment, model.StageRegister)
		if err != nil {
			return err
		}
		defer run.End(&err)

		res, err := stage.Register(ctx, run, reg, registerOptions(registerModelName, registerModelPath, registerInfoOutput))
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

func registerOptions(name, path, infoDir string) stage.RegisterOptions {
	return stage.RegisterOptions{
		ModelName:     name,
		ModelPath:     path,
		InfoOutputDir: infoDir,
		FallbackRoots: cfg.Registry.SearchRoots,
		MaxListed:     cfg.Registry.MaxListedDirs,
	}
}

func init() {
	f := registerCmd.Flags()
	f.StringVar(&registerModelName, "model_name", "", "registered model name")
	f.StringVar(&registerModelPath, "model_path", "", "model directory, or a directory above it")
	f.StringVar(&registerInfoOutput, "model_info_output_path", "", "directory to write model_info.json into")
	f.StringSliceVar(&registerSearchRoot, "search_root", nil, "fallback roots searched when model_path holds no model (default from config)")
	_ = registerCmd.MarkFlagRequired("model_name")
	_ = registerCmd.MarkFlagRequired("model_path")
	rootCmd.AddCommand(registerCmd)
}
