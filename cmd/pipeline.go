package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/mlpipeline/internal/pipeline"
	"github.com/sells-group/mlpipeline/internal/stage"
)

var (
	pipelineFile string
	pipelineVars []string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run stages from an HCL pipeline definition",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run prep, train, and register in order from a pipeline file",
	Long:  "Loads the pipeline file, resolves its variables (override with --var key=value), and runs each declared stage in order under its own tracked run. The first failing stage stops the pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}
		vars, err := pipeline.ParseVars(pipelineVars)
		if err != nil {
			return err
		}
		def, err := pipeline.Load(pipelineFile, vars)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initStageEnv(ctx, def.Register != nil)
		if err != nil {
			return err
		}
		defer env.Close()

		runner := &pipeline.Runner{
			Tracker:    env.tracker,
			Experiment: cfg.Tracking.Experiment,
			Prep: stage.PrepOptions{
				Ratio:    cfg.Prep.Ratio,
				Seed:     cfg.Prep.Seed,
				Resolver: newResolver(),
			},
			Train:    trainOptions(),
			Register: registerOptions("", "", ""),
		}
		if env.store != nil {
			if runner.Registry, err = initRegistry(env.store); err != nil {
				return err
			}
		}

		res, err := runner.Run(ctx, def)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

func init() {
	pipelineRunCmd.Flags().StringVarP(&pipelineFile, "file", "f", "pipeline.hcl", "pipeline definition")
	pipelineRunCmd.Flags().StringArrayVar(&pipelineVars, "var", nil, "set a pipeline variable (key=value, repeatable)")
	pipelineCmd.AddCommand(pipelineRunCmd)
	rootCmd.AddCommand(pipelineCmd)
}
