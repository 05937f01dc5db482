package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/store"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect registered model versions",
}

// withRegistry opens the configured registry for an inspection command.
func withRegistry(cmd *cobra.Command, fn func(store.Registry) error) error {
	if err := cfg.Validate("inspect"); err != nil {
		return err
	}
	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	reg, err := initRegistry(st)
	if err != nil {
		return err
	}
	return fn(reg)
}

// -- models list --

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every version of a model",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("name")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withRegistry(cmd, func(reg store.Registry) error {
			versions, err := reg.ListModelVersions(cmd.Context(), name)
			if err != nil {
				return eris.Wrap(err, "models list")
			}
			if asJSON {
				return printJSON(os.Stdout, versions)
			}
			if len(versions) == 0 {
				fmt.Fprintln(os.Stderr, "No versions found.")
				return nil
			}
			formatVersionsList(os.Stdout, versions)
			return nil
		})
	},
}

// -- models get --

var modelsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show one version of a model (latest by default)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("name")
		version, _ := cmd.Flags().GetInt("version")

		return withRegistry(cmd, func(reg store.Registry) error {
			var (
				v   *model.ModelVersion
				err error
			)
			if version > 0 {
				v, err = reg.GetModelVersion(cmd.Context(), name, version)
			} else {
				v, err = reg.LatestModelVersion(cmd.Context(), name)
			}
			if err != nil {
				return eris.Wrap(err, "models get")
			}
			return printJSON(os.Stdout, v)
		})
	},
}

func init() {
	modelsListCmd.Flags().String("name", "", "model name")
	modelsListCmd.Flags().Bool("json", false, "print JSON instead of a table")
	_ = modelsListCmd.MarkFlagRequired("name")

	modelsGetCmd.Flags().String("name", "", "model name")
	modelsGetCmd.Flags().Int("version", 0, "version number, 0 for the latest")
	_ = modelsGetCmd.MarkFlagRequired("name")

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsGetCmd)
	rootCmd.AddCommand(modelsCmd)
}

// formatVersionsList writes a tabular list of model versions to w.
func formatVersionsList(out io.Writer, versions []model.ModelVersion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tRUN\tCREATED\tSOURCE")
	_, _ = fmt.Fprintln(w, "----\t-------\t---\t-------\t------")

	for _, v := range versions {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			v.Name,
			v.Version,
			truncateID(v.RunID),
			v.CreatedAt.Format("2006-01-02 15:04"),
			v.Source,
		)
	}
	_ = w.Flush()
}
