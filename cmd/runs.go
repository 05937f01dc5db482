package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect tracked stage runs",
	Long:  "Commands for listing, viewing, and summarizing tracked prep, train, and register runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		exp, _ := cmd.Flags().GetString("experiment")
		stageName, _ := cmd.Flags().GetString("stage")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Experiment: exp,
			Stage:      stageName,
			Status:     model.RunStatus(status),
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if asJSON {
			return printJSON(os.Stdout, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show params, metrics, and tags of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(os.Stdout, run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-stage run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		exp, _ := cmd.Flags().GetString("experiment")
		runs, err := st.ListRuns(ctx, store.RunFilter{Experiment: exp, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("experiment", "", "filter by experiment")
	runsListCmd.Flags().String("stage", "", "filter by stage (prep, train, register)")
	runsListCmd.Flags().String("status", "", "filter by status (running, finished, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	runsStatsCmd.Flags().String("experiment", "", "filter by experiment")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// stageStats holds aggregate statistics for one stage.
type stageStats struct {
	Stage      string
	Total      int
	Finished   int
	Failed     int
	Running    int
	AvgDurSecs float64
}

// computeRunStats groups runs by stage, in stage order.
func computeRunStats(runs []model.Run) []stageStats {
	byStage := map[string]*stageStats{}
	durs := map[string]time.Duration{}

	for _, r := range runs {
		s, ok := byStage[r.Stage]
		if !ok {
			s = &stageStats{Stage: r.Stage}
			byStage[r.Stage] = s
		}
		s.Total++
		switch r.Status {
		case model.RunStatusFinished:
			s.Finished++
			durs[r.Stage] += r.Duration()
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.Running++
		}
	}

	out := make([]stageStats, 0, len(byStage))
	for name, s := range byStage {
		if s.Finished > 0 {
			s.AvgDurSecs = durs[name].Seconds() / float64(s.Finished)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return stageOrder(out[i].Stage) < stageOrder(out[j].Stage)
	})
	return out
}

func stageOrder(s string) int {
	switch s {
	case model.StagePrep:
		return 0
	case model.StageTrain:
		return 1
	case model.StageRegister:
		return 2
	}
	return 3
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEXPERIMENT\tSTAGE\tSTATUS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----------\t-----\t------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := ""
		if r.EndedAt != nil {
			dur = r.Duration().Round(time.Millisecond).String()
		}
		errMsg := r.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Experiment,
			r.Stage,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes per-stage stats to w.
func formatRunStats(out io.Writer, stats []stageStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tTOTAL\tFINISHED\tFAILED\tRUNNING\tAVG")
	for _, s := range stats {
		avg := "-"
		if s.AvgDurSecs > 0 {
			avg = fmt.Sprintf("%.1fs", s.AvgDurSecs)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", s.Stage, s.Total, s.Finished, s.Failed, s.Running, avg)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
