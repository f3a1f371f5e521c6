package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"runs"},
	Short:   "Inspect workflow runs",
	Long: `Inspect workflow runs. Runs are started and driven by the orchestrator;
use the HTTP API of 'squads serve' to trigger, complete or approve nodes.`,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			runs, err := store.ListRuns(cmd.Context(), core.RunFilter{
				ProjectID: projectID,
				Status:    core.RunStatus(runStatusFilter),
				Limit:     runLimit,
			})
			if err != nil {
				return err
			}
			if runJSON {
				return outputJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTEMPLATE\tTARGET\tSTATUS\tNODE\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.TemplateID, orDash(r.TargetID), paint(statusColor(string(r.Status)), string(r.Status)),
					r.CurrentNodeID, r.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		})
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its node executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if runJSON {
				return outputJSON(cmd.OutOrStdout(), run)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, heading("Run "+run.ID))
			fmt.Fprintf(out, "Template: %s\n", run.TemplateID)
			fmt.Fprintf(out, "Project:  %s\n", run.ProjectID)
			fmt.Fprintf(out, "Target:   %s\n", orDash(run.TargetID))
			fmt.Fprintf(out, "Status:   %s\n", paint(statusColor(string(run.Status)), string(run.Status)))
			if run.Error != "" {
				fmt.Fprintf(out, "Error:    %s\n", run.Error)
			}
			fmt.Fprintln(out)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tSTATUS\tWORKER\tDURATION\tERROR")
			for _, ex := range run.Executions {
				duration := "-"
				if ex.CompletedAt != nil {
					duration = ex.CompletedAt.Sub(ex.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					ex.NodeID, paint(statusColor(string(ex.Status)), string(ex.Status)),
					orDash(ex.WorkerInstanceID), duration, orDash(ex.Error))
			}
			return tw.Flush()
		})
	},
}

var (
	runStatusFilter string
	runLimit        int
	runJSON         bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runListCmd, runShowCmd)

	runListCmd.Flags().StringVar(&runStatusFilter, "status", "", "filter by status (running, paused, completed, failed)")
	runListCmd.Flags().IntVar(&runLimit, "limit", 20, "maximum runs to list")
	runCmd.PersistentFlags().BoolVar(&runJSON, "json", false, "output as JSON")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
