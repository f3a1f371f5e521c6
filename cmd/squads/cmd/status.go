package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize workers and active runs",
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

type statusSummary struct {
	Workers map[core.WorkerStatus]int `json:"workers"`
	Runs    []*core.WorkflowRun       `json:"active_runs"`
}

func collectStatus(cmd *cobra.Command, store core.Store) (*statusSummary, error) {
	ctx := cmd.Context()
	workers, err := store.ListWorkers(ctx, core.WorkerFilter{ProjectID: projectID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	sum := &statusSummary{Workers: map[core.WorkerStatus]int{}}
	for _, w := range workers {
		sum.Workers[w.Status]++
	}
	for _, st := range []core.RunStatus{core.RunStatusRunning, core.RunStatusPaused} {
		runs, err := store.ListRuns(ctx, core.RunFilter{ProjectID: projectID, Status: st})
		if err != nil {
			return nil, err
		}
		sum.Runs = append(sum.Runs, runs...)
	}
	sort.Slice(sum.Runs, func(i, j int) bool { return sum.Runs[i].UpdatedAt.After(sum.Runs[j].UpdatedAt) })
	return sum, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
		sum, err := collectStatus(cmd, store)
		if err != nil {
			return err
		}
		if statusJSON {
			return outputJSON(cmd.OutOrStdout(), sum)
		}

		var b strings.Builder
		scope := "all projects"
		if projectID != "" {
			scope = "project " + projectID
		}
		b.WriteString(heading("squads · "+scope) + "\n\n")

		b.WriteString("Workers  ")
		for _, st := range []core.WorkerStatus{core.WorkerStatusIdle, core.WorkerStatusBusy, core.WorkerStatusError} {
			b.WriteString(paint(statusColor(string(st)), fmt.Sprintf("%s %d", st, sum.Workers[st])) + "   ")
		}
		b.WriteString("\n\n")

		if len(sum.Runs) == 0 {
			b.WriteString(paint(colorMuted, "No active runs"))
		} else {
			b.WriteString("Active runs\n")
			for _, r := range sum.Runs {
				node := r.CurrentNodeID
				if ex := r.ActiveExecution(); ex != nil && ex.WorkerInstanceID != "" {
					node += " @ " + ex.WorkerInstanceID
				}
				fmt.Fprintf(&b, "  %s  %-10s %s  %s\n",
					r.ID, r.TemplateID, paint(statusColor(string(r.Status)), string(r.Status)), node)
			}
		}

		out := strings.TrimRight(b.String(), "\n")
		if !noColor {
			out = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorPrimary).
				Padding(0, 1).
				Render(out)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	})
}
