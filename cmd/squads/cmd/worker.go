package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/pool"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage project workers",
}

var workerAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a worker for a project",
	Long: `Register a long-running worker for the project given with --project.

Workers are tagged with a role (developer, reviewer, pm, qa, architect). An
untagged worker with --identity is matched against roles by the legacy
identity patterns.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkerAdd,
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE:  runWorkerList,
}

var workerReleaseCmd = &cobra.Command{
	Use:   "release <worker-id>",
	Short: "Return a worker to idle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			if err := pool.New(store).Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker %s released\n", args[0])
			return nil
		})
	},
}

var workerDeactivateCmd = &cobra.Command{
	Use:   "deactivate <worker-id>",
	Short: "Deactivate a worker; it is never reserved or spawned again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			if err := store.DeactivateWorker(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker %s deactivated\n", args[0])
			return nil
		})
	},
}

var workerLogsCmd = &cobra.Command{
	Use:   "logs <worker-id>",
	Short: "Show recent worker output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			lines, err := store.ListWorkerLogs(cmd.Context(), args[0], workerLogLines)
			if err != nil {
				return err
			}
			for _, l := range lines {
				prefix := l.Time.Format("15:04:05")
				if l.Stream == core.StreamStderr {
					prefix = paint(colorError, prefix)
				} else {
					prefix = paint(colorMuted, prefix)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", prefix, l.Line)
			}
			return nil
		})
	},
}

var (
	workerID        string
	workerRole      string
	workerIdentity  string
	workerCaps      []string
	workerWorkspace string
	workerJSON      bool
	workerLogLines  int
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerAddCmd, workerListCmd, workerReleaseCmd, workerDeactivateCmd, workerLogsCmd)

	workerAddCmd.Flags().StringVar(&workerID, "id", "", "worker id (default: generated)")
	workerAddCmd.Flags().StringVar(&workerRole, "role", "", "role tag")
	workerAddCmd.Flags().StringVar(&workerIdentity, "identity", "", "free-text identity for untagged workers")
	workerAddCmd.Flags().StringSliceVar(&workerCaps, "cap", nil, "capability flags (write_code, merge)")
	workerAddCmd.Flags().StringVar(&workerWorkspace, "workspace", "", "workspace directory (default: .squads/workspaces/<id>)")

	workerListCmd.Flags().BoolVar(&workerJSON, "json", false, "output as JSON")
	workerLogsCmd.Flags().IntVarP(&workerLogLines, "lines", "n", 50, "number of lines")
}

// buildWorker validates the add flags into a worker record.
func buildWorker(name string) (*core.WorkerInstance, error) {
	project, err := requireProject()
	if err != nil {
		return nil, err
	}
	w := &core.WorkerInstance{
		ID:        workerID,
		ProjectID: project,
		Name:      name,
		Identity:  workerIdentity,
		Status:    core.WorkerStatusIdle,
		Active:    true,
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	switch {
	case workerRole != "":
		role, err := core.ParseRole(workerRole)
		if err != nil {
			if s := pool.SuggestRole(workerRole); s != "" {
				return nil, fmt.Errorf("%w (did you mean %q?)", err, s)
			}
			return nil, err
		}
		w.Role = role
	case workerIdentity == "":
		return nil, fmt.Errorf("either --role or --identity is required")
	}
	for _, c := range workerCaps {
		w.Capabilities = append(w.Capabilities, core.Capability(strings.ToLower(strings.TrimSpace(c))))
	}
	w.WorkspacePath = workerWorkspace
	if w.WorkspacePath == "" {
		w.WorkspacePath = filepath.Join(".squads", "workspaces", w.ID)
	}
	if abs, err := filepath.Abs(w.WorkspacePath); err == nil {
		w.WorkspacePath = abs
	}
	return w, nil
}

func runWorkerAdd(cmd *cobra.Command, args []string) error {
	w, err := buildWorker(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
		if err := store.CreateWorker(cmd.Context(), w); err != nil {
			return err
		}
		for _, c := range w.Role.RequiredCapabilities() {
			if !w.HasCapability(c) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: role %s requires capability %s; the worker will not be reserved without it\n", w.Role, c)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Worker %s added (%s)\n", w.ID, w.WorkspacePath)
		return nil
	})
}

func runWorkerList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
		workers, err := store.ListWorkers(cmd.Context(), core.WorkerFilter{ProjectID: projectID})
		if err != nil {
			return err
		}
		if workerJSON {
			return outputJSON(cmd.OutOrStdout(), workers)
		}
		if len(workers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No workers")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROJECT\tNAME\tROLE\tSTATUS\tPID\tACTIVE")
		for _, w := range workers {
			role := string(w.Role)
			if role == "" {
				role = "~" + w.Identity
			}
			pid := "-"
			if w.PID != nil {
				pid = fmt.Sprint(*w.PID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
				w.ID, w.ProjectID, w.Name, role, w.Status, pid, w.Active)
		}
		return tw.Flush()
	})
}
