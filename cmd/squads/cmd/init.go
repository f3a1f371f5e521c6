package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/templates"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .squads directory with a default configuration",
	RunE:  runInit,
}

var (
	initForce bool
	initDir   string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing configuration")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "directory to initialize")
}

// sampleTemplate is written next to a fresh configuration.
var sampleTemplate = &core.WorkflowTemplate{
	ID:          "feature",
	Name:        "Feature delivery",
	Description: "Build, review and sign off a ticket",
	Nodes: []core.Node{
		{ID: "build", Role: core.RoleDeveloper, Description: "Implement the ticket on its branch and open a pull request",
			NextNodeID: "review", KanbanStatus: "in_progress"},
		{ID: "review", Role: core.RoleReviewer, Description: "Review the pull request",
			NextNodeID: "signoff", KanbanStatus: "in_review"},
		{ID: "signoff", Role: core.RolePM, RequiresApproval: true, Description: "Confirm acceptance criteria",
			KanbanStatus: "done", KanbanTrigger: core.KanbanOnComplete},
	},
	Edges: []core.Edge{{From: "build", To: "review"}, {From: "review", To: "signoff"}},
}

func runInit(cmd *cobra.Command, _ []string) error {
	root := filepath.Join(initDir, ".squads")
	cfgPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	}
	if err := os.MkdirAll(filepath.Join(root, "templates"), 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}
	if err := config.AtomicWrite(cfgPath, []byte(config.DefaultConfigYAML), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	tmplPath := filepath.Join(root, "templates", sampleTemplate.ID+".yaml")
	if _, err := os.Stat(tmplPath); os.IsNotExist(err) || initForce {
		data, err := templates.Marshal(sampleTemplate)
		if err != nil {
			return err
		}
		if err := config.AtomicWrite(tmplPath, data, 0o600); err != nil {
			return fmt.Errorf("writing sample template: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Created %s\n", paint(colorSuccess, "✓"), cfgPath)
	fmt.Fprintf(out, "%s Sample template %s\n", paint(colorSuccess, "✓"), tmplPath)
	fmt.Fprintln(out, "\nNext: squads worker add <name> --project <id> --role developer --cap write_code")
	return nil
}
