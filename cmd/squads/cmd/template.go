package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/templates"
)

var templateCmd = &cobra.Command{
	Use:     "template",
	Aliases: []string{"templates"},
	Short:   "Manage workflow templates",
}

var templateImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Validate template files and copy them into the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(cfg *config.Config, store core.Store) error {
			catalog := templates.NewCatalog(cfg.Workflow.TemplatesDir, store, nil)
			var errs []error
			for _, path := range args {
				t, err := catalog.Import(cmd.Context(), path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%d nodes)\n", t.ID, len(t.Nodes))
			}
			return errors.Join(errs...)
		})
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			list, err := store.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			if templateJSON {
				return outputJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No templates")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tNODES\tPATH")
			for _, t := range list {
				path := ""
				for i, n := range t.Nodes {
					if i > 0 {
						path += " -> "
					}
					path += n.ID
					if n.RequiresApproval {
						path += "*"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.ID, t.Name, len(t.Nodes), path)
			}
			return tw.Flush()
		})
	},
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check template files without storing them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var errs []error
		for _, path := range args {
			t, err := templates.LoadFile(path)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", paint(colorError, "✗"), err)
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", paint(colorSuccess, "✓"), path, t.ID)
		}
		return errors.Join(errs...)
	},
}

var templateJSON bool

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(templateImportCmd, templateListCmd, templateValidateCmd)
	templateListCmd.Flags().BoolVar(&templateJSON, "json", false, "output as JSON")
}
