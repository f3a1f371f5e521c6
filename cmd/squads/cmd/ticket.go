package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

var ticketCmd = &cobra.Command{
	Use:     "ticket",
	Aliases: []string{"tickets"},
	Short:   "Manage the tickets runs target",
}

var ticketAddCmd = &cobra.Command{
	Use:   "add <ticket-id>",
	Short: "Create or update a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject()
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			t, err := store.GetTicket(cmd.Context(), args[0])
			switch {
			case core.IsNotFound(err):
				t = &core.Ticket{ID: args[0], ProjectID: project}
			case err != nil:
				return err
			}
			if ticketTitle != "" {
				t.Title = ticketTitle
			}
			if ticketBranch != "" {
				t.Branch = ticketBranch
			}
			if ticketStatus != "" {
				t.Status = ticketStatus
			}
			if err := store.SaveTicket(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ticket %s saved (%s)\n", t.ID, t.Status)
			return nil
		})
	},
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's tickets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		project, err := requireProject()
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(_ *config.Config, store core.Store) error {
			tickets, err := store.ListTickets(cmd.Context(), project)
			if err != nil {
				return err
			}
			if ticketJSON {
				return outputJSON(cmd.OutOrStdout(), tickets)
			}
			if len(tickets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tickets")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tWORKER\tNODE\tTITLE")
			for _, t := range tickets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Status, orDash(t.AssignedWorker), orDash(t.WorkflowNodeStatus), t.Title)
			}
			return tw.Flush()
		})
	},
}

var (
	ticketTitle  string
	ticketBranch string
	ticketStatus string
	ticketJSON   bool
)

func init() {
	rootCmd.AddCommand(ticketCmd)
	ticketCmd.AddCommand(ticketAddCmd, ticketListCmd)

	ticketAddCmd.Flags().StringVar(&ticketTitle, "title", "", "ticket title")
	ticketAddCmd.Flags().StringVar(&ticketBranch, "branch", "", "working branch")
	ticketAddCmd.Flags().StringVar(&ticketStatus, "status", "", "kanban column (default: backlog)")
	ticketListCmd.Flags().BoolVar(&ticketJSON, "json", false, "output as JSON")
}
