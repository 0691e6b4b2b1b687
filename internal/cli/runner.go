package cli

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/leg100/jobq/internal/runner"
	"github.com/spf13/cobra"
)

func (a *CLI) runnerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runners",
		Short: "Runner management",
	}

	cmd.AddCommand(a.runnerListCommand())
	cmd.AddCommand(a.runnerAdoptionCommand("adopt", "Adopt runner, permitting it to be assigned jobs", runner.Adopted))
	cmd.AddCommand(a.runnerAdoptionCommand("reject", "Reject runner, preventing it from being assigned jobs", runner.Rejected))

	return cmd
}

func (a *CLI) runnerListCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List runners",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runners, err := a.client.ListRunners(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tADOPTION\tONLINE\tLABELS")
			for _, r := range runners {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Name, r.Kind, r.Adoption, r.Online, formatLabels(r.Labels))
			}
			return w.Flush()
		},
	}
}

func (a *CLI) runnerAdoptionCommand(use, short string, to runner.Adoption) *cobra.Command {
	return &cobra.Command{
		Use:           use + " [id]",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args)
			if err != nil {
				return err
			}
			var r *runner.Runner
			if to == runner.Adopted {
				r, err = a.client.AdoptRunner(cmd.Context(), id)
			} else {
				r, err = a.client.RejectRunner(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Runner %s (%s) is now %s\n", r.ID, r.Name, r.Adoption)
			return nil
		},
	}
}

func formatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, ",")
}
