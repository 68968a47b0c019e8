package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackwire/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		journalPath string
		limit       int
		resource    string
		executions  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs and command executions",
		Long: `Read a journal written by 'stackwire run --journal <file>' and print the
most recent runs, or with --executions the most recent command executions.`,
		Example: `  # Last runs
  stackwire history --journal stackwire.db

  # Command executions on the cache
  stackwire history --journal stackwire.db --executions --resource cache`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			journal, err := stores.Open(ctx, stores.Config{Path: journalPath})
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer journal.Close()

			if executions {
				execs, err := journal.ListExecutions(ctx, resource, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, execs)
				}
				for _, e := range execs {
					fmt.Fprintf(out, "%s  %s/%s  %s (%s)  %s\n",
						e.StartedAt.Format(time.RFC3339), e.Resource, e.Command, e.Status, e.State, e.Message)
				}
				return nil
			}

			runs, err := journal.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %s  %-9s %s  started=%d failed=%d unresolved=%d\n",
					r.StartedAt.Format(time.RFC3339), r.ID, r.Status, r.Duration.Round(time.Millisecond),
					r.Summary.Started, r.Summary.Failed, r.Summary.Unresolved)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "SQLite journal file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().StringVar(&resource, "resource", "", "only executions on this resource")
	cmd.Flags().BoolVar(&executions, "executions", false, "show command executions instead of runs")
	_ = cmd.MarkFlagRequired("journal")
	return cmd
}
