package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newStatsCmd creates the 'stats' subcommand, which prints per-unit storage
// counts and retry ledger depths.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print stored record counts per source unit",
		RunE:  runStatsCommand,
	}
}

func runStatsCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	stats, err := appInstance.Records.Stats(ctx)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tRECORDS\tENRICHED\tOLDEST\tNEWEST")
	for _, st := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			st.Unit, st.Records, st.Enriched,
			st.Oldest.Format("2006-01-02 15:04"),
			st.Newest.Format("2006-01-02 15:04"),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fetchDepth, err := appInstance.FetchLedger.Depth(ctx)
	if err != nil {
		return fmt.Errorf("query fetch ledger: %w", err)
	}
	enrichDepth, err := appInstance.EnrichLedger.Depth(ctx)
	if err != nil {
		return fmt.Errorf("query enrich ledger: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nretry ledgers: fetch=%d enrich=%d\n", fetchDepth, enrichDepth)
	return nil
}
