package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gliderlab/animgate/storage"
)

var (
	journalPath string
	tailCount   int
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the request journal",
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize journaled requests by route and status",
	Args:  cobra.NoArgs,
	RunE:  runJournalStats,
}

var journalTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent journaled requests",
	Args:  cobra.NoArgs,
	RunE:  runJournalTail,
}

// openJournal opens an existing journal; it never creates an empty one.
func openJournal() (*storage.Storage, error) {
	path := journalPath
	if path == "" && cfg != nil {
		path = cfg.Journal
	}
	if path == "" {
		return nil, errors.New("no journal configured; pass --journal")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return storage.New(path)
}

func runJournalStats(cmd *cobra.Command, args []string) error {
	journal, err := openJournal()
	if err != nil {
		return err
	}
	defer journal.Close()

	sum, err := journal.Summary(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "requests: %d\nbytes:    %d\navg ms:   %.1f\n\n", sum.Total, sum.TotalBytes, sum.AvgDurationMS)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tSTATUS\tCOUNT")
	for _, rs := range sum.ByRoute {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", rs.Route, rs.Status, rs.Count)
	}
	return tw.Flush()
}

func runJournalTail(cmd *cobra.Command, args []string) error {
	journal, err := openJournal()
	if err != nil {
		return err
	}
	defer journal.Close()

	entries, err := journal.Recent(cmd.Context(), tailCount)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMETHOD\tPATH\tROUTE\tSTATUS\tBYTES\tMS")
	// oldest first, like a log
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Method, e.Path, e.Route, e.Status, e.Bytes, e.DurationMS)
	}
	return tw.Flush()
}
