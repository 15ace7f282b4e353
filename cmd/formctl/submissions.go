package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"formrelay/backend/internal/domain"
)

var (
	submissionsLimit int
	submissionsStats bool
)

func init() {
	rootCmd.AddCommand(submissionsCmd)
	submissionsCmd.Flags().IntVarP(&submissionsLimit, "limit", "n", 20, "number of records to show")
	submissionsCmd.Flags().BoolVar(&submissionsStats, "stats", false, "show counts per status instead")
}

var submissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "Show recent submissions from the ledger",
	Long: `Reads the submission ledger. Only a database ledger is shared between
processes; with the in-memory ledger this command always prints nothing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp("formctl")
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := context.Background()
		out := cmd.OutOrStdout()

		if submissionsStats {
			counts, err := app.Ledger.CountByStatus(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, counts)
			}
			statuses := make([]domain.SubmissionStatus, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

			w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
			}
			return w.Flush()
		}

		subs, err := app.Ledger.ListSubmissions(ctx, submissionsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(out, subs)
		}
		if len(subs) == 0 {
			fmt.Fprintln(out, "No submissions recorded")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFORM\tSTATUS\tATTACHED\tBLOCKED\tREJECTED\tTICKET\tCREATED")
		for _, s := range subs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				s.ID, s.Type, s.Status, s.Attached, s.Blocked, s.Rejected, s.TicketRef,
				s.CreatedAt.Local().Format(time.DateTime),
			)
		}
		return w.Flush()
	},
}
