package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"formrelay/backend/internal/domain"
)

func init() {
	rootCmd.AddCommand(deadCmd)
	deadCmd.AddCommand(deadListCmd)
	deadCmd.AddCommand(deadRequeueCmd)
}

var deadCmd = &cobra.Command{
	Use:   "dead",
	Short: "Inspect undelivered submissions",
}

var deadListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List dead-letter records",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp("formctl")
		if err != nil {
			return err
		}
		defer app.Close()

		records, err := app.Queue.ListDead()
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead-letter records")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFORM\tFROM\tFAILED\tDROPPED\tERROR")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.Job.ID,
				r.Job.Type,
				r.Job.Fields.Email,
				r.FailedAt.Local().Format(time.DateTime),
				len(r.DroppedAttachments),
				oneLine(r.Error, 80),
			)
		}
		return w.Flush()
	},
}

var deadRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Move a dead-letter record back to pending",
	Long: `Moves the record back to pending/ so the next sweep retries it.

Attachments were discarded when the job failed; the retried email lists them
as not attached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if !domain.IsJobID(id) {
			return fmt.Errorf("invalid job id %q", id)
		}

		app, err := openApp("formctl")
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Queue.Requeue(context.Background(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
		return nil
	},
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
