package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
)

var sweepRecover bool

func init() {
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(queueCmd)

	sweepCmd.Flags().BoolVar(&sweepRecover, "recover", false, "requeue jobs left in processing/ first (only when no worker is running)")
}

var workCmd = &cobra.Command{
	Use:   "work <job-id>",
	Short: "Process a single queued job",
	Long: `Claims the job, scans its attachments, relays the email and cleans up.

The server runs this command for every job when queue dispatch is "process".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if !domain.IsJobID(id) {
			return fmt.Errorf("invalid job id %q", id)
		}

		app, err := openApp("worker")
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return app.Processor.Process(ctx, id)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Process every pending job in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp("sweep")
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if sweepRecover {
			recovered, err := app.Queue.RecoverOrphans()
			if err != nil {
				return err
			}
			if len(recovered) > 0 {
				app.Logger.Warn("Requeued orphaned jobs", zap.Strings("job_ids", recovered))
			}
		}

		ids, err := app.Queue.Pending()
		if err != nil {
			return err
		}
		failed := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			if err := app.Processor.Process(ctx, id); err != nil {
				failed++
				app.Logger.Error("Job failed", zap.String("job_id", id), zap.Error(err))
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "processed %d job(s), %d failed\n", len(ids), failed)
		if failed > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp("formctl")
		if err != nil {
			return err
		}
		defer app.Close()

		counts, err := app.Queue.Counts()
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), counts)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "PENDING\tPROCESSING\tDEAD")
		fmt.Fprintf(w, "%d\t%d\t%d\n", counts.Pending, counts.Processing, counts.Dead)
		return w.Flush()
	},
}
