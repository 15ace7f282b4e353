package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"formrelay/backend/internal/domain"
)

func init() {
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan <file>...",
	Short: "Scan files with the configured ClamAV engine",
	Long: `Scans each file the same way the worker scans attachments, holding the
global scan lock.

Exit status is 1 when any file is infected and 2 when any scan failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp("formctl")
		if err != nil {
			return err
		}
		defer app.Close()

		code := 0
		results := make(map[string]domain.ScanResult, len(args))
		for _, arg := range args {
			path, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return err
			}

			result := app.Scanner.Scan(context.Background(), path)
			results[arg] = result
			switch result.Status {
			case domain.ScanClean:
			case domain.ScanInfected:
				code = max(code, 1)
			default:
				code = 2
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s, %s)\n", arg, result.Status, result.Engine, result.Duration.Round(time.Millisecond))
			}
		}

		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		}
		if code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}
