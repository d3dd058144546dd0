package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single ingestion cycle and exit",
	Long: `Run exactly one ingestion cycle.

Applies whatever is pending upstream (up to the batch cap) and exits.
Intended for cron-style operation and for testing a deployment before
enabling the daemon.

Exit status is 0 when the cycle completed or the cache was already up to
date, and 1 when the cycle failed.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := buildRuntime(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		result, err := rt.ingestor.RunCycle(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		switch {
		case result.UpToDate:
			fmt.Printf("Up to date at sequence %d\n", result.LastApplied)
		case result.Interrupted:
			fmt.Printf("Interrupted after %d sequence(s), now at %d\n",
				result.Applied, result.LastApplied)
		default:
			fmt.Printf("Applied %d sequence(s), now at %d (%d tiles expired)\n",
				result.Applied, result.LastApplied, result.TilesPublished)
			if result.CatchUp {
				fmt.Println("More sequences are pending upstream; run again to continue catching up")
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
}
