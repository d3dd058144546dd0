package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundscape-maps/diffd/internal/journal"
	"github.com/soundscape-maps/diffd/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion progress and recent apply history",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := state.NewStore(flagCacheDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		st, err := store.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Last applied sequence: %d\n", st.LastApplied)
		fmt.Printf("Mapping fingerprint:   %s\n", st.MappingFingerprint)
		fmt.Printf("State updated:         %s\n", st.UpdatedAt.Format(time.RFC3339))

		if token, err := store.ReadLock(); err == nil {
			fmt.Printf("Lock:                  held by %s (pid %d) for %s\n",
				token.HolderID, token.PID, token.Age().Round(time.Second))
		} else if os.IsNotExist(err) {
			fmt.Printf("Lock:                  free\n")
		} else {
			fmt.Printf("Lock:                  unreadable (%v)\n", err)
		}

		jrnl, err := journal.Open(filepath.Join(flagCacheDir, "journal.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
			os.Exit(1)
		}
		defer jrnl.Close()

		ctx := context.Background()

		failures, err := jrnl.ConsecutiveFailures(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Consecutive failures:  %d\n", failures)

		attempts, err := jrnl.RecentAttempts(ctx, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(attempts) == 0 {
			fmt.Println("\nNo apply attempts recorded yet")
			return
		}

		fmt.Println("\nRecent attempts:")
		for _, a := range attempts {
			line := fmt.Sprintf("  %s  seq %-9d %-7s %s",
				a.StartedAt.Local().Format("2006-01-02 15:04:05"),
				a.Sequence, a.Status, a.Duration.Round(time.Millisecond))
			if a.Error != "" {
				line += "  " + a.Error
			}
			fmt.Println(line)
		}
	},
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 10, "How many recent attempts to show")

	rootCmd.AddCommand(statusCmd)
}
