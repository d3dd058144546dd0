package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soundscape-maps/diffd/internal/state"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Record the starting sequence for a freshly imported cache",
	Long: `Write the initial sequence state after a bulk import.

The bulk import loads the database and the engine cache from a planet
extract; this command records which replication sequence that extract
corresponds to, plus the fingerprint of the mapping it was imported with.
Ingestion refuses to start without this record.

Refuses to overwrite existing state: rolling a live cache back to an older
sequence is manual recovery territory, not a seed.`,
	Run: func(cmd *cobra.Command, args []string) {
		seq, _ := cmd.Flags().GetInt("sequence")
		if seq < 0 {
			fmt.Fprintf(os.Stderr, "Error: --sequence must be non-negative\n")
			os.Exit(1)
		}

		store, err := state.NewStore(flagCacheDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if existing, err := store.Load(); err == nil {
			fmt.Fprintf(os.Stderr, "Error: cache already seeded at sequence %d\n", existing.LastApplied)
			os.Exit(1)
		}

		fingerprint, err := state.FingerprintMapping(flagMapping)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if _, err := store.Seed(seq, fingerprint); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Seeded cache at sequence %d (mapping %s)\n", seq, fingerprint)
	},
}

func init() {
	seedCmd.Flags().Int("sequence", 0, "Replication sequence the imported extract corresponds to")
	_ = seedCmd.MarkFlagRequired("sequence")

	rootCmd.AddCommand(seedCmd)
}
