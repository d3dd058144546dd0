package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundscape-maps/diffd/internal/config"
	"github.com/soundscape-maps/diffd/internal/state"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Reclaim a stale cache directory lock",
	Long: `Remove the cache directory lock left behind by a crashed orchestrator.

Reclamation is an operator decision, never automatic. The lock is only
removed when its age exceeds the staleness threshold (twice the worst-case
cycle duration: per-invocation timeout times the batch cap), unless
--force is given.

Never unlock a cache directory while another diffd is actually running
against it; two writers will corrupt the engine's cache.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		store, err := state.NewStore(flagCacheDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		token, err := store.ReadLock()
		if os.IsNotExist(err) {
			fmt.Println("Cache directory is not locked")
			return
		}
		if err != nil {
			if !force {
				fmt.Fprintf(os.Stderr, "Error: lock token unreadable: %v (use --force to remove anyway)\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Warning: lock token unreadable: %v\n", err)
		}

		if token != nil && !force {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			threshold := cfg.LockStaleThreshold()
			if !token.Stale(threshold) {
				fmt.Fprintf(os.Stderr,
					"Error: lock held by %s (pid %d) for %s, below staleness threshold %s; use --force if you are certain the holder is dead\n",
					token.HolderID, token.PID, token.Age().Round(time.Second), threshold)
				os.Exit(1)
			}
			fmt.Printf("Lock held by %s (pid %d) is stale (age %s, threshold %s)\n",
				token.HolderID, token.PID, token.Age().Round(time.Second), threshold)
		}

		if err := store.BreakLock(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Lock removed")
	},
}

func init() {
	unlockCmd.Flags().Bool("force", false, "Remove the lock regardless of age")

	rootCmd.AddCommand(unlockCmd)
}
