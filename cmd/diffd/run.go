package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/soundscape-maps/diffd/internal/dashboard"
	"github.com/soundscape-maps/diffd/internal/ingest"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion daemon",
	Long: `Run continuous diff ingestion.

An ingestion attempt fires immediately, then once per configured interval.
Attempts never overlap: a tick that falls due while the previous attempt is
still running is skipped and logged. When the upstream is further ahead
than one batch, the next attempt starts immediately instead of waiting out
the interval.

Shutdown (SIGINT/SIGTERM) is graceful: an in-flight engine invocation runs
to completion and progress is committed before the daemon exits. Fatal
conditions (sequence gap, mapping fingerprint mismatch) stop the daemon;
everything else is retried indefinitely.`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("dashboard-port")

		var notifier ingest.Notifier
		var dash *dashboard.Server
		if port > 0 {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: newLogger("dashboard", true),
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			notifier = dash
		}

		rt, err := buildRuntime(notifier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger := newLogger("diffd", false)
		logger.Printf("Starting ingestion daemon (interval %s, batch %d)",
			rt.cfg.Interval, rt.cfg.MaxBatch)

		stopWatch := watchMapping(ctx, flagMapping)
		defer stopWatch()

		scheduler := ingest.NewScheduler(rt.cfg.Interval, newLogger("scheduler", true))
		err = scheduler.Run(ctx, func(ctx context.Context) (bool, error) {
			result, err := rt.ingestor.RunCycle(ctx)
			if err != nil {
				if ingest.IsFatal(err) {
					return false, err
				}
				// Transient conditions are absorbed; the next tick
				// retries from wherever the cycle stopped.
				logger.Printf("Cycle incomplete: %v", err)
				return false, nil
			}
			return result.CatchUp, nil
		})

		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("FATAL: ingestion halted: %v", err)
			if dash != nil {
				_ = dash.Stop()
			}
			os.Exit(1)
		}

		logger.Printf("Daemon stopped")
		if dash != nil {
			if err := dash.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
			}
		}
	},
}

// watchMapping warns as soon as the mapping file changes underneath a
// running daemon. The fingerprint check makes the mismatch fatal at the
// next cycle; the watch exists so the operator hears about the edit
// before that, while the cause is still fresh.
func watchMapping(ctx context.Context, mappingPath string) (stop func()) {
	logger := newLogger("diffd", false)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("Mapping watch unavailable: %v", err)
		return func() {}
	}

	// Watch the directory: editors replace files rather than write in
	// place, which a file-level watch would lose track of.
	if err := watcher.Add(filepath.Dir(mappingPath)); err != nil {
		logger.Printf("Mapping watch unavailable: %v", err)
		_ = watcher.Close()
		return func() {}
	}

	abs, _ := filepath.Abs(mappingPath)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				evAbs, _ := filepath.Abs(event.Name)
				if evAbs != abs {
					continue
				}
				logger.Printf("WARNING: mapping file %s changed while ingestion is enabled; the next cycle will halt on a fingerprint mismatch", mappingPath)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("Mapping watch error: %v", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }
}

func init() {
	runCmd.Flags().Int("dashboard-port", 0, "Serve the ingest event dashboard on this port (0 disables)")

	rootCmd.AddCommand(runCmd)
}
