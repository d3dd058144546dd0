package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soundscape-maps/diffd/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Start the standalone ingest event dashboard",
	Long: `Start a WebSocket server for monitoring ingestion in real time.

The server broadcasts ingest events to connected clients:
- cycle_started: a cycle found pending sequences
- sequence_applied: one sequence was committed
- apply_failed: an engine invocation failed
- handoff_published: an expiry file reached the handoff directory
- up_to_date: a no-op cycle

Normally the dashboard is embedded in the daemon (diffd run
--dashboard-port); this command runs it standalone for development.

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: newLogger("dashboard", false),
		})

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(dashboardCmd)
}
