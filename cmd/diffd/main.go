// Command diffd keeps a PostGIS database synchronized with an upstream
// OSM replication source by applying sequential diffs through an
// imposm-compatible transform engine, and tells the tile cache which tiles
// went stale.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "diffd",
	Short: "Incremental OSM diff ingestion daemon",
	Long: `diffd applies incremental OSM changesets ("diffs") to a PostGIS
database through an external transform engine, strictly in upstream
sequence order, and publishes the map tiles each batch expired.

Progress is committed after every applied sequence, so a crash or failure
costs at most one unapplied diff. The cache directory is protected by a
lock token; only one diffd may target a cache directory at a time.

Database credentials are taken from the POSTGIS_USER, POSTGIS_PASSWORD,
POSTGIS_HOST, POSTGIS_PORT and POSTGIS_DBNAME environment variables.`,
	SilenceUsage: true,
}

// Flags shared by every subcommand. Defaults mirror the deployment image.
var (
	flagEngine    string
	flagMapping   string
	flagConfig    string
	flagCacheDir  string
	flagDiffDir   string
	flagExpireDir string
	flagLogFile   string
	flagVerbose   bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagEngine, "imposm", "imposm", "Transform engine executable path")
	pf.StringVar(&flagMapping, "mapping", "mapping.yml", "Mapping file path used by the engine")
	pf.StringVar(&flagConfig, "config", "config.json", "Config file for fetching diffs")
	pf.StringVar(&flagCacheDir, "cachedir", "/tmp/imposm3_cache", "Cache directory holding engine state and ingestion bookkeeping")
	pf.StringVar(&flagDiffDir, "diffdir", "/tmp/imposm3_diffdir", "Staging directory for downloaded diffs")
	pf.StringVar(&flagExpireDir, "expiredir", "/tmp/imposm3_expiredir", "Expired tiles handoff directory")
	pf.StringVar(&flagLogFile, "log-file", "", "Also log to this file (rotated)")
	pf.BoolVar(&flagVerbose, "verbose", false, "Turn on verbose logging")
}

// logWriter returns the destination for always-on logging, honoring
// --log-file.
func logWriter() io.Writer {
	if flagLogFile == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   flagLogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	})
}

// newLogger returns a component logger. Quiet components log only when
// --verbose is set; the ingest cycle itself always logs, since that is
// where failures and alerts surface.
func newLogger(prefix string, quiet bool) *log.Logger {
	w := logWriter()
	if quiet && !flagVerbose {
		w = io.Discard
	}
	return log.New(w, "["+prefix+"] ", log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
