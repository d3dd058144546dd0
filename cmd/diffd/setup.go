package main

import (
	"fmt"
	"path/filepath"

	"github.com/soundscape-maps/diffd/internal/config"
	"github.com/soundscape-maps/diffd/internal/engine"
	"github.com/soundscape-maps/diffd/internal/expire"
	"github.com/soundscape-maps/diffd/internal/ingest"
	"github.com/soundscape-maps/diffd/internal/journal"
	"github.com/soundscape-maps/diffd/internal/replication"
	"github.com/soundscape-maps/diffd/internal/state"
)

// runtime bundles everything a command needs to run ingestion cycles.
type runtime struct {
	cfg      *config.Config
	store    *state.Store
	journal  *journal.Journal
	ingestor *ingest.Ingestor
}

func (r *runtime) close() {
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			newLogger("ingest", false).Printf("Failed to close journal: %v", err)
		}
	}
}

// buildRuntime assembles the ingestion pipeline from flags, config file
// and environment.
func buildRuntime(notifier ingest.Notifier) (*runtime, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(flagCacheDir)
	if err != nil {
		return nil, err
	}

	source, err := replication.NewSource(cfg.UpstreamURL, nil, newLogger("replication", true))
	if err != nil {
		return nil, err
	}

	connection, err := engine.ConnectionFromEnv()
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	runner, err := engine.New(engine.Config{
		Binary:      flagEngine,
		ConfigPath:  flagConfig,
		MappingPath: flagMapping,
		CacheDir:    flagCacheDir,
		Connection:  connection,
		ExpireZoom:  cfg.ExpireZoom,
		Timeout:     cfg.InvocationTimeout,
		Logger:      newLogger("engine", true),
	})
	if err != nil {
		return nil, err
	}

	collector, err := expire.NewCollector(flagExpireDir, newLogger("expire", true))
	if err != nil {
		return nil, err
	}

	jrnl, err := journal.Open(filepath.Join(flagCacheDir, "journal.db"))
	if err != nil {
		return nil, err
	}

	ingestor, err := ingest.New(ingest.Config{
		Upstream:           source,
		Runner:             runner,
		Store:              store,
		Collector:          collector,
		Journal:            jrnl,
		Notifier:           notifier,
		MappingPath:        flagMapping,
		StagingDir:         flagDiffDir,
		MaxBatch:           cfg.MaxBatch,
		FetchBackoff:       cfg.RetryBackoff,
		FetchBackoffMax:    cfg.RetryBackoffMax,
		AlertAfterFailures: cfg.AlertAfterFailures,
		LockStaleAfter:     cfg.LockStaleThreshold(),
		Logger:             newLogger("ingest", false),
	})
	if err != nil {
		_ = jrnl.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		store:    store,
		journal:  jrnl,
		ingestor: ingestor,
	}, nil
}
