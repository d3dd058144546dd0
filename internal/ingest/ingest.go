// Package ingest orchestrates the diff ingestion cycle.
//
// A cycle resolves what work exists upstream, applies each pending
// sequence through the transform engine in strict ascending order, commits
// progress after every successful sequence, and publishes the expired
// tiles the cycle produced. The commit-per-sequence design bounds the
// blast radius of any failure to a single unapplied sequence: whatever
// goes wrong, the next cycle resumes exactly where this one stopped.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/soundscape-maps/diffd/internal/engine"
	"github.com/soundscape-maps/diffd/internal/expire"
	"github.com/soundscape-maps/diffd/internal/journal"
	"github.com/soundscape-maps/diffd/internal/replication"
	"github.com/soundscape-maps/diffd/internal/state"
)

// fetchAttempts bounds in-cycle retries for a payload download. Anything
// still failing after this falls through to the next scheduled cycle.
const fetchAttempts = 4

// Upstream is the slice of replication.Source the ingestor needs.
type Upstream interface {
	Resolve(ctx context.Context, lastApplied, maxBatch int) (*replication.PendingRange, error)
	Fetch(ctx context.Context, seq int, stagingDir string) (string, error)
}

// Config wires an Ingestor's collaborators.
type Config struct {
	Upstream  Upstream
	Runner    engine.Runner
	Store     *state.Store
	Collector *expire.Collector

	// Journal is optional; without it, status history and failure
	// escalation are unavailable but ingestion is unaffected.
	Journal *journal.Journal

	// Notifier is optional.
	Notifier Notifier

	// MappingPath is fingerprinted before each cycle's first invocation.
	MappingPath string

	// StagingDir receives downloaded payloads, one per sequence.
	StagingDir string

	// MaxBatch caps sequences per cycle.
	MaxBatch int

	// FetchBackoff and FetchBackoffMax pace in-cycle download retries.
	FetchBackoff    time.Duration
	FetchBackoffMax time.Duration

	// AlertAfterFailures escalates logging once this many consecutive
	// apply failures, or consecutive locked-out cycles, have accumulated.
	AlertAfterFailures int

	// LockStaleAfter flags the lock holder as likely dead once its token
	// exceeds this age. Reclamation stays an operator decision; this only
	// controls how loudly contention against a stale holder is reported.
	// Zero disables the check.
	LockStaleAfter time.Duration

	// HolderID identifies this process in the cache directory lock.
	HolderID string

	// Logger for cycle activity.
	Logger *log.Logger
}

// Ingestor runs ingestion cycles.
type Ingestor struct {
	cfg Config

	// contention counts consecutive cycles that could not take the cache
	// directory lock. Cycles run one at a time, so no locking is needed.
	contention int
}

// New creates an Ingestor.
func New(cfg Config) (*Ingestor, error) {
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("upstream cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("engine runner cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if cfg.Collector == nil {
		return nil, fmt.Errorf("collector cannot be nil")
	}
	if cfg.MappingPath == "" {
		return nil, fmt.Errorf("mapping path cannot be empty")
	}
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("staging directory cannot be empty")
	}
	if cfg.MaxBatch <= 0 {
		return nil, fmt.Errorf("max batch must be positive")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.HolderID == "" {
		host, _ := os.Hostname()
		cfg.HolderID = fmt.Sprintf("diffd-%s-%d", host, os.Getpid())
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[ingest] ", log.LstdFlags)
	}
	return &Ingestor{cfg: cfg}, nil
}

// CycleResult summarizes one ingestion cycle.
type CycleResult struct {
	// UpToDate is true for a no-op cycle.
	UpToDate bool

	// Applied counts sequences committed this cycle.
	Applied int

	// LastApplied is the sequence state after the cycle.
	LastApplied int

	// CatchUp is true when more work is already known to be waiting and
	// the scheduler should re-trigger without waiting a full interval.
	CatchUp bool

	// TilesPublished counts deduplicated tiles in this cycle's handoff.
	TilesPublished int

	// Interrupted is true when a shutdown request stopped the cycle
	// between sequences. Not a failure.
	Interrupted bool
}

// RunCycle executes one ingestion attempt.
//
// The cache directory lock is held for the duration of the cycle. A
// partial failure returns both the progress made and the error; the error
// classifies via IsTransient/IsFatal.
func (in *Ingestor) RunCycle(ctx context.Context) (*CycleResult, error) {
	token, err := in.cfg.Store.AcquireLock(in.cfg.HolderID)
	if err != nil {
		// Lock held elsewhere or unreadable. Nothing of ours was touched.
		if errors.Is(err, state.ErrLocked) {
			in.noteContention()
		}
		return nil, err
	}
	in.contention = 0
	defer func() {
		if err := in.cfg.Store.ReleaseLock(token); err != nil {
			in.cfg.Logger.Printf("Failed to release lock: %v", err)
		}
	}()

	// Deliver expiry output stranded by earlier handoff failures before
	// producing more. Delivery failures stay pending; never fatal.
	if _, err := in.cfg.Collector.RetryPending(); err != nil {
		in.cfg.Logger.Printf("Pending handoff retry failed: %v", err)
	}

	st, err := in.cfg.Store.Load()
	if err != nil {
		return nil, err
	}

	rng, err := in.cfg.Upstream.Resolve(ctx, st.LastApplied, in.cfg.MaxBatch)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		in.cfg.Notifier.Notify(Event{Type: EventUpToDate, Timestamp: time.Now().UTC(), Sequence: st.LastApplied})
		in.cfg.Logger.Printf("Up to date at sequence %d", st.LastApplied)
		return &CycleResult{UpToDate: true, LastApplied: st.LastApplied}, nil
	}

	if err := in.verifyMapping(st); err != nil {
		return nil, err
	}

	in.cfg.Logger.Printf("Cycle started: sequences [%d..%d], capped=%v",
		rng.From, rng.To, rng.CappedAt)
	in.cfg.Notifier.Notify(Event{Type: EventCycleStarted, Timestamp: time.Now().UTC(), Sequence: rng.From})

	result := &CycleResult{LastApplied: st.LastApplied, CatchUp: rng.CappedAt}
	seqDirs, applyErr := in.applyRange(ctx, st, rng, result)

	if result.Applied > 0 {
		in.publishExpiry(seqDirs, result)
	}

	if applyErr != nil {
		in.escalate(ctx, applyErr)
		return result, applyErr
	}
	return result, nil
}

// applyRange processes the pending range strictly in ascending order,
// committing after each success. On the first failure it stops; later
// sequences are not attempted. Returns the per-sequence expiry directories
// of applied sequences.
func (in *Ingestor) applyRange(ctx context.Context, st *state.SequenceState, rng *replication.PendingRange, result *CycleResult) ([]string, error) {
	var seqDirs []string

	for seq := rng.From; seq <= rng.To; seq++ {
		// Natural stopping point for graceful shutdown: between
		// sequences, never inside an invocation.
		if ctx.Err() != nil {
			in.cfg.Logger.Printf("Shutdown requested, stopping after sequence %d", st.LastApplied)
			result.Interrupted = true
			result.CatchUp = false
			return seqDirs, nil
		}

		diffPath, err := in.fetchWithRetry(ctx, seq)
		if err != nil {
			return seqDirs, err
		}

		expireDir := in.cfg.Collector.SequenceDir(seq)
		started := time.Now()
		err = in.cfg.Runner.Apply(ctx, seq, diffPath, expireDir)
		in.recordAttempt(ctx, seq, started, err)

		if err != nil {
			applyErr := &ApplyError{Sequence: seq, Err: err}
			in.cfg.Logger.Printf("Error: %v", applyErr)
			in.cfg.Notifier.Notify(Event{
				Type:      EventApplyFailed,
				Timestamp: time.Now().UTC(),
				Sequence:  seq,
				Error:     err.Error(),
			})
			return seqDirs, applyErr
		}

		if err := in.cfg.Store.Commit(st, seq); err != nil {
			// The database holds the sequence but our record does not. A
			// retry would re-invoke the engine on an already-applied diff,
			// which we do not assume is safe, so this halts ingestion.
			return seqDirs, fmt.Errorf("%w %d: %v", ErrStateCommit, seq, err)
		}

		result.Applied++
		result.LastApplied = seq
		seqDirs = append(seqDirs, expireDir)
		in.cfg.Notifier.Notify(Event{Type: EventSequenceApplied, Timestamp: time.Now().UTC(), Sequence: seq})

		if err := os.Remove(diffPath); err != nil {
			in.cfg.Logger.Printf("Failed to remove staged payload %s: %v", diffPath, err)
		}
	}
	return seqDirs, nil
}

// fetchWithRetry downloads one payload, pausing with doubling backoff
// between transient failures. A vanished sequence is returned immediately;
// it is fatal and no backoff will bring it back.
func (in *Ingestor) fetchWithRetry(ctx context.Context, seq int) (string, error) {
	backoff := in.cfg.FetchBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		path, err := in.cfg.Upstream.Fetch(ctx, seq, in.cfg.StagingDir)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, replication.ErrSequenceGone) {
			return "", err
		}
		lastErr = err
		if attempt == fetchAttempts {
			break
		}

		in.cfg.Logger.Printf("Fetch of sequence %d failed (attempt %d/%d), retrying in %s: %v",
			seq, attempt, fetchAttempts, backoff, err)
		select {
		case <-ctx.Done():
			return "", lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
		if in.cfg.FetchBackoffMax > 0 && backoff > in.cfg.FetchBackoffMax {
			backoff = in.cfg.FetchBackoffMax
		}
	}
	return "", lastErr
}

// verifyMapping enforces the schema-immutability invariant: the mapping
// must still match the fingerprint the cache was seeded with.
func (in *Ingestor) verifyMapping(st *state.SequenceState) error {
	current, err := state.FingerprintMapping(in.cfg.MappingPath)
	if err != nil {
		return err
	}
	if st.MappingFingerprint == "" {
		// Caches seeded before fingerprinting existed have no recorded
		// value; adopt the current mapping rather than refusing forever.
		in.cfg.Logger.Printf("No mapping fingerprint on record, adopting %s", current)
		st.MappingFingerprint = current
		return in.cfg.Store.Commit(st, st.LastApplied)
	}
	if st.MappingFingerprint != current {
		return fmt.Errorf("%w: cache was seeded with %s, mapping %s is now %s",
			ErrMappingMismatch, st.MappingFingerprint, in.cfg.MappingPath, current)
	}
	return nil
}

// publishExpiry merges and hands off the cycle's expired tiles. Handoff
// failure is reported but never rolls back sequence state; the database is
// already correct and the staged set is retried on later cycles.
func (in *Ingestor) publishExpiry(seqDirs []string, result *CycleResult) {
	set, err := in.cfg.Collector.Collect(seqDirs)
	if err != nil {
		in.cfg.Logger.Printf("Error collecting expiry output: %v", err)
		return
	}

	path, err := in.cfg.Collector.Handoff(set)
	if err != nil {
		if errors.Is(err, expire.ErrUndelivered) {
			// The merged set is staged durably; the per-sequence input
			// would only be re-published as a duplicate.
			in.cfg.Collector.CleanupSequenceDirs(seqDirs)
		}
		in.cfg.Logger.Printf("Error: expiry handoff failed, will retry: %v", err)
		return
	}

	result.TilesPublished = len(set)
	if path != "" {
		in.cfg.Notifier.Notify(Event{
			Type:      EventHandoffPublished,
			Timestamp: time.Now().UTC(),
			Tiles:     len(set),
		})
	}
	in.cfg.Collector.CleanupSequenceDirs(seqDirs)
}

func (in *Ingestor) recordAttempt(ctx context.Context, seq int, started time.Time, applyErr error) {
	if in.cfg.Journal == nil {
		return
	}

	a := journal.Attempt{
		Sequence:  seq,
		StartedAt: started,
		Duration:  time.Since(started),
		Status:    journal.StatusOK,
	}
	if applyErr != nil {
		a.Status = journal.StatusFailed
		if errors.Is(applyErr, engine.ErrTimeout) {
			a.Status = journal.StatusTimeout
		}
		a.Error = applyErr.Error()
	}
	if err := in.cfg.Journal.RecordAttempt(ctx, a); err != nil {
		in.cfg.Logger.Printf("Failed to journal attempt for sequence %d: %v", seq, err)
	}
}

// noteContention tracks consecutive locked-out cycles. Losing the lock
// once or twice is normal (another orchestrator finishing up, an operator
// running a one-shot cycle); a stale holder or contention persisting past
// the threshold is an operator problem and is reported accordingly.
func (in *Ingestor) noteContention() {
	in.contention++

	holder, err := in.cfg.Store.ReadLock()
	if err == nil && in.cfg.LockStaleAfter > 0 && holder.Stale(in.cfg.LockStaleAfter) {
		in.cfg.Logger.Printf("ERROR: lock holder %s (pid %d) looks dead, lock held for %s; reclaim with the unlock command",
			holder.HolderID, holder.PID, holder.Age().Round(time.Second))
	}

	if in.cfg.AlertAfterFailures > 0 && in.contention >= in.cfg.AlertAfterFailures {
		in.cfg.Logger.Printf("ALERT: locked out of the cache directory for %d consecutive cycles", in.contention)
	}
}

// escalate raises the alarm once consecutive failures cross the threshold.
// Retries continue at the normal cadence regardless; escalation only
// changes how loudly the failure is reported.
func (in *Ingestor) escalate(ctx context.Context, applyErr error) {
	if in.cfg.Journal == nil || in.cfg.AlertAfterFailures <= 0 {
		return
	}
	n, err := in.cfg.Journal.ConsecutiveFailures(ctx)
	if err != nil {
		in.cfg.Logger.Printf("Failed to count consecutive failures: %v", err)
		return
	}
	if n >= in.cfg.AlertAfterFailures {
		in.cfg.Logger.Printf("ALERT: %d consecutive apply failures, latest: %v", n, applyErr)
	}
}
