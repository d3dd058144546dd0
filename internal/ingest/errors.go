package ingest

import (
	"errors"
	"fmt"

	"github.com/soundscape-maps/diffd/internal/replication"
	"github.com/soundscape-maps/diffd/internal/state"
)

// ErrMappingMismatch is returned when the mapping file no longer matches
// the fingerprint the cache was seeded with. Applying diffs through a
// changed mapping would silently corrupt the database, so ingestion halts
// until an operator either restores the mapping or re-seeds the cache.
var ErrMappingMismatch = errors.New("mapping fingerprint mismatch")

// ErrStateCommit is returned when an applied sequence could not be
// recorded. The database now holds work the state file does not, and a
// retry would re-invoke the engine on an already-applied diff, so
// ingestion halts for operator inspection rather than guessing.
var ErrStateCommit = errors.New("failed to record applied sequence")

// ApplyError reports a failed engine invocation. The sequence it names is
// the one ingestion will retry from on the next cycle.
type ApplyError struct {
	Sequence int
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed at sequence %d: %v", e.Sequence, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error clears on its own and the next
// scheduled cycle should simply retry. Covers unreachable upstreams, failed
// or timed-out applies, and lock contention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, replication.ErrUpstreamUnavailable) {
		return true
	}
	if errors.Is(err, state.ErrLocked) {
		return true
	}
	var applyErr *ApplyError
	return errors.As(err, &applyErr)
}

// IsFatal reports whether the error signals a consistency risk that no
// retry can fix. Fatal errors halt ingestion and surface loudly rather
// than guessing at a safe recovery.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, replication.ErrSequenceGone) {
		return true
	}
	if errors.Is(err, ErrStateCommit) {
		return true
	}
	return errors.Is(err, ErrMappingMismatch)
}
