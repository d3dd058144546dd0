// Package state persists ingestion progress in the cache directory.
//
// Two records live alongside the transform engine's own bookkeeping files:
//
//   - ingest_state.json: the last durably applied sequence plus the
//     fingerprint of the mapping the cache was built with.
//   - ingest.lock: a lock token enforcing a single orchestrator per
//     cache directory.
//
// Both are written with the write-temp-then-rename pattern so a crash never
// leaves a half-written record behind.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "ingest_state.json"

// SequenceState records how far ingestion has progressed.
//
// LastApplied is monotonically non-decreasing for the life of the cache;
// it moves forward only after the engine has verifiably applied a sequence,
// and moves backward only through explicit operator recovery.
type SequenceState struct {
	// LastApplied is the highest sequence number durably applied.
	LastApplied int `json:"last_applied_sequence"`

	// MappingFingerprint is the hash of the mapping file the cache was
	// seeded with. A change here invalidates the entire cache.
	MappingFingerprint string `json:"mapping_fingerprint"`

	// UpdatedAt is when this record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes ingestion records in a cache directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at the cache directory.
// The directory is created if it does not exist.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the cache directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads the current SequenceState.
//
// A missing state file means the cache was never seeded; callers must treat
// that as fatal rather than inventing a starting sequence.
func (s *Store) Load() (*SequenceState, error) {
	path := filepath.Join(s.dir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no sequence state at %s (cache not seeded?): %w", path, err)
		}
		return nil, fmt.Errorf("failed to read sequence state: %w", err)
	}

	var st SequenceState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse sequence state %s: %w", path, err)
	}
	if st.LastApplied < 0 {
		return nil, fmt.Errorf("sequence state %s has negative sequence %d", path, st.LastApplied)
	}
	return &st, nil
}

// Commit persists a newly applied sequence.
//
// It refuses to move LastApplied backward; the monotonicity of the state
// file is the one guarantee every other component leans on.
func (s *Store) Commit(st *SequenceState, sequence int) error {
	if sequence < st.LastApplied {
		return fmt.Errorf("refusing to roll back sequence state from %d to %d",
			st.LastApplied, sequence)
	}
	st.LastApplied = sequence
	st.UpdatedAt = time.Now().UTC()
	return s.write(st)
}

// Seed creates the initial SequenceState for a freshly imported cache.
// Normally invoked by the bulk import tooling, not the daemon.
func (s *Store) Seed(sequence int, fingerprint string) (*SequenceState, error) {
	st := &SequenceState{
		LastApplied:        sequence,
		MappingFingerprint: fingerprint,
		UpdatedAt:          time.Now().UTC(),
	}
	if err := s.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) write(st *SequenceState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sequence state: %w", err)
	}

	path := filepath.Join(s.dir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write sequence state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace sequence state: %w", err)
	}
	return nil
}
