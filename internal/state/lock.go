package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const lockFileName = "ingest.lock"

// ErrLocked is returned when another holder owns the cache directory.
// Check with errors.Is; the wrapped message names the holder.
var ErrLocked = errors.New("cache directory is locked")

// LockToken identifies the process holding exclusive write access to the
// cache directory.
type LockToken struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the token has been held.
func (l *LockToken) Age() time.Duration {
	return time.Since(l.AcquiredAt)
}

// Stale reports whether the token is old enough to be eligible for
// operator-triggered reclamation. Reclamation is never automatic.
func (l *LockToken) Stale(threshold time.Duration) bool {
	return l.Age() > threshold
}

// AcquireLock takes the cache directory lock for holderID.
//
// Creation is O_EXCL, so two orchestrators racing for the same cache
// directory cannot both win. On contention the error wraps ErrLocked and
// names the current holder; callers wanting the full token use ReadLock.
func (s *Store) AcquireLock(holderID string) (*LockToken, error) {
	token := &LockToken{
		HolderID:   holderID,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock token: %w", err)
	}

	path := filepath.Join(s.dir, lockFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			holder, readErr := s.ReadLock()
			if readErr != nil {
				return nil, fmt.Errorf("%w: holder unreadable: %v", ErrLocked, readErr)
			}
			return nil, fmt.Errorf("%w: held by %s (pid %d) since %s",
				ErrLocked, holder.HolderID, holder.PID,
				holder.AcquiredAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock token: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to close lock file: %w", err)
	}
	return token, nil
}

// ReleaseLock removes the lock file if it is still held by token.
func (s *Store) ReleaseLock(token *LockToken) error {
	current, err := s.ReadLock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current.HolderID != token.HolderID || !current.AcquiredAt.Equal(token.AcquiredAt) {
		return fmt.Errorf("lock no longer held by %s (current holder %s)",
			token.HolderID, current.HolderID)
	}
	if err := os.Remove(filepath.Join(s.dir, lockFileName)); err != nil {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// ReadLock returns the current lock token, or an os.IsNotExist error when
// the directory is unlocked.
func (s *Store) ReadLock() (*LockToken, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, lockFileName))
	if err != nil {
		return nil, err
	}
	var token LockToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse lock token: %w", err)
	}
	return &token, nil
}

// BreakLock removes the lock file regardless of holder. Operator recovery
// only; callers are expected to have checked Stale first.
func (s *Store) BreakLock() error {
	err := os.Remove(filepath.Join(s.dir, lockFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
