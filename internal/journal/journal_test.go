package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func record(t *testing.T, j *Journal, seq int, status string) {
	t.Helper()

	errText := ""
	if status != StatusOK {
		errText = "engine exploded"
	}
	err := j.RecordAttempt(context.Background(), Attempt{
		Sequence:  seq,
		StartedAt: time.Now(),
		Duration:  150 * time.Millisecond,
		Status:    status,
		Error:     errText,
	})
	if err != nil {
		t.Fatalf("RecordAttempt(%d, %s) failed: %v", seq, status, err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	j := newTestJournal(t)

	record(t, j, 41, StatusOK)
	record(t, j, 42, StatusFailed)
	record(t, j, 42, StatusTimeout)

	attempts, err := j.RecentAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAttempts() failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("RecentAttempts() returned %d, want 3", len(attempts))
	}

	// Newest first.
	if attempts[0].Sequence != 42 || attempts[0].Status != StatusTimeout {
		t.Errorf("newest attempt = seq %d %s, want 42 timeout",
			attempts[0].Sequence, attempts[0].Status)
	}
	if attempts[2].Sequence != 41 || attempts[2].Status != StatusOK {
		t.Errorf("oldest attempt = seq %d %s, want 41 ok",
			attempts[2].Sequence, attempts[2].Status)
	}
	if attempts[1].Error == "" {
		t.Error("failed attempt lost its error text")
	}
	if attempts[0].Duration != 150*time.Millisecond {
		t.Errorf("duration = %s, want 150ms", attempts[0].Duration)
	}
}

func TestRecentAttemptsLimit(t *testing.T) {
	j := newTestJournal(t)
	for seq := 1; seq <= 5; seq++ {
		record(t, j, seq, StatusOK)
	}

	attempts, err := j.RecentAttempts(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentAttempts() failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Errorf("RecentAttempts(2) returned %d", len(attempts))
	}
}

func TestConsecutiveFailures(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	assertFailures := func(want int) {
		t.Helper()
		n, err := j.ConsecutiveFailures(ctx)
		if err != nil {
			t.Fatalf("ConsecutiveFailures() failed: %v", err)
		}
		if n != want {
			t.Errorf("ConsecutiveFailures() = %d, want %d", n, want)
		}
	}

	assertFailures(0)

	record(t, j, 41, StatusOK)
	assertFailures(0)

	record(t, j, 42, StatusFailed)
	record(t, j, 42, StatusTimeout)
	assertFailures(2)

	// A success resets the streak.
	record(t, j, 42, StatusOK)
	assertFailures(0)

	record(t, j, 43, StatusFailed)
	assertFailures(1)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	record(t, j, 41, StatusOK)
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer j2.Close()

	attempts, err := j2.RecentAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAttempts() failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Sequence != 41 {
		t.Errorf("Journal lost history across reopen: %+v", attempts)
	}
}
