package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// fakeUpstream serves a replication layout: a state.txt descriptor and one
// payload per published sequence.
func fakeUpstream(t *testing.T, latest int, payloads map[int]string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/state.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "sequenceNumber=%d\n", latest)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		for seq, body := range payloads {
			if r.URL.Path == "/"+SequencePath(seq) {
				_, _ = io.WriteString(w, body)
				return
			}
		}
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSource(t *testing.T, baseURL string) *Source {
	t.Helper()

	src, err := NewSource(baseURL, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewSource() failed: %v", err)
	}
	return src
}

func TestNewSourceRejectsBadURL(t *testing.T) {
	for _, bad := range []string{"", "not-a-url", "ftp://example.com/diffs"} {
		if _, err := NewSource(bad, nil, nil); err == nil {
			t.Errorf("NewSource(%q) succeeded, want error", bad)
		}
	}
}

func TestLatestSequence(t *testing.T) {
	srv := fakeUpstream(t, 3864587, nil)
	src := newTestSource(t, srv.URL)

	got, err := src.LatestSequence(context.Background())
	if err != nil {
		t.Fatalf("LatestSequence() failed: %v", err)
	}
	if got != 3864587 {
		t.Errorf("LatestSequence() = %d, want 3864587", got)
	}
}

func TestLatestSequenceUnreachable(t *testing.T) {
	srv := fakeUpstream(t, 1, nil)
	srv.Close()
	src := newTestSource(t, srv.URL)

	_, err := src.LatestSequence(context.Background())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("LatestSequence() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestFetch(t *testing.T) {
	srv := fakeUpstream(t, 42, map[int]string{42: "osc payload"})
	src := newTestSource(t, srv.URL)
	staging := t.TempDir()

	path, err := src.Fetch(context.Background(), 42, staging)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if filepath.Base(path) != "42.osc.gz" {
		t.Errorf("Fetch() staged as %s, want 42.osc.gz", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read staged payload: %v", err)
	}
	if string(data) != "osc payload" {
		t.Errorf("Staged payload = %q, want %q", data, "osc payload")
	}

	// No temp files left behind.
	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatalf("Failed to read staging dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Staging dir has %d entries, want 1", len(entries))
	}
}

func TestFetchGoneSequence(t *testing.T) {
	srv := fakeUpstream(t, 42, nil)
	src := newTestSource(t, srv.URL)

	_, err := src.Fetch(context.Background(), 41, t.TempDir())
	if !errors.Is(err, ErrSequenceGone) {
		t.Errorf("Fetch() error = %v, want ErrSequenceGone", err)
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	src := newTestSource(t, srv.URL)

	_, err := src.Fetch(context.Background(), 1, t.TempDir())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		latest      int
		lastApplied int
		maxBatch    int
		wantNil     bool
		wantFrom    int
		wantTo      int
		wantCapped  bool
		wantGone    bool
	}{
		{
			name:        "up to date",
			latest:      40,
			lastApplied: 40,
			maxBatch:    10,
			wantNil:     true,
		},
		{
			name:        "two pending",
			latest:      42,
			lastApplied: 40,
			maxBatch:    10,
			wantFrom:    41,
			wantTo:      42,
		},
		{
			name:        "capped by batch limit",
			latest:      100,
			lastApplied: 40,
			maxBatch:    10,
			wantFrom:    41,
			wantTo:      50,
			wantCapped:  true,
		},
		{
			name:        "exactly one batch is not capped",
			latest:      50,
			lastApplied: 40,
			maxBatch:    10,
			wantFrom:    41,
			wantTo:      50,
		},
		{
			name:        "upstream behind local is a gap",
			latest:      39,
			lastApplied: 40,
			maxBatch:    10,
			wantGone:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeUpstream(t, tt.latest, nil)
			src := newTestSource(t, srv.URL)

			rng, err := src.Resolve(context.Background(), tt.lastApplied, tt.maxBatch)
			if tt.wantGone {
				if !errors.Is(err, ErrSequenceGone) {
					t.Fatalf("Resolve() error = %v, want ErrSequenceGone", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() failed: %v", err)
			}
			if tt.wantNil {
				if rng != nil {
					t.Fatalf("Resolve() = %+v, want nil", rng)
				}
				return
			}
			if rng == nil {
				t.Fatal("Resolve() = nil, want range")
			}
			if rng.From != tt.wantFrom || rng.To != tt.wantTo || rng.CappedAt != tt.wantCapped {
				t.Errorf("Resolve() = [%d..%d] capped=%v, want [%d..%d] capped=%v",
					rng.From, rng.To, rng.CappedAt, tt.wantFrom, tt.wantTo, tt.wantCapped)
			}
		})
	}
}

func TestPendingRangeSequences(t *testing.T) {
	rng := PendingRange{From: 41, To: 43}
	got := rng.Sequences()
	want := []int{41, 42, 43}
	if len(got) != len(want) {
		t.Fatalf("Sequences() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sequences() = %v, want %v", got, want)
		}
	}
	if rng.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rng.Len())
	}
}
