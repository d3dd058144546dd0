package expire

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// pendingDirName holds expiry output not yet delivered: per-sequence
// engine output awaiting a merge, and merged sets whose final rename
// failed. Everything here survives restarts and is retried until
// delivered.
const pendingDirName = ".pending"

// ErrUndelivered marks a handoff whose merged set was staged durably but
// could not be renamed into the handoff directory. The staged file is
// picked up by RetryPending; the per-sequence input it was merged from is
// no longer needed.
var ErrUndelivered = errors.New("expiry handoff staged but not delivered")

// Collector merges per-sequence expiry output and publishes it for the
// tile cache.
type Collector struct {
	// outDir is the handoff directory the tile cache watches.
	outDir string

	logger *log.Logger
}

// NewCollector creates a collector publishing into outDir.
func NewCollector(outDir string, logger *log.Logger) (*Collector, error) {
	if outDir == "" {
		return nil, fmt.Errorf("expiry output directory cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[expire] ", log.LstdFlags)
	}
	if err := os.MkdirAll(filepath.Join(outDir, pendingDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create expiry directory: %w", err)
	}
	return &Collector{outDir: outDir, logger: logger}, nil
}

// SequenceDir returns the engine output directory for one sequence.
// Kept below the handoff directory but outside the cache's view.
func (c *Collector) SequenceDir(seq int) string {
	return filepath.Join(c.outDir, pendingDirName, fmt.Sprintf("seq-%d", seq))
}

// Collect merges every tile list found under the given per-sequence
// directories into one deduplicated set. Unparseable lines are logged and
// skipped; one garbled line should not discard a cycle's worth of
// invalidations.
func (c *Collector) Collect(seqDirs []string) (TileSet, error) {
	set := make(TileSet)
	for _, dir := range seqDirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			return c.readTiles(path, set)
		})
		if err != nil {
			if os.IsNotExist(err) {
				// A sequence touching no mapped geometry writes nothing.
				continue
			}
			return nil, fmt.Errorf("failed to read expiry output %s: %w", dir, err)
		}
	}
	return set, nil
}

func (c *Collector) readTiles(path string, set TileSet) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tile, err := ParseTile(line)
		if err != nil {
			c.logger.Printf("Skipping bad expiry line in %s: %v", path, err)
			continue
		}
		set.Add(tile)
	}
	return scanner.Err()
}

// Handoff publishes a merged tile set.
//
// The set is staged in the pending directory and then renamed into the
// handoff directory. If the final rename fails the staged file stays put
// and RetryPending picks it up on a later cycle; the tile cache only ever
// sees complete files. An empty set publishes nothing.
func (c *Collector) Handoff(set TileSet) (string, error) {
	if len(set) == 0 {
		return "", nil
	}

	name := fmt.Sprintf("expired-%s.tiles", time.Now().UTC().Format("20060102T150405.000000000"))
	staged := filepath.Join(c.outDir, pendingDirName, name)

	f, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("failed to stage expiry handoff: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, tile := range set.Sorted() {
		if _, err := fmt.Fprintln(w, tile); err != nil {
			_ = f.Close()
			_ = os.Remove(staged)
			return "", fmt.Errorf("failed to write expiry handoff: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(staged)
		return "", fmt.Errorf("failed to write expiry handoff: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(staged)
		return "", fmt.Errorf("failed to close expiry handoff: %w", err)
	}

	final := filepath.Join(c.outDir, name)
	if err := os.Rename(staged, final); err != nil {
		// Staged file intentionally left behind for RetryPending.
		return "", fmt.Errorf("%w: %v", ErrUndelivered, err)
	}

	c.logger.Printf("Published %d expired tiles (%s)", len(set), name)
	return final, nil
}

// RetryPending attempts to deliver any expiry output left behind by
// earlier failures: staged handoff files whose rename failed, and
// per-sequence directories whose merge never produced a staged file.
// Returns the files delivered this time.
//
// Callers invoke this at cycle start, before the cycle creates sequence
// directories of its own, so every seq directory found here is a leftover.
func (c *Collector) RetryPending() ([]string, error) {
	pending := filepath.Join(c.outDir, pendingDirName)
	entries, err := os.ReadDir(pending)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending handoffs: %w", err)
	}

	var delivered []string
	var seqDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), "seq-") {
				seqDirs = append(seqDirs, filepath.Join(pending, entry.Name()))
			}
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".tiles") {
			continue
		}
		staged := filepath.Join(pending, entry.Name())
		final := filepath.Join(c.outDir, entry.Name())
		if err := os.Rename(staged, final); err != nil {
			c.logger.Printf("Handoff retry for %s failed: %v", entry.Name(), err)
			continue
		}
		c.logger.Printf("Delivered pending handoff %s", entry.Name())
		delivered = append(delivered, final)
	}

	// Sequence output still sitting here means its cycle committed but
	// never staged a merged set. Those invalidations must not be lost;
	// merge and publish them now.
	if len(seqDirs) > 0 {
		set, err := c.Collect(seqDirs)
		if err != nil {
			return delivered, fmt.Errorf("failed to re-collect stranded expiry output: %w", err)
		}
		path, err := c.Handoff(set)
		if err != nil {
			if errors.Is(err, ErrUndelivered) {
				// The merged set is staged; the raw input can go.
				c.CleanupSequenceDirs(seqDirs)
			}
			return delivered, err
		}
		c.CleanupSequenceDirs(seqDirs)
		if path != "" {
			c.logger.Printf("Recovered stranded expiry output from %d sequence(s)", len(seqDirs))
			delivered = append(delivered, path)
		}
	}
	return delivered, nil
}

// CleanupSequenceDirs removes per-sequence engine output after a cycle has
// merged it.
func (c *Collector) CleanupSequenceDirs(seqDirs []string) {
	for _, dir := range seqDirs {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Printf("Failed to remove %s: %v", dir, err)
		}
	}
}
