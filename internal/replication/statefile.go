// Package replication talks to the upstream diff source.
//
// The upstream exposes the standard replication layout: a state.txt
// descriptor naming the latest published sequence, and one gzipped
// changeset per sequence at AAA/BBB/CCC.osc.gz below the base URL. The
// transform engine's own bookkeeping file in the cache directory uses the
// same descriptor format, so the parser here serves both sides.
package replication

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseState extracts the sequence number from a replication state
// descriptor. The format is a line-oriented properties file; the only key
// this system needs is sequenceNumber.
func ParseState(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(key) != "sequenceNumber" {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("malformed sequenceNumber %q: %w", value, err)
		}
		if seq < 0 {
			return 0, fmt.Errorf("negative sequenceNumber %d", seq)
		}
		return seq, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read state descriptor: %w", err)
	}
	return 0, fmt.Errorf("state descriptor has no sequenceNumber")
}

// SequencePath returns the relative payload path for a sequence, using the
// conventional three-level split (sequence 3864587 -> 003/864/587.osc.gz).
func SequencePath(seq int) string {
	return fmt.Sprintf("%03d/%03d/%03d.osc.gz",
		seq/1000000, (seq/1000)%1000, seq%1000)
}
