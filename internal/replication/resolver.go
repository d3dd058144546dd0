package replication

import (
	"context"
	"fmt"
)

// PendingRange is the contiguous run of sequences one cycle should apply.
type PendingRange struct {
	// From and To are inclusive bounds, From <= To.
	From int
	To   int

	// CappedAt is true when the upstream latest exceeds To because of the
	// batch cap. The scheduler uses it to re-trigger immediately instead of
	// waiting a full interval.
	CappedAt bool
}

// Sequences returns the range as an ascending slice.
func (r PendingRange) Sequences() []int {
	seqs := make([]int, 0, r.To-r.From+1)
	for s := r.From; s <= r.To; s++ {
		seqs = append(seqs, s)
	}
	return seqs
}

// Len returns how many sequences the range covers.
func (r PendingRange) Len() int {
	return r.To - r.From + 1
}

// Resolve computes what work exists upstream relative to local progress.
//
// A nil range means the cache is already at the upstream latest. maxBatch
// bounds the range; the remainder is signalled through CappedAt rather
// than returned, so one cycle never bites off more than it can commit
// incrementally.
func (s *Source) Resolve(ctx context.Context, lastApplied, maxBatch int) (*PendingRange, error) {
	if maxBatch <= 0 {
		return nil, fmt.Errorf("maxBatch must be positive (got %d)", maxBatch)
	}

	latest, err := s.LatestSequence(ctx)
	if err != nil {
		return nil, err
	}

	if latest < lastApplied {
		// Upstream moving backwards means it was rebuilt or we are pointed
		// at the wrong source. Treat as a gap, not as up-to-date.
		return nil, fmt.Errorf("%w: upstream latest %d behind local %d",
			ErrSequenceGone, latest, lastApplied)
	}
	if latest == lastApplied {
		return nil, nil
	}

	to := latest
	capped := false
	if latest-lastApplied > maxBatch {
		to = lastApplied + maxBatch
		capped = true
	}
	return &PendingRange{From: lastApplied + 1, To: to, CappedAt: capped}, nil
}
