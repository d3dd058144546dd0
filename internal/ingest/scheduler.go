package ingest

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// Attempt runs one ingestion attempt. catchUp requests an immediate
// re-trigger (more upstream work is already known to exist). A non-nil
// error stops the scheduler; transient conditions must be absorbed inside
// the attempt.
type Attempt func(ctx context.Context) (catchUp bool, err error)

// Scheduler drives periodic ingestion attempts.
//
// Exactly one attempt runs at a time. The first fires immediately; after
// that, one per elapsed interval. An attempt outlasting the interval
// swallows the ticks that fell due meanwhile, and each is recorded as a
// skipped-tick event rather than queued, so attempts never pile up.
type Scheduler struct {
	interval time.Duration
	logger   *log.Logger

	skipped atomic.Int64
}

// NewScheduler creates a Scheduler firing at the given interval.
func NewScheduler(interval time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{interval: interval, logger: logger}
}

// SkippedTicks returns how many due ticks were skipped because the
// previous attempt was still running.
func (s *Scheduler) SkippedTicks() int64 {
	return s.skipped.Load()
}

// Run executes attempts until ctx is cancelled, then returns ctx.Err().
//
// Cancellation is graceful: an in-flight attempt runs to its natural
// stopping point before Run returns. When an attempt reports catchUp, the
// next one starts immediately instead of waiting out the interval.
func (s *Scheduler) Run(ctx context.Context, attempt Attempt) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		started := time.Now()
		catchUp, err := attempt(ctx)
		if err != nil {
			return err
		}

		if elapsed := time.Since(started); elapsed > s.interval {
			n := int64(elapsed / s.interval)
			s.skipped.Add(n)
			s.logger.Printf("Attempt ran %s, skipped %d tick(s)", elapsed.Round(time.Second), n)
			// Drop the tick that accumulated while we were busy so the
			// select below waits a full interval.
			select {
			case <-ticker.C:
			default:
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if catchUp {
			s.logger.Printf("Catching up, re-triggering immediately")
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
