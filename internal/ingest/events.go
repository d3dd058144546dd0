package ingest

import "time"

// EventType classifies ingest notifications.
type EventType string

const (
	// EventCycleStarted fires when a cycle begins real work.
	EventCycleStarted EventType = "cycle_started"

	// EventSequenceApplied fires after each committed sequence.
	EventSequenceApplied EventType = "sequence_applied"

	// EventApplyFailed fires when an engine invocation fails.
	EventApplyFailed EventType = "apply_failed"

	// EventHandoffPublished fires when an expiry file reaches the
	// handoff directory.
	EventHandoffPublished EventType = "handoff_published"

	// EventUpToDate fires for a no-op cycle.
	EventUpToDate EventType = "up_to_date"
)

// Event is one ingest notification.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int       `json:"sequence,omitempty"`
	Tiles     int       `json:"tiles,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Notifier receives ingest events. Implementations must not block;
// ingestion never waits on observers.
type Notifier interface {
	Notify(Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(Event) {}
