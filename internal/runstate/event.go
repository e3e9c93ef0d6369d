package runstate

import "time"

// EventKind names a run lifecycle transition.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventTimerStart   EventKind = "timer_start"
	EventComplete     EventKind = "complete"
	EventStop         EventKind = "stop"
	EventValvesClosed EventKind = "valves_closed"
	EventRestore      EventKind = "restore"
)

// Event is one entry in the run log.
type Event struct {
	RunID            string    `json:"run_id"`
	Kind             EventKind `json:"kind"`
	Message          string    `json:"message,omitempty"`
	RemainingSeconds float64   `json:"remaining_seconds"`
	At               time.Time `json:"at"`
}

// EventRecorder appends events to the run log.
type EventRecorder interface {
	RecordRunEvent(Event) error
}
