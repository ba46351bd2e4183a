package dispatch

import (
	"github.com/wolfeidau/caseflow/internal/errs"
)

// EventKind tags an executor event.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventProgress     EventKind = "progress"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
	EventCancelledAck EventKind = "cancelled_ack"
)

// Event is a status report from the executor assigned to a job. Only the
// fields belonging to Kind are read.
type Event struct {
	Kind    EventKind      `json:"type"`
	Percent *int           `json:"percent,omitempty"`
	Message string         `json:"message,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

func Started() Event { return Event{Kind: EventStarted} }

func Progress(percent int, message string) Event {
	return Event{Kind: EventProgress, Percent: &percent, Message: message}
}

func Completed(result map[string]any) Event { return Event{Kind: EventCompleted, Result: result} }

func Failed(reason string) Event { return Event{Kind: EventFailed, Reason: reason} }

func CancelledAck() Event { return Event{Kind: EventCancelledAck} }

// Terminal reports whether the event ends the job.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventCompleted, EventFailed, EventCancelledAck:
		return true
	}
	return false
}

// Validate checks the event carries what its kind requires.
func (e Event) Validate() error {
	switch e.Kind {
	case EventStarted, EventCompleted, EventCancelledAck:
		return nil
	case EventProgress:
		if e.Percent == nil && e.Message == "" {
			return errs.Validation("percent", "progress events need a percent or a message")
		}
		if e.Percent != nil && (*e.Percent < 0 || *e.Percent > 100) {
			return errs.Validation("percent", "must be between 0 and 100")
		}
		return nil
	case EventFailed:
		if e.Reason == "" {
			return errs.Validation("reason", "is required for failed events")
		}
		return nil
	default:
		return errs.Validation("type", "unknown event type %q", e.Kind)
	}
}
