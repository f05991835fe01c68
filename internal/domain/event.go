package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Process lifecycle events.
	EventProcessStarted EventType = "process.started"
	EventProcessExited  EventType = "process.exited"

	// Session identity events.
	EventSessionIdentified EventType = "session.identified"
	EventSessionForked     EventType = "session.forked"

	// Normalized log events.
	EventEntryAdded    EventType = "entry.added"
	EventEntryReplaced EventType = "entry.replaced"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ProcessStartedPayload is the payload for EventProcessStarted.
type ProcessStartedPayload struct {
	Pid      int      `json:"pid"`
	Program  string   `json:"program"`
	Args     []string `json:"args"`
	WorkDir  string   `json:"workdir"`
	FollowUp bool     `json:"follow_up,omitempty"`
}

// ProcessExitedPayload is the payload for EventProcessExited.
type ProcessExitedPayload struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// SessionForkedPayload is the payload for EventSessionForked.
type SessionForkedPayload struct {
	SourceID string `json:"source_id"`
	Path     string `json:"path"`
}

// EntryPatchPayload is the payload for EventEntryAdded and EventEntryReplaced.
type EntryPatchPayload struct {
	Index int             `json:"index"`
	Entry NormalizedEntry `json:"entry"`
}

// NewEvent builds an event with a JSON-encoded payload. A nil payload
// leaves Payload empty.
func NewEvent(eventType EventType, runID string, payload any) Event {
	evt := Event{Type: eventType, Timestamp: time.Now(), RunID: runID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Payload = data
		}
	}
	return evt
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains queued events and prevents new publishes.
	Close()
}
