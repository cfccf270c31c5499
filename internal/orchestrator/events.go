package orchestrator

import "time"

// EventType names one kind of operational event.
type EventType string

const (
	EventVerdict     EventType = "verdict"
	EventStateChange EventType = "state_change"
	EventConflict    EventType = "conflict"
	EventProcessed   EventType = "message_processed"
)

// Event is one redacted operational event for the live feed. It carries
// identifiers, verdicts and state names only; message text and action
// parameter values never appear here.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	Verdict        string    `json:"verdict,omitempty"`
	Risk           string    `json:"risk,omitempty"`
	State          string    `json:"state,omitempty"`
	ConflictType   string    `json:"conflict_type,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	At             time.Time `json:"at"`
}

// EventSink receives pipeline events. Publish must not block; sinks that
// fan out to slow consumers drop rather than stall the pipeline.
type EventSink interface {
	Publish(Event)
}

func (o *Orchestrator) emit(event Event) {
	if o.sink == nil {
		return
	}
	if event.At.IsZero() {
		event.At = o.now()
	}
	o.sink.Publish(event)
}
