// Package events publishes hand-off domain events to RabbitMQ.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys, also used as the event type.
const (
	EscalationRequested = "escalation.requested.v1"
	EscalationCancelled = "escalation.cancelled.v1"
	DialogStarted       = "dialog.started.v1"
	DialogEnded         = "dialog.ended.v1"
)

// Producer identifies this service in event metadata.
const Producer = "handoff-desk"

// Envelope wraps every published payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Meta describes an emitted event.
type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version, e.g. dialog.started.v1
	Type string `json:"type"`
}

// NewEnvelope stamps data with a fresh ID and the current time.
func NewEnvelope(eventType string, data any) Envelope {
	producer := Producer
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: &producer,
			Time:     time.Now().UTC(),
			Type:     eventType,
		},
		Data: data,
	}
}

// EscalationRequestedData is published when a user enters the wait queue.
type EscalationRequestedData struct {
	UserID            string `json:"user_id"`
	Position          int    `json:"position"`
	Reason            string `json:"reason,omitempty"`
	OperatorsNotified int    `json:"operators_notified"`
	OperatorsFailed   int    `json:"operators_failed"`
}

// EscalationCancelledData is published when a queued user leaves on their own.
type EscalationCancelledData struct {
	UserID string `json:"user_id"`
}

// DialogStartedData is published when an operator claims a user.
type DialogStartedData struct {
	UserID     string    `json:"user_id"`
	OperatorID string    `json:"operator_id"`
	StartTime  time.Time `json:"start_time"`
}

// DialogEndedData is published when either side ends a dialog.
type DialogEndedData struct {
	UserID     string  `json:"user_id"`
	OperatorID string  `json:"operator_id"`
	EndedBy    string  `json:"ended_by"`
	Reason     string  `json:"reason"`
	Seconds    float64 `json:"duration_seconds"`
}
