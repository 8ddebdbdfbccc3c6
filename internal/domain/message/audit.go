package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an audit event.
type EventType string

const (
	EventCreated    EventType = "MESSAGE_CREATED"
	EventApproved   EventType = "MESSAGE_APPROVED"
	EventRejected   EventType = "MESSAGE_REJECTED"
	EventSent       EventType = "MESSAGE_SENT"
	EventSendFailed EventType = "MESSAGE_SEND_FAILED"
	EventRequeued   EventType = "MESSAGE_REQUEUED"
	EventCanceled   EventType = "MESSAGE_CANCELED"
)

// AuditEvent is an immutable record of a state change. It is never updated or deleted.
type AuditEvent struct {
	ID         uuid.UUID       `json:"id"`
	MessageID  uuid.UUID       `json:"messageId"`
	EventType  EventType       `json:"eventType"`
	FromStatus *Status         `json:"fromStatus,omitempty"`
	ToStatus   *Status         `json:"toStatus,omitempty"`
	ActorType  ActorType       `json:"actorType"`
	ActorID    string          `json:"actorId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// NewAuditEvent builds an event for a transition. A nil transition from-status
// (creation) is stored as null. It fails when metadata cannot be encoded as JSON.
func NewAuditEvent(eventType EventType, messageID uuid.UUID, from, to *Status, actor Actor, at time.Time, metadata map[string]interface{}) (*AuditEvent, error) {
	ev := &AuditEvent{
		ID:         uuid.New(),
		MessageID:  messageID,
		EventType:  eventType,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		OccurredAt: at,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode audit metadata for %s: %w", eventType, err)
		}
		ev.Metadata = raw
	}
	return ev, nil
}

// AuditEventForTransition builds an event carrying the transition's statuses.
func AuditEventForTransition(eventType EventType, tr *Transition, actor Actor, metadata map[string]interface{}) (*AuditEvent, error) {
	from, to := tr.From, tr.To
	return NewAuditEvent(eventType, tr.MessageID, &from, &to, actor, tr.At, metadata)
}

// CloneMetadata returns a private copy of the event metadata.
func (e *AuditEvent) CloneMetadata() json.RawMessage {
	return cloneJSON(e.Metadata)
}
