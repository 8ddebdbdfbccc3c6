package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/outbound-hub/outbound-hub/internal/domain/message"
)

// AuditRepository implements message.AuditRepository. Rows are only ever inserted.
type AuditRepository struct {
	q Querier
}

func NewAuditRepository(q Querier) *AuditRepository {
	return &AuditRepository{q: q}
}

func (r *AuditRepository) Append(ctx context.Context, event *message.AuditEvent) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO message_audit_events
		(id, message_id, event_type, from_status, to_status, actor_type, actor_id, occurred_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, event.ID, event.MessageID, event.EventType, event.FromStatus, event.ToStatus,
		event.ActorType, event.ActorID, event.OccurredAt, event.CloneMetadata())
	return classify("audit.append", err)
}

// ListByMessage returns events in insertion order.
func (r *AuditRepository) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*message.AuditEvent, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, message_id, event_type, from_status, to_status, actor_type, actor_id, occurred_at, metadata
		FROM message_audit_events WHERE message_id=$1 ORDER BY seq ASC
	`, messageID)
	if err != nil {
		return nil, classify("audit.list", err)
	}
	defer rows.Close()
	events := []*message.AuditEvent{}
	for rows.Next() {
		var ev message.AuditEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.EventType, &ev.FromStatus, &ev.ToStatus,
			&ev.ActorType, &ev.ActorID, &ev.OccurredAt, &meta); err != nil {
			return nil, classify("audit.list", err)
		}
		if len(meta) > 0 {
			ev.Metadata = meta
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("audit.list", err)
	}
	return events, nil
}
