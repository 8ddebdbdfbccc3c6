package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/outbound-hub/outbound-hub/internal/domain/message"
)

// ParticipantRepository implements message.ParticipantRepository.
type ParticipantRepository struct {
	q Querier
}

func NewParticipantRepository(q Querier) *ParticipantRepository {
	return &ParticipantRepository{q: q}
}

// InsertAll writes participants in one round trip and returns them with their
// store-assigned ids and timestamps, in input order.
func (r *ParticipantRepository) InsertAll(ctx context.Context, participants []message.Participant) ([]message.Participant, error) {
	if len(participants) == 0 {
		return []message.Participant{}, nil
	}

	b := &pgx.Batch{}
	for i, p := range participants {
		b.Queue(`
			INSERT INTO message_participants (message_id, position, role, address, display_name)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING id, created_at
		`, p.MessageID, i, p.Role, p.Address, p.DisplayName)
	}

	br := r.q.SendBatch(ctx, b)
	out := make([]message.Participant, len(participants))
	for i, p := range participants {
		if err := br.QueryRow().Scan(&p.ID, &p.CreatedAt); err != nil {
			_ = br.Close()
			return nil, classify("participant.insert", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out[i] = p
	}
	if err := br.Close(); err != nil {
		return nil, classify("participant.insert", err)
	}
	return out, nil
}

func (r *ParticipantRepository) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]message.Participant, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, message_id, role, address, display_name, created_at
		FROM message_participants WHERE message_id=$1 ORDER BY position ASC
	`, messageID)
	if err != nil {
		return nil, classify("participant.list", err)
	}
	defer rows.Close()
	participants := []message.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classify("participant.list", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("participant.list", err)
	}
	return participants, nil
}

func (r *ParticipantRepository) listByMessages(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]message.Participant, error) {
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id.String()
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, message_id, role, address, display_name, created_at
		FROM message_participants WHERE message_id = ANY($1::uuid[]) ORDER BY message_id, position ASC
	`, ids)
	if err != nil {
		return nil, classify("participant.list", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]message.Participant, len(messageIDs))
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classify("participant.list", err)
		}
		out[p.MessageID] = append(out[p.MessageID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("participant.list", err)
	}
	return out, nil
}

func scanParticipant(row pgx.Row) (message.Participant, error) {
	var p message.Participant
	if err := row.Scan(&p.ID, &p.MessageID, &p.Role, &p.Address, &p.DisplayName, &p.CreatedAt); err != nil {
		return message.Participant{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
