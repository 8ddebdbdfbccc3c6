package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/outbound-hub/outbound-hub/internal/domain/message"
)

const messageColumns = `id, channel, status, content_source, subject, text_body, html_body,
	template_key, template_version, template_resolved_at, template_variables, idempotency_key,
	claimed_by, claimed_at, sent_at, failure_reason, attempt_count,
	reply_to_message_id, in_reply_to, references_header, smtp_message_id, created_at, updated_at`

// MessageRepository implements message.Repository.
type MessageRepository struct {
	q            Querier
	participants *ParticipantRepository
}

func NewMessageRepository(q Querier, participants *ParticipantRepository) *MessageRepository {
	return &MessageRepository{q: q, participants: participants}
}

// InsertOrGet relies on the partial unique index on idempotency_key. The no-op
// DO UPDATE makes the existing row come back from RETURNING, and xmax = 0 holds
// only for a row this statement inserted.
func (r *MessageRepository) InsertOrGet(ctx context.Context, msg *message.Message) (*message.InsertResult, error) {
	st := msg.State()
	row := r.q.QueryRow(ctx, `
		INSERT INTO messages
		(channel, status, content_source, subject, text_body, html_body, template_key, template_version, template_resolved_at, template_variables, idempotency_key, reply_to_message_id, in_reply_to, references_header)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL
		DO UPDATE SET updated_at = messages.updated_at
		RETURNING `+messageColumns+`, (xmax = 0) AS inserted
	`, st.Channel, st.Status, st.ContentSource, st.Subject, st.TextBody, st.HTMLBody, st.TemplateKey, st.TemplateVersion,
		st.TemplateResolvedAt, st.TemplateVariables, st.IdempotencyKey, st.ReplyToMessageID, st.InReplyTo, st.ReferencesHeader)

	var inserted bool
	stored, err := scanMessageState(row, &inserted)
	if err != nil {
		return nil, classify("message.insert", err)
	}

	var participants []message.Participant
	if !inserted {
		participants, err = r.participants.ListByMessage(ctx, stored.ID)
		if err != nil {
			return nil, err
		}
	}
	m, err := message.Rehydrate(*stored, participants)
	if err != nil {
		return nil, err
	}
	return &message.InsertResult{Message: m, WasCreated: inserted}, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	return r.getOne(ctx, "message.get", `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
}

// GetByIDForUpdate holds the row lock until the surrounding transaction ends.
func (r *MessageRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	return r.getOne(ctx, "message.lock", `SELECT `+messageColumns+` FROM messages WHERE id=$1 FOR UPDATE`, id)
}

// LockNextApproved never waits on a row another claimer holds.
func (r *MessageRepository) LockNextApproved(ctx context.Context) (*message.Message, error) {
	return r.getOne(ctx, "message.lock_next", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = 'APPROVED'
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
}

// UpdateState writes the fields lifecycle operations change.
func (r *MessageRepository) UpdateState(ctx context.Context, msg *message.Message) error {
	st := msg.State()
	tag, err := r.q.Exec(ctx, `
		UPDATE messages
		SET status=$1, claimed_by=$2, claimed_at=$3, sent_at=$4, failure_reason=$5, attempt_count=$6, smtp_message_id=$7, updated_at=$8
		WHERE id=$9
	`, st.Status, st.ClaimedBy, st.ClaimedAt, st.SentAt, st.FailureReason, st.AttemptCount, st.SMTPMessageID, st.UpdatedAt, st.ID)
	if err != nil {
		return classify("message.update", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", message.ErrNotFound, st.ID)
	}
	return nil
}

func (r *MessageRepository) List(ctx context.Context, filter message.Filter, limit, offset int) ([]*message.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages`
	args := []interface{}{}
	idx := 1
	if filter.Status != nil {
		query += " WHERE status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.Channel != nil {
		query += addWhere(query) + " channel=$" + itoa(idx)
		args = append(args, *filter.Channel)
		idx++
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("message.list", err)
	}
	var states []*message.State
	for rows.Next() {
		st, err := scanMessageState(rows, nil)
		if err != nil {
			rows.Close()
			return nil, classify("message.list", err)
		}
		states = append(states, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("message.list", err)
	}
	if len(states) == 0 {
		return []*message.Message{}, nil
	}

	ids := make([]uuid.UUID, len(states))
	for i, st := range states {
		ids[i] = st.ID
	}
	byMessage, err := r.participants.listByMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*message.Message, 0, len(states))
	for _, st := range states {
		m, err := message.Rehydrate(*st, byMessage[st.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *MessageRepository) getOne(ctx context.Context, op, query string, args ...interface{}) (*message.Message, error) {
	st, err := scanMessageState(r.q.QueryRow(ctx, query, args...), nil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(op, err)
	}
	participants, err := r.participants.ListByMessage(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	return message.Rehydrate(*st, participants)
}

// scanMessageState scans messageColumns, plus the inserted flag when it is non-nil.
func scanMessageState(row pgx.Row, inserted *bool) (*message.State, error) {
	var st message.State
	var vars []byte
	dest := []interface{}{
		&st.ID, &st.Channel, &st.Status, &st.ContentSource, &st.Subject, &st.TextBody, &st.HTMLBody,
		&st.TemplateKey, &st.TemplateVersion, &st.TemplateResolvedAt, &vars, &st.IdempotencyKey,
		&st.ClaimedBy, &st.ClaimedAt, &st.SentAt, &st.FailureReason, &st.AttemptCount,
		&st.ReplyToMessageID, &st.InReplyTo, &st.ReferencesHeader, &st.SMTPMessageID, &st.CreatedAt, &st.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		st.TemplateVariables = vars
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	st.TemplateResolvedAt = utcPtr(st.TemplateResolvedAt)
	st.ClaimedAt = utcPtr(st.ClaimedAt)
	st.SentAt = utcPtr(st.SentAt)
	return &st, nil
}
