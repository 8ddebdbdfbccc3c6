package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/outbound-hub/outbound-hub/internal/domain/message"
)

// ReviewRepository implements message.ReviewRepository.
type ReviewRepository struct {
	q Querier
}

func NewReviewRepository(q Querier) *ReviewRepository {
	return &ReviewRepository{q: q}
}

// Insert fails with message.ErrConflict when the message already has a review.
func (r *ReviewRepository) Insert(ctx context.Context, review *message.Review) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO message_reviews (id, message_id, decision, decided_by, decided_at, notes)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, review.ID, review.MessageID, review.Decision, review.DecidedBy, review.DecidedAt, review.Notes)
	return classify("review.insert", err)
}

func (r *ReviewRepository) GetByMessage(ctx context.Context, messageID uuid.UUID) (*message.Review, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, message_id, decision, decided_by, decided_at, notes
		FROM message_reviews WHERE message_id=$1
	`, messageID)
	var rv message.Review
	if err := row.Scan(&rv.ID, &rv.MessageID, &rv.Decision, &rv.DecidedBy, &rv.DecidedAt, &rv.Notes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("review.get", err)
	}
	rv.DecidedAt = rv.DecidedAt.UTC()
	return &rv, nil
}
