package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/outbound-hub/outbound-hub/internal/domain/message"
)

const rollbackTimeout = 5 * time.Second

// UnitOfWork implements message.UnitOfWork on a pgx pool. Every call gets its
// own READ COMMITTED transaction.
type UnitOfWork struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewUnitOfWork(pool *pgxpool.Pool, logger zerolog.Logger) *UnitOfWork {
	return &UnitOfWork{
		pool:   pool,
		logger: logger.With().Str("component", "unit_of_work").Logger(),
	}
}

// Within commits only when fn returns nil. Rollback runs on error, panic and
// cancellation; a failed rollback is logged and never replaces fn's error.
func (u *UnitOfWork) Within(ctx context.Context, fn func(ctx context.Context, repos message.Repositories) error) error {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("tx.begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			u.rollback(ctx, tx)
			panic(p)
		}
		u.rollback(ctx, tx)
	}()

	if err := fn(ctx, NewRepositories(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("tx.commit", err)
	}
	committed = true
	return nil
}

func (u *UnitOfWork) rollback(ctx context.Context, tx pgx.Tx) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := tx.Rollback(rbCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		u.logger.Warn().Err(err).Msg("transaction rollback failed")
	}
}

// Repositories binds every repository to one querier.
type Repositories struct {
	messages     *MessageRepository
	participants *ParticipantRepository
	reviews      *ReviewRepository
	audit        *AuditRepository
}

func NewRepositories(q Querier) *Repositories {
	participants := NewParticipantRepository(q)
	return &Repositories{
		messages:     NewMessageRepository(q, participants),
		participants: participants,
		reviews:      NewReviewRepository(q),
		audit:        NewAuditRepository(q),
	}
}

func (r *Repositories) Messages() message.Repository                { return r.messages }
func (r *Repositories) Participants() message.ParticipantRepository { return r.participants }
func (r *Repositories) Reviews() message.ReviewRepository           { return r.reviews }
func (r *Repositories) Audit() message.AuditRepository              { return r.audit }
