package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainMessage "github.com/outbound-hub/outbound-hub/internal/domain/message"
)

const (
	DefaultMaxAttempts = 3
	defaultListLimit   = 50
	maxListLimit       = 200
)

// Metrics receives engine telemetry.
type Metrics interface {
	MessageCreated(channel string, wasCreated bool)
	ReviewDecided(decision string)
	ClaimAttempted(claimed bool)
	DeliveryReported(outcome string)
	MessageCanceled()
	PersistenceFailed(op string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) MessageCreated(string, bool) {}
func (NopMetrics) ReviewDecided(string)        {}
func (NopMetrics) ClaimAttempted(bool)         {}
func (NopMetrics) DeliveryReported(string)     {}
func (NopMetrics) MessageCanceled()            {}
func (NopMetrics) PersistenceFailed(string)    {}

// CreateInput is a create request. ReplyToMessageID is the only thread input;
// the thread headers are always derived from the target.
type CreateInput struct {
	Channel            string
	RequiresApproval   bool
	ContentSource      domainMessage.ContentSource
	Subject            *string
	TextBody           *string
	HTMLBody           *string
	TemplateKey        *string
	TemplateVersion    *int
	TemplateResolvedAt *time.Time
	TemplateVariables  json.RawMessage
	IdempotencyKey     *string
	ReplyToMessageID   *uuid.UUID
	Participants       []domainMessage.ParticipantSpec
}

func (in CreateInput) spec() domainMessage.CreateSpec {
	return domainMessage.CreateSpec{
		Channel:            in.Channel,
		RequiresApproval:   in.RequiresApproval,
		ContentSource:      in.ContentSource,
		Subject:            in.Subject,
		TextBody:           in.TextBody,
		HTMLBody:           in.HTMLBody,
		TemplateKey:        in.TemplateKey,
		TemplateVersion:    in.TemplateVersion,
		TemplateResolvedAt: in.TemplateResolvedAt,
		TemplateVariables:  in.TemplateVariables,
		IdempotencyKey:     in.IdempotencyKey,
		Participants:       in.Participants,
	}
}

// CreateResult reports the message and whether this call created it.
type CreateResult struct {
	Message    *domainMessage.Message
	WasCreated bool
}

// Service runs the message lifecycle protocols, each inside one unit of work.
type Service struct {
	uow         domainMessage.UnitOfWork
	metrics     Metrics
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger
}

// NewService creates a message service. maxAttempts <= 0 falls back to DefaultMaxAttempts.
func NewService(uow domainMessage.UnitOfWork, metrics Metrics, maxAttempts int, logger zerolog.Logger) *Service {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{
		uow:         uow,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With().Str("service", "message").Logger(),
	}
}

// Create resolves reply threading and inserts the message, or returns the
// message already stored under the same idempotency key. Participants and the
// creation audit event are written only by the call that inserted the row.
func (s *Service) Create(ctx context.Context, in CreateInput, actor domainMessage.Actor) (*CreateResult, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	spec := in.spec()
	// fail fast on malformed input before opening a transaction
	if _, err := domainMessage.New(spec); err != nil {
		return nil, err
	}

	var result *CreateResult
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		thread, err := resolveReplyThread(ctx, repos.Messages(), in.ReplyToMessageID)
		if err != nil {
			return err
		}
		spec.Thread = thread
		draft, err := domainMessage.New(spec)
		if err != nil {
			return err
		}

		res, err := repos.Messages().InsertOrGet(ctx, draft)
		if err != nil {
			return err
		}
		if !res.WasCreated {
			result = &CreateResult{Message: res.Message}
			return nil
		}

		stored := res.Message
		participants, err := repos.Participants().InsertAll(ctx, draft.ParticipantsFor(stored.ID()))
		if err != nil {
			return err
		}
		m, err := domainMessage.Rehydrate(stored.State(), participants)
		if err != nil {
			return err
		}

		to := m.Status()
		meta := map[string]interface{}{
			"channel":          m.Channel(),
			"requiresApproval": in.RequiresApproval,
			"participants":     len(participants),
		}
		if key := m.IdempotencyKey(); key != nil {
			meta["idempotencyKey"] = *key
		}
		if replyTo := m.ReplyToMessageID(); replyTo != nil {
			meta["replyToMessageId"] = replyTo.String()
		}
		ev, err := domainMessage.NewAuditEvent(domainMessage.EventCreated, m.ID(), nil, &to, actor, m.CreatedAt(), meta)
		if err != nil {
			return err
		}
		if err := repos.Audit().Append(ctx, ev); err != nil {
			return err
		}

		result = &CreateResult{Message: m, WasCreated: true}
		return nil
	})
	if err != nil {
		return nil, s.fail("create", uuid.Nil, err)
	}

	s.metrics.MessageCreated(result.Message.Channel(), result.WasCreated)
	s.logger.Info().
		Str("messageId", result.Message.ID().String()).
		Str("status", string(result.Message.Status())).
		Bool("wasCreated", result.WasCreated).
		Str("actor", actor.String()).
		Msg("message create")
	return result, nil
}

// Approve records a human approval. decidedAt defaults to now.
func (s *Service) Approve(ctx context.Context, messageID uuid.UUID, decidedBy string, actor domainMessage.Actor, notes *string, decidedAt *time.Time) (*domainMessage.Message, error) {
	return s.review(ctx, domainMessage.DecisionApproved, messageID, decidedBy, actor, notes, decidedAt)
}

// Reject records a human rejection. decidedAt defaults to now.
func (s *Service) Reject(ctx context.Context, messageID uuid.UUID, decidedBy string, actor domainMessage.Actor, notes *string, decidedAt *time.Time) (*domainMessage.Message, error) {
	return s.review(ctx, domainMessage.DecisionRejected, messageID, decidedBy, actor, notes, decidedAt)
}

func (s *Service) review(ctx context.Context, decision domainMessage.Decision, messageID uuid.UUID, decidedBy string, actor domainMessage.Actor, notes *string, decidedAt *time.Time) (*domainMessage.Message, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	at := s.now()
	if decidedAt != nil {
		at = decidedAt.UTC()
	}

	var out *domainMessage.Message
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		m, err := lockMessage(ctx, repos, messageID)
		if err != nil {
			return err
		}

		var res *domainMessage.DecisionResult
		eventType := domainMessage.EventApproved
		if decision == domainMessage.DecisionApproved {
			res, err = m.Approve(uuid.New(), decidedBy, at, notes, actor.Type)
		} else {
			eventType = domainMessage.EventRejected
			res, err = m.Reject(uuid.New(), decidedBy, at, notes, actor.Type)
		}
		if err != nil {
			return err
		}

		if err := repos.Messages().UpdateState(ctx, m); err != nil {
			return err
		}
		if err := repos.Reviews().Insert(ctx, res.Review); err != nil {
			return err
		}
		meta := map[string]interface{}{
			"reviewId":  res.Review.ID.String(),
			"decidedBy": res.Review.DecidedBy,
		}
		if notes != nil {
			meta["notes"] = *notes
		}
		ev, err := domainMessage.AuditEventForTransition(eventType, res.Transition, actor, meta)
		if err != nil {
			return err
		}
		if err := repos.Audit().Append(ctx, ev); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, s.fail("review", messageID, err)
	}

	s.metrics.ReviewDecided(string(decision))
	s.logger.Info().
		Str("messageId", messageID.String()).
		Str("decision", string(decision)).
		Str("actor", actor.String()).
		Msg("message reviewed")
	return out, nil
}

// ClaimNextApproved moves the oldest unlocked APPROVED message to SENDING for
// workerID. The bool is false when nothing is available.
func (s *Service) ClaimNextApproved(ctx context.Context, workerID string) (*domainMessage.Message, bool, error) {
	worker := strings.TrimSpace(workerID)
	if worker == "" {
		return nil, false, domainMessage.NewValidationError(domainMessage.CodeWorkerIDRequired, "workerId", "worker id is required")
	}

	var claimed *domainMessage.Message
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		m, err := repos.Messages().LockNextApproved(ctx)
		if err != nil || m == nil {
			return err
		}
		if _, err := m.StartSending(worker, s.now()); err != nil {
			return err
		}
		if err := repos.Messages().UpdateState(ctx, m); err != nil {
			return err
		}
		claimed = m
		return nil
	})
	if err != nil {
		return nil, false, s.fail("claim", uuid.Nil, err)
	}

	s.metrics.ClaimAttempted(claimed != nil)
	if claimed == nil {
		return nil, false, nil
	}
	s.logger.Debug().
		Str("messageId", claimed.ID().String()).
		Str("workerId", worker).
		Msg("message claimed")
	return claimed, true, nil
}

// RecordSendSuccess marks a message the worker holds as delivered.
func (s *Service) RecordSendSuccess(ctx context.Context, messageID uuid.UUID, workerID string, smtpMessageID *string) (*domainMessage.Message, error) {
	worker := strings.TrimSpace(workerID)
	if worker == "" {
		return nil, domainMessage.NewValidationError(domainMessage.CodeWorkerIDRequired, "workerId", "worker id is required")
	}
	actor := domainMessage.Actor{Type: domainMessage.ActorWorker, ID: worker}

	var out *domainMessage.Message
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		m, err := lockMessage(ctx, repos, messageID)
		if err != nil {
			return err
		}
		if err := m.EnsureClaimedBy(worker); err != nil {
			return err
		}
		tr, err := m.RecordSendSuccess(s.now(), smtpMessageID)
		if err != nil {
			return err
		}
		if err := repos.Messages().UpdateState(ctx, m); err != nil {
			return err
		}
		meta := map[string]interface{}{"attempt": m.AttemptCount()}
		if id := m.SMTPMessageID(); id != nil {
			meta["smtpMessageId"] = *id
		}
		ev, err := domainMessage.AuditEventForTransition(domainMessage.EventSent, tr, actor, meta)
		if err != nil {
			return err
		}
		if err := repos.Audit().Append(ctx, ev); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, s.fail("send_success", messageID, err)
	}

	s.metrics.DeliveryReported("sent")
	s.logger.Info().
		Str("messageId", messageID.String()).
		Str("workerId", worker).
		Int("attempt", out.AttemptCount()).
		Msg("message sent")
	return out, nil
}

// RecordSendFailure counts a failed attempt. The message is requeued as
// APPROVED until the configured attempt limit, then FAILED.
func (s *Service) RecordSendFailure(ctx context.Context, messageID uuid.UUID, workerID, reason string) (*domainMessage.Message, error) {
	worker := strings.TrimSpace(workerID)
	if worker == "" {
		return nil, domainMessage.NewValidationError(domainMessage.CodeWorkerIDRequired, "workerId", "worker id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, domainMessage.NewValidationError(domainMessage.CodeFailureReasonRequired, "reason", "failure reason is required")
	}
	actor := domainMessage.Actor{Type: domainMessage.ActorWorker, ID: worker}

	var out *domainMessage.Message
	var outcome string
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		m, err := lockMessage(ctx, repos, messageID)
		if err != nil {
			return err
		}
		if err := m.EnsureClaimedBy(worker); err != nil {
			return err
		}
		tr, err := m.RecordSendAttemptFailure(s.maxAttempts, reason, s.now())
		if err != nil {
			return err
		}
		if err := repos.Messages().UpdateState(ctx, m); err != nil {
			return err
		}

		eventType, result := domainMessage.EventRequeued, "requeued"
		if tr.To == domainMessage.StatusFailed {
			eventType, result = domainMessage.EventSendFailed, "failed"
		}
		meta := map[string]interface{}{
			"attempt":     m.AttemptCount(),
			"maxAttempts": s.maxAttempts,
			"reason":      strings.TrimSpace(reason),
		}
		ev, err := domainMessage.AuditEventForTransition(eventType, tr, actor, meta)
		if err != nil {
			return err
		}
		if err := repos.Audit().Append(ctx, ev); err != nil {
			return err
		}
		out, outcome = m, result
		return nil
	})
	if err != nil {
		return nil, s.fail("send_failure", messageID, err)
	}

	s.metrics.DeliveryReported(outcome)
	s.logger.Warn().
		Str("messageId", messageID.String()).
		Str("workerId", worker).
		Int("attempt", out.AttemptCount()).
		Str("status", string(out.Status())).
		Str("reason", reason).
		Msg("message delivery attempt failed")
	return out, nil
}

// Cancel moves a non-terminal message to CANCELED.
func (s *Service) Cancel(ctx context.Context, messageID uuid.UUID, actor domainMessage.Actor, reason *string) (*domainMessage.Message, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	var out *domainMessage.Message
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		m, err := lockMessage(ctx, repos, messageID)
		if err != nil {
			return err
		}
		tr, err := m.Cancel(s.now())
		if err != nil {
			return err
		}
		if err := repos.Messages().UpdateState(ctx, m); err != nil {
			return err
		}
		var meta map[string]interface{}
		if reason != nil && strings.TrimSpace(*reason) != "" {
			meta = map[string]interface{}{"reason": strings.TrimSpace(*reason)}
		}
		ev, err := domainMessage.AuditEventForTransition(domainMessage.EventCanceled, tr, actor, meta)
		if err != nil {
			return err
		}
		if err := repos.Audit().Append(ctx, ev); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, s.fail("cancel", messageID, err)
	}

	s.metrics.MessageCanceled()
	s.logger.Info().
		Str("messageId", messageID.String()).
		Str("actor", actor.String()).
		Msg("message canceled")
	return out, nil
}

// GetByID returns the message or ErrNotFound.
func (s *Service) GetByID(ctx context.Context, messageID uuid.UUID) (*domainMessage.Message, error) {
	var out *domainMessage.Message
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		m, err := repos.Messages().GetByID(ctx, messageID)
		if err != nil {
			return err
		}
		if m == nil {
			return notFound(messageID)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, s.fail("get", messageID, err)
	}
	return out, nil
}

// List returns messages newest first.
func (s *Service) List(ctx context.Context, filter domainMessage.Filter, limit, offset int) ([]*domainMessage.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var out []*domainMessage.Message
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		items, err := repos.Messages().List(ctx, filter, limit, offset)
		if err != nil {
			return err
		}
		out = items
		return nil
	})
	if err != nil {
		return nil, s.fail("list", uuid.Nil, err)
	}
	return out, nil
}

// AuditTrail returns the audit events of a message in the order they happened.
func (s *Service) AuditTrail(ctx context.Context, messageID uuid.UUID) ([]*domainMessage.AuditEvent, error) {
	var out []*domainMessage.AuditEvent
	err := s.uow.Within(ctx, func(ctx context.Context, repos domainMessage.Repositories) error {
		m, err := repos.Messages().GetByID(ctx, messageID)
		if err != nil {
			return err
		}
		if m == nil {
			return notFound(messageID)
		}
		events, err := repos.Audit().ListByMessage(ctx, messageID)
		if err != nil {
			return err
		}
		out = events
		return nil
	})
	if err != nil {
		return nil, s.fail("audit_trail", messageID, err)
	}
	return out, nil
}

func lockMessage(ctx context.Context, repos domainMessage.Repositories, messageID uuid.UUID) (*domainMessage.Message, error) {
	m, err := repos.Messages().GetByIDForUpdate(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound(messageID)
	}
	return m, nil
}

func notFound(messageID uuid.UUID) error {
	return fmt.Errorf("%w: %s", domainMessage.ErrNotFound, messageID)
}

// fail logs store failures with the driver detail the error itself hides.
func (s *Service) fail(op string, messageID uuid.UUID, err error) error {
	var pe *domainMessage.PersistenceError
	if errors.As(err, &pe) {
		s.metrics.PersistenceFailed(pe.Op)
		evt := s.logger.Error().Err(pe.Err).Str("op", op).Str("storeOp", pe.Op)
		if messageID != uuid.Nil {
			evt = evt.Str("messageId", messageID.String())
		}
		evt.Msg("message store failure")
	}
	return err
}
