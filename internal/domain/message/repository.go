package message

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,ParticipantRepository,ReviewRepository,AuditRepository,Repositories,UnitOfWork

import (
	"context"

	"github.com/google/uuid"
)

// Filter controls message listing.
type Filter struct {
	Status  *Status
	Channel *string
}

// InsertResult reports the outcome of an insert-or-fetch.
type InsertResult struct {
	Message *Message
	// WasCreated is true only for the call whose insert produced the row.
	WasCreated bool
}

// Repository persists messages. Lookups return (nil, nil) when the message does not exist.
type Repository interface {
	// InsertOrGet inserts msg, or returns the existing row holding the same
	// idempotency key without changing any of its business fields.
	InsertOrGet(ctx context.Context, msg *Message) (*InsertResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// GetByIDForUpdate loads the message holding an exclusive row lock until the transaction ends.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Message, error)
	// LockNextApproved locks the oldest APPROVED message no other transaction
	// holds, skipping locked rows. Returns (nil, nil) when none is available.
	LockNextApproved(ctx context.Context) (*Message, error)
	UpdateState(ctx context.Context, msg *Message) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Message, error)
}

// ParticipantRepository persists message participants.
type ParticipantRepository interface {
	InsertAll(ctx context.Context, participants []Participant) ([]Participant, error)
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]Participant, error)
}

// ReviewRepository persists reviews. A second review for the same message fails with ErrConflict.
type ReviewRepository interface {
	Insert(ctx context.Context, review *Review) error
	GetByMessage(ctx context.Context, messageID uuid.UUID) (*Review, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ctx context.Context, event *AuditEvent) error
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*AuditEvent, error)
}

// Repositories are bound to a single transaction.
type Repositories interface {
	Messages() Repository
	Participants() ParticipantRepository
	Reviews() ReviewRepository
	Audit() AuditRepository
}

// UnitOfWork runs fn inside one transaction. The transaction commits only when
// fn returns nil and is rolled back otherwise, including on cancellation.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
