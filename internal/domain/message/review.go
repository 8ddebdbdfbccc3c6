package message

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of a human review.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Review records the single review decision a message may receive.
type Review struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"messageId"`
	Decision  Decision  `json:"decision"`
	DecidedBy string    `json:"decidedBy"`
	DecidedAt time.Time `json:"decidedAt"`
	Notes     *string   `json:"notes,omitempty"`
}

// Transition describes one validated status change applied to the aggregate.
type Transition struct {
	MessageID uuid.UUID
	From      Status
	To        Status
	At        time.Time
}

// DecisionResult is returned by Approve and Reject.
type DecisionResult struct {
	Review     *Review
	Transition *Transition
}
