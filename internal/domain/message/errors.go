package message

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrConflict is returned when the store rejects a write on a uniqueness constraint.
	ErrConflict = errors.New("message conflict")
	// ErrNotSendable is the rule violated when a message is not eligible for claim.
	ErrNotSendable = errors.New("message is not sendable")
	// ErrNotTerminal is the rule violated when a message is still in flight.
	ErrNotTerminal = errors.New("message is not in a terminal status")
)

// Validation codes.
const (
	CodeIdempotencyKeyEmpty    = "IDEMPOTENCY_KEY_EMPTY"
	CodeIdempotencyKeyTooLong  = "IDEMPOTENCY_KEY_TOO_LONG"
	CodeIdempotencyKeyMismatch = "IDEMPOTENCY_KEY_MISMATCH"
	CodeChannelRequired        = "CHANNEL_REQUIRED"
	CodeChannelTooLong         = "CHANNEL_TOO_LONG"
	CodeParticipantAddress     = "PARTICIPANT_ADDRESS_REQUIRED"
	CodeParticipantRole        = "INVALID_PARTICIPANT_ROLE"
	CodeParticipantOwner       = "PARTICIPANT_OWNER_MISMATCH"
	CodeContentSource          = "INVALID_CONTENT_SOURCE"
	CodeTemplateKeyRequired    = "TEMPLATE_KEY_REQUIRED"
	CodeTemplateKeyNotAllowed  = "TEMPLATE_KEY_NOT_ALLOWED"
	CodeTemplateVariables      = "INVALID_TEMPLATE_VARIABLES"
	CodeInvalidReplyTarget     = "INVALID_REPLY_TARGET"
	CodeInvalidStatus          = "INVALID_STATUS"
	CodeInvalidActorType       = "INVALID_ACTOR_TYPE"
	CodeActorIDRequired        = "ACTOR_ID_REQUIRED"
	CodeWorkerIDRequired       = "WORKER_ID_REQUIRED"
	CodeDecidedByRequired      = "DECIDED_BY_REQUIRED"
	CodeMaxAttemptsInvalid     = "MAX_ATTEMPTS_INVALID"
	CodeFailureReasonRequired  = "FAILURE_REASON_REQUIRED"
	CodeInvalidDecision        = "INVALID_DECISION"
)

// Rule names carried by RuleViolationError.
const (
	RuleApproval      = "APPROVAL_RULE"
	RuleSendable      = "SENDABLE"
	RuleTerminal      = "TERMINAL"
	RuleClaimMismatch = "CLAIM_MISMATCH"
)

// ValidationError reports structurally invalid input.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func NewValidationError(code, field, msg string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: msg}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("validation failed [%s] on %s: %s", e.Code, e.Field, e.Message)
}

// RuleViolationError reports valid input that breaks a business rule given current state.
type RuleViolationError struct {
	Rule    string
	Message string
	Err     error
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("%s violation: %s", e.Rule, e.Message)
}

func (e *RuleViolationError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError reports a status change not present in the lifecycle table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid message status transition: %s -> %s", e.From, e.To)
}

// PersistenceError wraps a store failure. The message never includes the
// driver error text; use errors.Unwrap to reach it for logging.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence failure: " + e.Op
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsRuleViolation reports whether err is a *RuleViolationError.
func IsRuleViolation(err error) bool {
	var target *RuleViolationError
	return errors.As(err, &target)
}

// IsInvalidTransition reports whether err is an *InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// IsPersistence reports whether err is a *PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}
