package message

import "strings"

// Status represents the lifecycle status of a message.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusSending         Status = "SENDING"
	StatusSent            Status = "SENT"
	StatusFailed          Status = "FAILED"
	StatusCanceled        Status = "CANCELED"
)

// AllStatuses lists every lifecycle status.
var AllStatuses = []Status{
	StatusPendingApproval,
	StatusApproved,
	StatusRejected,
	StatusSending,
	StatusSent,
	StatusFailed,
	StatusCanceled,
}

var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusCanceled},
	StatusApproved:        {StatusSending, StatusCanceled},
	StatusSending:         {StatusSent, StatusFailed, StatusApproved, StatusCanceled},
	StatusRejected:        {},
	StatusSent:            {},
	StatusFailed:          {},
	StatusCanceled:        {},
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an *InvalidTransitionError when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// InitialStatus returns the status a new message starts in.
func InitialStatus(requiresApproval bool) Status {
	if requiresApproval {
		return StatusPendingApproval
	}
	return StatusApproved
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusRejected, StatusCanceled:
		return true
	}
	return false
}

// IsSendable reports whether a message in this status may be claimed.
func (s Status) IsSendable() bool {
	return s == StatusApproved
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", NewValidationError(CodeInvalidStatus, "status", "unknown status "+v)
	}
	return s, nil
}
