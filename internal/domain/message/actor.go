package message

import "strings"

// ActorType identifies what kind of principal performed an operation.
type ActorType string

const (
	ActorHuman  ActorType = "HUMAN"
	ActorWorker ActorType = "WORKER"
	ActorSystem ActorType = "SYSTEM"
)

// Valid reports whether t is a known actor type.
func (t ActorType) Valid() bool {
	switch t {
	case ActorHuman, ActorWorker, ActorSystem:
		return true
	}
	return false
}

// ParseActorType parses an actor type case-insensitively.
func ParseActorType(v string) (ActorType, error) {
	t := ActorType(strings.ToUpper(strings.TrimSpace(v)))
	if !t.Valid() {
		return "", NewValidationError(CodeInvalidActorType, "actorType", "unknown actor type "+v)
	}
	return t, nil
}

// Actor is the principal on whose behalf a mutating operation runs.
// Authentication happens upstream; the engine trusts these values.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Validate checks the actor is usable for audit attribution.
func (a Actor) Validate() error {
	if !a.Type.Valid() {
		return NewValidationError(CodeInvalidActorType, "actorType", "unknown actor type "+string(a.Type))
	}
	if strings.TrimSpace(a.ID) == "" {
		return NewValidationError(CodeActorIDRequired, "actorId", "actor id is required")
	}
	return nil
}

// String renders the actor as type:id.
func (a Actor) String() string {
	return strings.ToLower(string(a.Type)) + ":" + a.ID
}
