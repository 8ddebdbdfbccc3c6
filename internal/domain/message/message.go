package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxChannelLength        = 50
	MaxIdempotencyKeyLength = 128
)

// ContentSource says where the message body comes from.
type ContentSource string

const (
	ContentDirect   ContentSource = "DIRECT"
	ContentTemplate ContentSource = "TEMPLATE"
)

// ParticipantRole is the header a participant address appears in.
type ParticipantRole string

const (
	RoleSender  ParticipantRole = "SENDER"
	RoleTo      ParticipantRole = "TO"
	RoleCc      ParticipantRole = "CC"
	RoleBcc     ParticipantRole = "BCC"
	RoleReplyTo ParticipantRole = "REPLY_TO"
)

func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleSender, RoleTo, RoleCc, RoleBcc, RoleReplyTo:
		return true
	}
	return false
}

// Participant is an address attached to a message. It is owned by exactly one message.
type Participant struct {
	ID          uuid.UUID       `json:"id"`
	MessageID   uuid.UUID       `json:"messageId"`
	Role        ParticipantRole `json:"role"`
	Address     string          `json:"address"`
	DisplayName *string         `json:"displayName,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ParticipantSpec is the caller-supplied part of a participant.
type ParticipantSpec struct {
	Role        ParticipantRole
	Address     string
	DisplayName *string
}

// ReplyThread links a message to a previously sent one. Either all of it is
// present or none of it.
type ReplyThread struct {
	ReplyToMessageID uuid.UUID
	InReplyTo        string
	ReferencesHeader string
}

// CreateSpec holds everything needed to build a new message.
type CreateSpec struct {
	Channel            string
	RequiresApproval   bool
	ContentSource      ContentSource
	Subject            *string
	TextBody           *string
	HTMLBody           *string
	TemplateKey        *string
	TemplateVersion    *int
	TemplateResolvedAt *time.Time
	TemplateVariables  json.RawMessage
	IdempotencyKey     *string
	Thread             *ReplyThread
	Participants       []ParticipantSpec
}

// State is the flat persisted representation of a message. Repositories read
// and write it; nothing else should build one by hand.
type State struct {
	ID                 uuid.UUID       `json:"id"`
	Channel            string          `json:"channel"`
	Status             Status          `json:"status"`
	ContentSource      ContentSource   `json:"contentSource"`
	Subject            *string         `json:"subject,omitempty"`
	TextBody           *string         `json:"textBody,omitempty"`
	HTMLBody           *string         `json:"htmlBody,omitempty"`
	TemplateKey        *string         `json:"templateKey,omitempty"`
	TemplateVersion    *int            `json:"templateVersion,omitempty"`
	TemplateResolvedAt *time.Time      `json:"templateResolvedAt,omitempty"`
	TemplateVariables  json.RawMessage `json:"templateVariables,omitempty"`
	IdempotencyKey     *string         `json:"idempotencyKey,omitempty"`
	ClaimedBy          *string         `json:"claimedBy,omitempty"`
	ClaimedAt          *time.Time      `json:"claimedAt,omitempty"`
	SentAt             *time.Time      `json:"sentAt,omitempty"`
	FailureReason      *string         `json:"failureReason,omitempty"`
	AttemptCount       int             `json:"attemptCount"`
	ReplyToMessageID   *uuid.UUID      `json:"replyToMessageId,omitempty"`
	InReplyTo          *string         `json:"inReplyTo,omitempty"`
	ReferencesHeader   *string         `json:"referencesHeader,omitempty"`
	SMTPMessageID      *string         `json:"smtpMessageId,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Message is the aggregate root. Fields are only changed through its methods.
type Message struct {
	state        State
	participants []Participant
}

// New builds a message that has not been persisted yet. Its id is uuid.Nil and
// its timestamps are zero until the store assigns them.
func New(spec CreateSpec) (*Message, error) {
	channel := strings.TrimSpace(spec.Channel)
	if channel == "" {
		return nil, NewValidationError(CodeChannelRequired, "channel", "channel is required")
	}
	if utf8.RuneCountInString(channel) > MaxChannelLength {
		return nil, NewValidationError(CodeChannelTooLong, "channel", fmt.Sprintf("channel must be at most %d characters", MaxChannelLength))
	}

	key, err := normalizeIdempotencyKey(spec.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	templateKey := trimmedOrNil(spec.TemplateKey)
	switch spec.ContentSource {
	case ContentTemplate:
		if templateKey == nil {
			return nil, NewValidationError(CodeTemplateKeyRequired, "templateKey", "template content requires a template key")
		}
	case ContentDirect:
		if templateKey != nil {
			return nil, NewValidationError(CodeTemplateKeyNotAllowed, "templateKey", "direct content must not carry a template key")
		}
	default:
		return nil, NewValidationError(CodeContentSource, "contentSource", "content source must be DIRECT or TEMPLATE")
	}

	vars, ok := normalizeJSON(spec.TemplateVariables)
	if !ok {
		return nil, NewValidationError(CodeTemplateVariables, "templateVariables", "template variables must be valid JSON")
	}

	participants := make([]Participant, 0, len(spec.Participants))
	for i, p := range spec.Participants {
		field := fmt.Sprintf("participants[%d]", i)
		if !p.Role.Valid() {
			return nil, NewValidationError(CodeParticipantRole, field+".role", "unknown participant role "+string(p.Role))
		}
		addr := strings.TrimSpace(p.Address)
		if addr == "" {
			return nil, NewValidationError(CodeParticipantAddress, field+".address", "participant address is required")
		}
		participants = append(participants, Participant{
			MessageID:   uuid.Nil,
			Role:        p.Role,
			Address:     addr,
			DisplayName: trimmedOrNil(p.DisplayName),
		})
	}

	st := State{
		ID:                 uuid.Nil,
		Channel:            channel,
		Status:             InitialStatus(spec.RequiresApproval),
		ContentSource:      spec.ContentSource,
		Subject:            clonePtr(spec.Subject),
		TextBody:           clonePtr(spec.TextBody),
		HTMLBody:           clonePtr(spec.HTMLBody),
		TemplateKey:        templateKey,
		TemplateVersion:    clonePtr(spec.TemplateVersion),
		TemplateResolvedAt: clonePtr(spec.TemplateResolvedAt),
		TemplateVariables:  vars,
		IdempotencyKey:     key,
	}
	if spec.Thread != nil {
		replyTo := spec.Thread.ReplyToMessageID
		inReplyTo := spec.Thread.InReplyTo
		refs := spec.Thread.ReferencesHeader
		st.ReplyToMessageID = &replyTo
		st.InReplyTo = &inReplyTo
		st.ReferencesHeader = &refs
	}

	return &Message{state: st, participants: participants}, nil
}

// Rehydrate rebuilds a message from persisted state. Every participant must
// belong to the message.
func Rehydrate(st State, participants []Participant) (*Message, error) {
	if !st.Status.Valid() {
		return nil, NewValidationError(CodeInvalidStatus, "status", "unknown status "+string(st.Status))
	}
	owned := make([]Participant, len(participants))
	for i, p := range participants {
		if p.MessageID != st.ID {
			return nil, NewValidationError(CodeParticipantOwner, fmt.Sprintf("participants[%d].messageId", i),
				fmt.Sprintf("participant %s belongs to %s, not %s", p.ID, p.MessageID, st.ID))
		}
		owned[i] = p
		owned[i].DisplayName = clonePtr(p.DisplayName)
	}
	return &Message{state: st.clone(), participants: owned}, nil
}

func normalizeIdempotencyKey(key *string) (*string, error) {
	if key == nil {
		return nil, nil
	}
	k := strings.TrimSpace(*key)
	if k == "" {
		return nil, NewValidationError(CodeIdempotencyKeyEmpty, "idempotencyKey", "idempotency key must not be blank")
	}
	if utf8.RuneCountInString(k) > MaxIdempotencyKeyLength {
		return nil, NewValidationError(CodeIdempotencyKeyTooLong, "idempotencyKey", fmt.Sprintf("idempotency key must be at most %d characters", MaxIdempotencyKeyLength))
	}
	return &k, nil
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func (m *Message) ID() uuid.UUID                { return m.state.ID }
func (m *Message) Status() Status               { return m.state.Status }
func (m *Message) Channel() string              { return m.state.Channel }
func (m *Message) ContentSource() ContentSource { return m.state.ContentSource }
func (m *Message) IdempotencyKey() *string      { return clonePtr(m.state.IdempotencyKey) }
func (m *Message) AttemptCount() int            { return m.state.AttemptCount }
func (m *Message) ClaimedBy() *string           { return clonePtr(m.state.ClaimedBy) }
func (m *Message) ClaimedAt() *time.Time        { return clonePtr(m.state.ClaimedAt) }
func (m *Message) SentAt() *time.Time           { return clonePtr(m.state.SentAt) }
func (m *Message) FailureReason() *string       { return clonePtr(m.state.FailureReason) }
func (m *Message) ReplyToMessageID() *uuid.UUID { return clonePtr(m.state.ReplyToMessageID) }
func (m *Message) InReplyTo() *string           { return clonePtr(m.state.InReplyTo) }
func (m *Message) ReferencesHeader() *string    { return clonePtr(m.state.ReferencesHeader) }
func (m *Message) SMTPMessageID() *string       { return clonePtr(m.state.SMTPMessageID) }
func (m *Message) CreatedAt() time.Time         { return m.state.CreatedAt }
func (m *Message) UpdatedAt() time.Time         { return m.state.UpdatedAt }

// IsPersisted reports whether the store has assigned an id and timestamps.
func (m *Message) IsPersisted() bool {
	return m.state.ID != uuid.Nil && !m.state.CreatedAt.IsZero()
}

// TemplateVariables returns a copy of the template variables document.
func (m *Message) TemplateVariables() json.RawMessage {
	return cloneJSON(m.state.TemplateVariables)
}

// Participants returns a copy of the participant list.
func (m *Message) Participants() []Participant {
	out := make([]Participant, len(m.participants))
	for i, p := range m.participants {
		out[i] = p
		out[i].DisplayName = clonePtr(p.DisplayName)
	}
	return out
}

// State returns a copy of the persisted representation.
func (m *Message) State() State {
	return m.state.clone()
}

// clone copies st with no pointer or slice shared with the original.
func (st State) clone() State {
	st.Subject = clonePtr(st.Subject)
	st.TextBody = clonePtr(st.TextBody)
	st.HTMLBody = clonePtr(st.HTMLBody)
	st.TemplateKey = clonePtr(st.TemplateKey)
	st.TemplateVersion = clonePtr(st.TemplateVersion)
	st.TemplateResolvedAt = clonePtr(st.TemplateResolvedAt)
	st.TemplateVariables = cloneJSON(st.TemplateVariables)
	st.IdempotencyKey = clonePtr(st.IdempotencyKey)
	st.ClaimedBy = clonePtr(st.ClaimedBy)
	st.ClaimedAt = clonePtr(st.ClaimedAt)
	st.SentAt = clonePtr(st.SentAt)
	st.FailureReason = clonePtr(st.FailureReason)
	st.ReplyToMessageID = clonePtr(st.ReplyToMessageID)
	st.InReplyTo = clonePtr(st.InReplyTo)
	st.ReferencesHeader = clonePtr(st.ReferencesHeader)
	st.SMTPMessageID = clonePtr(st.SMTPMessageID)
	return st
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ParticipantsFor returns the participants re-bound to a store-assigned message id.
func (m *Message) ParticipantsFor(messageID uuid.UUID) []Participant {
	out := m.Participants()
	for i := range out {
		out[i].MessageID = messageID
	}
	return out
}

// MarshalJSON renders the message with its participants.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State
		Participants []Participant `json:"participants"`
	}{State: m.State(), Participants: m.Participants()})
}

// transition validates and applies a status change. updatedAt is monotonic.
func (m *Message) transition(to Status, at time.Time) (*Transition, error) {
	if err := ValidateTransition(m.state.Status, to); err != nil {
		return nil, err
	}
	at = at.UTC()
	if !at.After(m.state.UpdatedAt) {
		at = m.state.UpdatedAt.Add(time.Microsecond)
	}
	tr := &Transition{MessageID: m.state.ID, From: m.state.Status, To: to, At: at}
	m.state.Status = to
	m.state.UpdatedAt = at
	return tr, nil
}

// Approve records a human approval of a pending message.
func (m *Message) Approve(reviewID uuid.UUID, decidedBy string, decidedAt time.Time, notes *string, actorType ActorType) (*DecisionResult, error) {
	return m.decide(DecisionApproved, reviewID, decidedBy, decidedAt, notes, actorType)
}

// Reject records a human rejection of a pending message.
func (m *Message) Reject(reviewID uuid.UUID, decidedBy string, decidedAt time.Time, notes *string, actorType ActorType) (*DecisionResult, error) {
	return m.decide(DecisionRejected, reviewID, decidedBy, decidedAt, notes, actorType)
}

func (m *Message) decide(decision Decision, reviewID uuid.UUID, decidedBy string, decidedAt time.Time, notes *string, actorType ActorType) (*DecisionResult, error) {
	action, target := "approve", StatusApproved
	if decision == DecisionRejected {
		action, target = "reject", StatusRejected
	}
	if actorType != ActorHuman {
		return nil, &RuleViolationError{
			Rule:    RuleApproval,
			Message: fmt.Sprintf("%s requires a human actor, got %s", action, actorType),
		}
	}
	if m.state.Status != StatusPendingApproval {
		return nil, &RuleViolationError{
			Rule:    RuleApproval,
			Message: fmt.Sprintf("cannot %s message in status %s", action, m.state.Status),
		}
	}
	by := strings.TrimSpace(decidedBy)
	if by == "" {
		return nil, NewValidationError(CodeDecidedByRequired, "decidedBy", "decidedBy is required")
	}
	tr, err := m.transition(target, decidedAt)
	if err != nil {
		return nil, err
	}
	return &DecisionResult{
		Review: &Review{
			ID:        reviewID,
			MessageID: m.state.ID,
			Decision:  decision,
			DecidedBy: by,
			DecidedAt: tr.At,
			Notes:     clonePtr(notes),
		},
		Transition: tr,
	}, nil
}

// StartSending claims the message for a delivery worker. The attempt count is
// not touched; it counts delivery attempts, not claims.
func (m *Message) StartSending(claimedBy string, claimedAt time.Time) (*Transition, error) {
	worker := strings.TrimSpace(claimedBy)
	if worker == "" {
		return nil, NewValidationError(CodeWorkerIDRequired, "claimedBy", "worker id is required")
	}
	if err := m.EnsureSendable(); err != nil {
		return nil, err
	}
	tr, err := m.transition(StatusSending, claimedAt)
	if err != nil {
		return nil, err
	}
	at := tr.At
	m.state.ClaimedBy = &worker
	m.state.ClaimedAt = &at
	return tr, nil
}

// RecordSendSuccess marks a claimed message as delivered. smtpMessageID is the
// identifier the provider assigned, if any.
func (m *Message) RecordSendSuccess(sentAt time.Time, smtpMessageID *string) (*Transition, error) {
	tr, err := m.transition(StatusSent, sentAt)
	if err != nil {
		return nil, err
	}
	at := tr.At
	m.state.AttemptCount++
	m.state.SentAt = &at
	m.state.FailureReason = nil
	if id := trimmedOrNil(smtpMessageID); id != nil {
		m.state.SMTPMessageID = id
	}
	return tr, nil
}

// RecordSendAttemptFailure counts a failed delivery attempt. Below maxAttempts
// the message goes back to APPROVED for another claim, otherwise it is FAILED.
func (m *Message) RecordSendAttemptFailure(maxAttempts int, reason string, failedAt time.Time) (*Transition, error) {
	if maxAttempts <= 0 {
		return nil, NewValidationError(CodeMaxAttemptsInvalid, "maxAttempts", "maxAttempts must be greater than zero")
	}
	if m.state.Status != StatusSending {
		return nil, &InvalidTransitionError{From: m.state.Status, To: StatusFailed}
	}
	attempts := m.state.AttemptCount + 1
	target := StatusFailed
	if attempts < maxAttempts {
		target = StatusApproved
	}
	tr, err := m.transition(target, failedAt)
	if err != nil {
		return nil, err
	}
	m.state.AttemptCount = attempts
	if r := strings.TrimSpace(reason); r != "" {
		m.state.FailureReason = &r
	}
	if target == StatusApproved {
		m.state.ClaimedBy = nil
		m.state.ClaimedAt = nil
	}
	return tr, nil
}

// Cancel moves any non-terminal message to CANCELED.
func (m *Message) Cancel(canceledAt time.Time) (*Transition, error) {
	return m.transition(StatusCanceled, canceledAt)
}

// EnsureSendable fails unless the message may be claimed.
func (m *Message) EnsureSendable() error {
	if !m.state.Status.IsSendable() {
		return &RuleViolationError{
			Rule:    RuleSendable,
			Message: fmt.Sprintf("message %s is %s, not %s", m.state.ID, m.state.Status, StatusApproved),
			Err:     ErrNotSendable,
		}
	}
	return nil
}

// EnsureIsTerminal fails unless the message has reached a terminal status.
func (m *Message) EnsureIsTerminal() error {
	if !m.state.Status.IsTerminal() {
		return &RuleViolationError{
			Rule:    RuleTerminal,
			Message: fmt.Sprintf("message %s is still %s", m.state.ID, m.state.Status),
			Err:     ErrNotTerminal,
		}
	}
	return nil
}

// EnsureClaimedBy fails unless workerID holds the current claim.
func (m *Message) EnsureClaimedBy(workerID string) error {
	if m.state.ClaimedBy == nil || *m.state.ClaimedBy != workerID {
		return &RuleViolationError{
			Rule:    RuleClaimMismatch,
			Message: fmt.Sprintf("message %s is not claimed by %s", m.state.ID, workerID),
		}
	}
	return nil
}

// IsValidReplyTarget reports whether a reply may thread onto this message.
func (m *Message) IsValidReplyTarget() bool {
	return m.state.Status == StatusSent && m.state.SMTPMessageID != nil
}
