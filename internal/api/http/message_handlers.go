package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	appMessage "github.com/outbound-hub/outbound-hub/internal/application/message"
	domainMessage "github.com/outbound-hub/outbound-hub/internal/domain/message"
)

type participantRequest struct {
	Role        string  `json:"role"`
	Address     string  `json:"address"`
	DisplayName *string `json:"displayName,omitempty"`
}

type createMessageRequest struct {
	Channel            string               `json:"channel"`
	RequiresApproval   bool                 `json:"requiresApproval"`
	ContentSource      string               `json:"contentSource,omitempty"`
	Subject            *string              `json:"subject,omitempty"`
	TextBody           *string              `json:"textBody,omitempty"`
	HTMLBody           *string              `json:"htmlBody,omitempty"`
	TemplateKey        *string              `json:"templateKey,omitempty"`
	TemplateVersion    *int                 `json:"templateVersion,omitempty"`
	TemplateResolvedAt *time.Time           `json:"templateResolvedAt,omitempty"`
	TemplateVariables  json.RawMessage      `json:"templateVariables,omitempty"`
	IdempotencyKey     *string              `json:"idempotencyKey,omitempty"`
	ReplyToMessageID   *uuid.UUID           `json:"replyToMessageId,omitempty"`
	Participants       []participantRequest `json:"participants"`
}

type reviewRequest struct {
	DecidedBy *string    `json:"decidedBy,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

type cancelRequest struct {
	Reason *string `json:"reason,omitempty"`
}

func (req createMessageRequest) input(headerKey string) (appMessage.CreateInput, error) {
	key := req.IdempotencyKey
	if headerKey != "" {
		if key != nil && *key != headerKey {
			return appMessage.CreateInput{}, domainMessage.NewValidationError(
				domainMessage.CodeIdempotencyKeyMismatch, "idempotencyKey", "body and Idempotency-Key header disagree")
		}
		key = &headerKey
	}

	source := domainMessage.ContentSource(strings.ToUpper(strings.TrimSpace(req.ContentSource)))
	if source == "" {
		source = domainMessage.ContentDirect
	}

	participants := make([]domainMessage.ParticipantSpec, len(req.Participants))
	for i, p := range req.Participants {
		participants[i] = domainMessage.ParticipantSpec{
			Role:        domainMessage.ParticipantRole(strings.ToUpper(strings.TrimSpace(p.Role))),
			Address:     p.Address,
			DisplayName: p.DisplayName,
		}
	}

	return appMessage.CreateInput{
		Channel:            req.Channel,
		RequiresApproval:   req.RequiresApproval,
		ContentSource:      source,
		Subject:            req.Subject,
		TextBody:           req.TextBody,
		HTMLBody:           req.HTMLBody,
		TemplateKey:        req.TemplateKey,
		TemplateVersion:    req.TemplateVersion,
		TemplateResolvedAt: req.TemplateResolvedAt,
		TemplateVariables:  req.TemplateVariables,
		IdempotencyKey:     key,
		ReplyToMessageID:   req.ReplyToMessageID,
		Participants:       participants,
	}, nil
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	in, err := req.input(strings.TrimSpace(r.Header.Get(headerIdempotencyKey)))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	actor, _ := actorFromContext(r.Context())

	res, err := s.messageSvc.Create(r.Context(), in, actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	status := http.StatusOK
	if res.WasCreated {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]interface{}{
		"message":    res.Message,
		"wasCreated": res.WasCreated,
	})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)
	filter := domainMessage.Filter{}
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := domainMessage.ParseStatus(v)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		filter.Status = &st
	}
	if v := strings.TrimSpace(r.URL.Query().Get("channel")); v != "" {
		filter.Channel = &v
	}
	items, err := s.messageSvc.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"messages": items})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "messageId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid messageId")
		return
	}
	m, err := s.messageSvc.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "messageId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid messageId")
		return
	}
	events, err := s.messageSvc.AuditTrail(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) approveMessage(w http.ResponseWriter, r *http.Request) {
	s.reviewMessage(w, r, domainMessage.DecisionApproved)
}

func (s *Server) rejectMessage(w http.ResponseWriter, r *http.Request) {
	s.reviewMessage(w, r, domainMessage.DecisionRejected)
}

func (s *Server) reviewMessage(w http.ResponseWriter, r *http.Request, decision domainMessage.Decision) {
	id, err := parseUUIDParam(r, "messageId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid messageId")
		return
	}
	var req reviewRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	actor, _ := actorFromContext(r.Context())
	decidedBy := actor.ID
	if req.DecidedBy != nil {
		decidedBy = *req.DecidedBy
	}

	var m *domainMessage.Message
	if decision == domainMessage.DecisionApproved {
		m, err = s.messageSvc.Approve(r.Context(), id, decidedBy, actor, req.Notes, req.DecidedAt)
	} else {
		m, err = s.messageSvc.Reject(r.Context(), id, decidedBy, actor, req.Notes, req.DecidedAt)
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) cancelMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "messageId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid messageId")
		return
	}
	var req cancelRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	actor, _ := actorFromContext(r.Context())
	m, err := s.messageSvc.Cancel(r.Context(), id, actor, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}
