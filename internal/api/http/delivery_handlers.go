package httpapi

import (
	"net/http"
	"strings"
)

type claimRequest struct {
	WorkerID *string `json:"workerId,omitempty"`
}

type deliverySuccessRequest struct {
	WorkerID      *string `json:"workerId,omitempty"`
	SMTPMessageID *string `json:"smtpMessageId,omitempty"`
}

type deliveryFailureRequest struct {
	WorkerID *string `json:"workerId,omitempty"`
	Reason   string  `json:"reason"`
}

// workerID defaults to the calling actor's id.
func workerID(r *http.Request, requested *string) string {
	if requested != nil && strings.TrimSpace(*requested) != "" {
		return strings.TrimSpace(*requested)
	}
	actor, _ := actorFromContext(r.Context())
	return actor.ID
}

func (s *Server) claimDelivery(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	m, ok, err := s.messageSvc.ClaimNextApproved(r.Context(), workerID(r, req.WorkerID))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) reportDeliverySuccess(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "messageId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid messageId")
		return
	}
	var req deliverySuccessRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	m, err := s.messageSvc.RecordSendSuccess(r.Context(), id, workerID(r, req.WorkerID), req.SMTPMessageID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) reportDeliveryFailure(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "messageId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid messageId")
		return
	}
	var req deliveryFailureRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	m, err := s.messageSvc.RecordSendFailure(r.Context(), id, workerID(r, req.WorkerID), req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}
