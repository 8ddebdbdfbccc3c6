package httpapi

import (
	"errors"
	"net/http"

	domainMessage "github.com/outbound-hub/outbound-hub/internal/domain/message"
)

// respondServiceError maps engine errors onto status codes. Persistence
// failures get a generic body; the service has already logged the cause.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		verr *domainMessage.ValidationError
		rerr *domainMessage.RuleViolationError
		terr *domainMessage.InvalidTransitionError
	)
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   verr.Code,
			"field":   verr.Field,
			"message": verr.Message,
		})
	case errors.Is(err, domainMessage.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &terr):
		respondError(w, http.StatusUnprocessableEntity, "INVALID_TRANSITION", terr.Error())
	case errors.As(err, &rerr):
		respondError(w, http.StatusConflict, rerr.Rule, rerr.Message)
	case errors.Is(err, domainMessage.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", "conflicting concurrent update")
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
