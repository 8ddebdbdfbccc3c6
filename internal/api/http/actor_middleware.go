package httpapi

import (
	"net/http"

	domainMessage "github.com/outbound-hub/outbound-hub/internal/domain/message"
)

func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromHeaders(r)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func requireActorType(types ...domainMessage.ActorType) func(http.Handler) http.Handler {
	allowed := make(map[domainMessage.ActorType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := actorFromContext(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing actor")
				return
			}
			if _, ok := allowed[actor.Type]; !ok {
				respondError(w, http.StatusForbidden, "FORBIDDEN", "actor type not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
