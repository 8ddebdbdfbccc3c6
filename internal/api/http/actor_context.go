package httpapi

import (
	"context"
	"net/http"
	"strings"

	domainMessage "github.com/outbound-hub/outbound-hub/internal/domain/message"
)

type actorContextKey string

const actorKey actorContextKey = "actor"

const (
	headerActorType      = "X-Actor-Type"
	headerActorID        = "X-Actor-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

func withActor(ctx context.Context, actor domainMessage.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func actorFromContext(ctx context.Context) (domainMessage.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domainMessage.Actor)
	return actor, ok
}

// actorFromHeaders trusts the gateway in front of this service to have
// authenticated the caller.
func actorFromHeaders(r *http.Request) (domainMessage.Actor, error) {
	actorType, err := domainMessage.ParseActorType(r.Header.Get(headerActorType))
	if err != nil {
		return domainMessage.Actor{}, err
	}
	actor := domainMessage.Actor{
		Type: actorType,
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
	}
	if err := actor.Validate(); err != nil {
		return domainMessage.Actor{}, err
	}
	return actor, nil
}
