package session

import (
	"context"
)

// AnonymousActor is recorded when no clinician identity is known.
const AnonymousActor = "anonymous"

// ActorKey is the context key for the acting clinician.
type ActorKey struct{}

// ActorFromContext retrieves the acting clinician from the context.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(ActorKey{}).(string)
	return actor, ok && actor != ""
}

// ContextWithActor adds the acting clinician to the context. It overrides the
// session's clinician in audit records.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey{}, actor)
}
