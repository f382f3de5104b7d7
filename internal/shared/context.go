package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context. Authorization happens
// upstream; the id is carried only for ledger attribution and audit records.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}
