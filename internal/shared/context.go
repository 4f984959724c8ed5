package shared

import "context"

type actorContextKey struct{}

// ActorAnonymous is used when no actor header accompanied the request.
const ActorAnonymous = "anonymous"

// ContextWithActor stores the acting identity in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting identity from context.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	if actor == "" {
		return ActorAnonymous
	}
	return actor
}
