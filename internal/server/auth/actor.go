// Package auth carries the actor identity supplied by the enclosing
// authentication layer. Every mutating pipeline call reads the actor from
// the request context.
package auth

import "context"

type actorKey struct{}

// Actor identifies who performs a mutating operation.
type Actor struct {
	ID   string
	Role string
}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext extracts the actor; ok is false when the context carries
// none.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// ActorID returns the actor id or "system" for internally triggered work
// (background sweeps, async scan completions).
func ActorID(ctx context.Context) string {
	if a, ok := ActorFromContext(ctx); ok && a.ID != "" {
		return a.ID
	}
	return "system"
}
