package auth

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{ name string }

func (c contextKey) String() string { return c.name }

var actorContextKey = &contextKey{name: "actor"}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// FromContext returns the actor stored by Middleware.
func FromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(Actor)
	return actor, ok
}
