package shared

import "context"

type actorContextKey struct{}

// Actor identifies the already-authenticated caller of a mutating operation.
// ID may be zero when the session maps to a user that no longer exists; the
// engine tolerates a missing actor rather than failing the mutation.
type Actor struct {
	ID          int64
	Permissions []string
}

// Has reports whether the actor holds the given permission string.
func (a Actor) Has(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
