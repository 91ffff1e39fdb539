package audit

import "context"

// Roles carried by authenticated callers.
const (
	RoleAdmin    = "admin"
	RoleRenter   = "renter"
	RoleProvider = "provider"
	RoleSystem   = "system"
)

type actorKey struct{}

// Identity is the caller attached to a request context.
type Identity struct {
	UserID string
	Role   string
}

// WithIdentity attaches the caller to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// IdentityFromContext returns the caller, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(actorKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// ActorFromContext returns the caller's user id, or "system" for background work.
func ActorFromContext(ctx context.Context) string {
	if id, ok := IdentityFromContext(ctx); ok {
		return id.UserID
	}
	return RoleSystem
}
