// Package authctx carries the AuthContext value type explicitly through
// every service call that touches per-user state. There is no ambient
// "current user" global; services decide based only on the value they
// are handed.
package authctx

import "context"

// Role enumerates the two account roles.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// AuthContext carries identity and role through a request.
type AuthContext struct {
	UserID   string
	Username string
	Role     Role
}

// IsAdmin reports whether this context has admin privileges.
func (a AuthContext) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// System returns the synthetic admin AuthContext used for recovery and
// service-to-service calls authenticated by the internal key.
func System() AuthContext {
	return AuthContext{UserID: "", Username: "system", Role: RoleAdmin}
}

type contextKey struct{}

// With attaches an AuthContext to ctx.
func With(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

// From retrieves the AuthContext previously attached with With. The second
// return value is false if none was attached.
func From(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(contextKey{}).(AuthContext)
	return auth, ok
}

// FromOrSystem retrieves the AuthContext, falling back to System() when
// absent. Only startup and recovery code paths run without an attached
// context.
func FromOrSystem(ctx context.Context) AuthContext {
	if auth, ok := From(ctx); ok {
		return auth
	}
	return System()
}
