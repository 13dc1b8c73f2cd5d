package auth

import "context"

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying the caller identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the caller identity, or nil on unauthenticated
// routes such as /healthz.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}

// Subject returns the caller subject, or "" when ctx has no identity.
func Subject(ctx context.Context) string {
	if id := IdentityFrom(ctx); id != nil {
		return id.Subject
	}
	return ""
}
