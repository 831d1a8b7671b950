package api

import "context"

type contextKey int

const ctxKeyIdentity contextKey = 0

// Identity is the authenticated caller: the token subject plus the
// organization every operation is scoped to.
type Identity struct {
	Subject string
	Org     string
}

// ContextWithIdentity attaches the authenticated identity to ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok
}
