package definitions

import "context"

// Anonymous is recorded when no authenticated principal is attached.
const Anonymous = "anonymous"

type principalKey struct{}

// WithPrincipal attaches the authenticated caller's display name for audit logging.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// PrincipalFrom returns the caller attached by WithPrincipal, or Anonymous.
func PrincipalFrom(ctx context.Context) string {
	if name, ok := ctx.Value(principalKey{}).(string); ok && name != "" {
		return name
	}
	return Anonymous
}
