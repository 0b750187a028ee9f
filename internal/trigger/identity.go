package trigger

import "context"

// Identity names the principal a build is started as
type Identity string

const (
	// SystemIdentity is used for scheduled firings, independent of who
	// created the task
	SystemIdentity Identity = "SYSTEM"
	// AnonymousIdentity is reported when the context carries no identity
	AnonymousIdentity Identity = "anonymous"
)

type identityKey struct{}

// WithIdentity returns a context carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity carried by ctx
func IdentityFrom(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok && id != "" {
		return id
	}
	return AnonymousIdentity
}
