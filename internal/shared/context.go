package shared

import "context"

// Identity describes the authenticated caller of a request.
type Identity struct {
	ActorID  int64
	DeviceID string
	HubIDs   []int64
}

// HasHub reports whether the identity carries a grant for the hub.
func (id *Identity) HasHub(hubID int64) bool {
	if id == nil {
		return false
	}
	for _, h := range id.HubIDs {
		if h == hubID {
			return true
		}
	}
	return false
}

type identityContextKey struct{}

// ContextWithIdentity stores the caller identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the caller identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}
