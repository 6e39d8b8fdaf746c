package auth

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"lexichat/internal/backend"
	"lexichat/internal/models"
)

// IdentityLookup resolves a bearer token to the identity that owns it.
type IdentityLookup interface {
	Me(ctx context.Context, token string) (*models.Identity, error)
}

// Resolver is the gateway's view of the auth context. Identities are cached briefly so
// that a revoked token is noticed within the cache TTL.
type Resolver struct {
	lookup IdentityLookup
	cache  *gocache.Cache
}

func NewResolver(lookup IdentityLookup, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Resolver{lookup: lookup, cache: gocache.New(ttl, 2*ttl)}
}

// Resolve returns the identity for token, nil when the token is empty or rejected, and an
// error only when the auth context could not be consulted.
func (r *Resolver) Resolve(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" || r == nil || r.lookup == nil {
		return nil, nil
	}
	if v, ok := r.cache.Get(token); ok {
		id := *(v.(*models.Identity))
		return &id, nil
	}
	id, err := r.lookup.Me(ctx, token)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			r.cache.Delete(token)
			return nil, nil
		}
		return nil, err
	}
	id.Token = token
	r.cache.SetDefault(token, id)
	out := *id
	return &out, nil
}

// Forget drops a cached identity, e.g. after logout.
func (r *Resolver) Forget(token string) {
	r.cache.Delete(token)
}
