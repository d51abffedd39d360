package evaluator

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/groupwarden/groupwarden/internal/vrchat"
)

// CachedGroupResolver wraps the API client with a short-lived membership
// cache so that several rules evaluating the same user within one pass fetch
// the group list once.
type CachedGroupResolver struct {
	api   vrchat.Client
	cache *lru.LRU[string, []vrchat.UserGroup]
}

// NewCachedGroupResolver builds a resolver with the given cache bounds.
func NewCachedGroupResolver(api vrchat.Client, size int, ttl time.Duration) *CachedGroupResolver {
	if size <= 0 {
		size = 500
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedGroupResolver{
		api:   api,
		cache: lru.NewLRU[string, []vrchat.UserGroup](size, nil, ttl),
	}
}

// UserGroups returns the user's memberships, cached. Errors are returned to
// the caller, which treats them as non-fatal; error results are not cached so
// a later call can succeed.
func (r *CachedGroupResolver) UserGroups(ctx context.Context, userID string) ([]vrchat.UserGroup, error) {
	if groups, ok := r.cache.Get(userID); ok {
		return groups, nil
	}
	groups, err := r.api.GetUserGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.cache.Add(userID, groups)
	return groups, nil
}
