package membership

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/odometer/pkg/orgs"
)

// ErrCacheMiss is returned by Cache.Get when no entry exists
var ErrCacheMiss = errors.New("cache miss")

// Cache stores a user's membership summaries for the org switcher
type Cache interface {
	Get(ctx context.Context, userID uuid.UUID) ([]orgs.MembershipSummary, error)
	Set(ctx context.Context, userID uuid.UUID, summaries []orgs.MembershipSummary) error
	Delete(ctx context.Context, userIDs ...uuid.UUID) error
}

// LRUCache is an in-process Cache with per-entry expiry
type LRUCache struct {
	cache *lru.LRU[uuid.UUID, []orgs.MembershipSummary]
}

// NewLRUCache creates an LRU cache holding up to size users for ttl
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size < 1 {
		size = 1024
	}
	return &LRUCache{
		cache: lru.NewLRU[uuid.UUID, []orgs.MembershipSummary](size, nil, ttl),
	}
}

// Get returns a copy of the cached summaries
func (c *LRUCache) Get(ctx context.Context, userID uuid.UUID) ([]orgs.MembershipSummary, error) {
	summaries, ok := c.cache.Get(userID)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]orgs.MembershipSummary(nil), summaries...), nil
}

// Set stores a copy of summaries
func (c *LRUCache) Set(ctx context.Context, userID uuid.UUID, summaries []orgs.MembershipSummary) error {
	c.cache.Add(userID, append([]orgs.MembershipSummary(nil), summaries...))
	return nil
}

// Delete evicts the given users
func (c *LRUCache) Delete(ctx context.Context, userIDs ...uuid.UUID) error {
	for _, id := range userIDs {
		c.cache.Remove(id)
	}
	return nil
}
