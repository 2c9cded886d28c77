package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/odometer/pkg/orgs"
)

const redisKeyPrefix = "odometer:memberships:"

// RedisCache is a Cache shared across instances. Values are JSON encoded.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisCache creates a Redis-backed membership cache
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		redis: client,
		ttl:   ttl,
	}
}

func redisKey(userID uuid.UUID) string {
	return redisKeyPrefix + userID.String()
}

// Get returns the cached summaries or ErrCacheMiss
func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID) ([]orgs.MembershipSummary, error) {
	data, err := c.redis.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read membership cache: %w", err)
	}

	var summaries []orgs.MembershipSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("failed to decode membership cache: %w", err)
	}
	return summaries, nil
}

// Set stores the summaries with the configured TTL
func (c *RedisCache) Set(ctx context.Context, userID uuid.UUID, summaries []orgs.MembershipSummary) error {
	data, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("failed to encode membership cache: %w", err)
	}
	if err := c.redis.Set(ctx, redisKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write membership cache: %w", err)
	}
	return nil
}

// Delete evicts the given users
func (c *RedisCache) Delete(ctx context.Context, userIDs ...uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = redisKey(id)
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate membership cache: %w", err)
	}
	return nil
}
