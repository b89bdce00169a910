// Package cache is a small read-through cache for campaign list and
// stats responses. Everything here is best effort: a cache failure is
// logged by callers at most, never surfaced as a request error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, val interface{}) error
	InvalidateCampaigns(ctx context.Context) error
	InvalidateCampaign(ctx context.Context, id uuid.UUID) error
}

func ListKey(offset, limit int, status string) string {
	return fmt.Sprintf("campaigns:list:%d:%d:%s", offset, limit, status)
}

func StatsKey(id uuid.UUID) string {
	return fmt.Sprintf("campaigns:stats:%s", id)
}

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, val interface{}) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, c.ttl).Err()
}

func (c *RedisCache) InvalidateCampaigns(ctx context.Context) error {
	return c.deleteMatch(ctx, "campaigns:list:*")
}

func (c *RedisCache) InvalidateCampaign(ctx context.Context, id uuid.UUID) error {
	if err := c.rdb.Del(ctx, StatsKey(id)).Err(); err != nil {
		return err
	}
	return c.InvalidateCampaigns(ctx)
}

func (c *RedisCache) deleteMatch(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Noop satisfies Cache when Redis is not configured.
type Noop struct{}

func (Noop) GetJSON(context.Context, string, interface{}) (bool, error) { return false, nil }
func (Noop) SetJSON(context.Context, string, interface{}) error         { return nil }
func (Noop) InvalidateCampaigns(context.Context) error                  { return nil }
func (Noop) InvalidateCampaign(context.Context, uuid.UUID) error        { return nil }

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = Noop{}
)
