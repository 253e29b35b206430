package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orcha/cache"
	"orcha/logging"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRecentCacheTTL = 30 * time.Second
	recentCacheTimeout    = 300 * time.Millisecond
	recentCachePrefix     = "orcha:memory:recent"
)

// RecentCache 缓存用户的近期记忆，nil 时所有方法都是空操作。
type RecentCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRecentCache client 为 nil 时返回 nil。
func NewRecentCache(client *redis.Client, ttl time.Duration) *RecentCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRecentCacheTTL
	}
	return &RecentCache{client: client, ttl: ttl}
}

func (m *RecentCache) key(userID uint64, limit int) string {
	return fmt.Sprintf("%s:%d:%d", recentCachePrefix, userID, limit)
}

func (m *RecentCache) get(ctx context.Context, userID uint64, limit int) ([]Entry, error) {
	if m == nil || m.client == nil {
		return nil, redis.Nil
	}

	ctx, cancel := cache.OperationContext(ctx, recentCacheTimeout)
	defer cancel()

	data, err := m.client.Get(ctx, m.key(userID, limit)).Bytes()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *RecentCache) store(ctx context.Context, userID uint64, limit int, entries []Entry) {
	if m == nil || m.client == nil {
		return
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		logging.FromContext(ctx).Warn("memory: marshal cache payload failed", "error", err)
		return
	}

	ctx, cancel := cache.OperationContext(ctx, recentCacheTimeout)
	defer cancel()

	if err := m.client.Set(ctx, m.key(userID, limit), payload, m.ttl).Err(); err != nil {
		logging.FromContext(ctx).Warn("memory: store cache failed", "user_id", userID, "error", err)
	}
}

// invalidate 删除该用户所有 limit 维度的缓存键。
func (m *RecentCache) invalidate(ctx context.Context, userID uint64) {
	if m == nil || m.client == nil {
		return
	}

	ctx, cancel := cache.OperationContext(ctx, recentCacheTimeout)
	defer cancel()

	pattern := fmt.Sprintf("%s:%d:*", recentCachePrefix, userID)
	iter := m.client.Scan(ctx, 0, pattern, 50).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logging.FromContext(ctx).Warn("memory: scan cache keys failed", "user_id", userID, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		logging.FromContext(ctx).Warn("memory: invalidate cache failed", "user_id", userID, "error", err)
	}
}
