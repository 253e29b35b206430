package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orcha/config"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 2 * time.Second

// NewClient connects to Redis and verifies the connection with a ping.
// An empty address disables caching and returns a nil client with no error.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis %s failed: %w", addr, err)
	}
	return client, nil
}

// OperationContext bounds a cache call so a slow Redis never stalls the caller.
func OperationContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), timeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
