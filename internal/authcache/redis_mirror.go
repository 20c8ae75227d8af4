package authcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCooldownMirror is a CooldownMirror backed by Redis, for managed-mode
// deployments running more than one gateway process against the same
// provider pool. A cooldown is just a key with a TTL; presence means
// active.
type RedisCooldownMirror struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCooldownMirror wraps an existing client. keyPrefix namespaces keys
// (e.g. "goclaw:authcache:cooldown:") so the cache can share a Redis
// instance with other components.
func NewRedisCooldownMirror(client *redis.Client, keyPrefix string) *RedisCooldownMirror {
	if keyPrefix == "" {
		keyPrefix = "authcache:cooldown:"
	}
	return &RedisCooldownMirror{client: client, keyPrefix: keyPrefix}
}

func (m *RedisCooldownMirror) redisKey(key string) string {
	return m.keyPrefix + key
}

// Set records key as cooling down for d.
func (m *RedisCooldownMirror) Set(ctx context.Context, key string, d time.Duration) error {
	return m.client.Set(ctx, m.redisKey(key), "1", d).Err()
}

// IsActive reports whether key is still cooling down.
func (m *RedisCooldownMirror) IsActive(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, m.redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
