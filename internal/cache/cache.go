// Package cache adapts a Redis client to the hub's ephemeral-store
// contract. Redis mirrors typing state, presence status and room
// membership snapshots so other processes or replicas can observe
// them; it is a cache with per-key expiry, never the source of truth.
// A nil client degrades every operation to a no-op miss so the hub
// keeps working without Redis, the same way the response cache and
// rate limiter elsewhere in the platform degrade.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements hub.EphemeralStore on top of go-redis.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps the given client. The prefix namespaces all keys
// (e.g. "realtime"); pass "" for none. The client may be nil.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Set stores the value with its TTL. With a nil client it silently
// succeeds; the hub treats the mirror as best-effort anyway.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Get returns the value and whether the key exists. A redis.Nil reply
// is a miss, not an error.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	if r.client == nil {
		return "", false, nil
	}
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return nil
	}
	return r.client.Del(ctx, r.key(key)).Err()
}
