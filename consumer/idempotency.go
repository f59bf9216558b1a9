package consumer

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records message ids already handled so a redelivered or
// duplicate-published message is skipped instead of reprocessed.
type IdempotencyStore interface {
	// SeenBefore atomically marks messageID as seen and reports whether it
	// had already been recorded.
	SeenBefore(ctx context.Context, messageID string) (bool, error)
}

// RedisIdempotencyStore dedups using SETNX with a TTL, so the dedup window
// is bounded rather than growing forever.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore returns a store keyed under prefix, with entries
// expiring after ttl.
func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) SeenBefore(ctx context.Context, messageID string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+":"+messageID, 1, s.ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX returns true when it created the key, i.e. this id was new.
	return !set, nil
}
