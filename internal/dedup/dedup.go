// Package dedup provides a fast Redis-backed duplicate-suppression cache in
// front of the SQLite MessageHash table (spec.md §4.6 step 2), plus a
// per-conversation staged-key count used for operational visibility. Grounded
// on the teacher's internal/pubsub/redis.go (RedisClient wrapper, retry/
// backoff pattern, log.Printf warning style) and internal/inbox/redis_inbox.go
// (TTL/ZSET conventions for time-bounded Redis collections).
package dedup

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Retention mirrors the 31-day window store.RetentionPeriod applies to the
// durable MessageHash table; the Redis cache need not outlive it.
const Retention = 31 * 24 * time.Hour

const maxRetryAttempts = 3

// Cache wraps a Redis client for message-hash dedup and staged-key counters.
type Cache struct {
	client *redis.Client
}

// New connects to addr, reading REDIS_PASSWORD the same way the teacher's
// NewRedisClient does, via the caller-supplied options.
func New(addr, password string, db int) *Cache {
	return &Cache{client: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 5,
	})}
}

func (c *Cache) Close() error { return c.client.Close() }

func hashKey(hash [32]byte) string {
	return "msghash:" + hex.EncodeToString(hash[:])
}

// SeenRecently reports whether hash was already marked via MarkSeen within
// the retention window.
func (c *Cache) SeenRecently(ctx context.Context, hash [32]byte) (bool, error) {
	n, err := c.client.Exists(ctx, hashKey(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: exists check: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records hash with a Retention-bounded TTL, retrying transient
// failures with the teacher's exponential-backoff convention.
func (c *Cache) MarkSeen(ctx context.Context, hash [32]byte) error {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if err := c.client.Set(ctx, hashKey(hash), 1, Retention).Err(); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		return nil
	}
	log.Printf("[Dedup] mark-seen failed after %d attempts: %v", maxRetryAttempts, lastErr)
	return fmt.Errorf("dedup: mark seen: %w", lastErr)
}

func stagedCountKey(localUser, peer, device string) string {
	return fmt.Sprintf("staged:%s:%s:%s", localUser, peer, device)
}

// IncrStagedCount and DecrStagedCount track an approximate count of
// outstanding staged message keys per conversation, refreshed independently
// of the authoritative SQLite count, for the metrics.StagedKeysGauge.
func (c *Cache) IncrStagedCount(ctx context.Context, localUser, peer, device string) error {
	return c.client.Incr(ctx, stagedCountKey(localUser, peer, device)).Err()
}

func (c *Cache) DecrStagedCount(ctx context.Context, localUser, peer, device string) error {
	return c.client.Decr(ctx, stagedCountKey(localUser, peer, device)).Err()
}

func (c *Cache) StagedCount(ctx context.Context, localUser, peer, device string) (int64, error) {
	n, err := c.client.Get(ctx, stagedCountKey(localUser, peer, device)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dedup: staged count: %w", err)
	}
	return n, nil
}
