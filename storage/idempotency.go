package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const inFlightMarker = "-"

// RedisDeduper remembers idempotency keys of submitted task creations so a
// retried request cannot submit the same transaction twice. A key is first
// recorded as in flight and later resolved to the confirmed task id.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(account, key string) string {
	return fmt.Sprintf("idem:%s:%s", account, key)
}

// Add records the key as in flight. It returns false when the key is
// already known.
func (r *RedisDeduper) Add(ctx context.Context, account, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(account, key), inFlightMarker, r.ttl).Result()
}

// Resolve stores the task id a key produced, keeping the original expiry.
func (r *RedisDeduper) Resolve(ctx context.Context, account, key string, taskID uint64) error {
	return r.client.SetArgs(ctx, r.key(account, key), strconv.FormatUint(taskID, 10), redis.SetArgs{KeepTTL: true, Mode: "XX"}).Err()
}

// Lookup returns the task id recorded for key. done is false while the
// request is still in flight or when the key is unknown.
func (r *RedisDeduper) Lookup(ctx context.Context, account, key string) (taskID uint64, done bool, err error) {
	val, err := r.client.Get(ctx, r.key(account, key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if val == inFlightMarker {
		return 0, false, nil
	}
	id, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("idempotency key %s: %w", key, err)
	}
	return id, true, nil
}

// Remove deletes a recorded key. It is used when the submission fails so
// the caller may retry the request.
func (r *RedisDeduper) Remove(ctx context.Context, account, key string) error {
	return r.client.Del(ctx, r.key(account, key)).Err()
}
