package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

// EntryCache wraps a ledger gateway with a Redis cache for completed task
// entries. A completed task can never change again, so cached entries are
// never invalidated; incomplete tasks always go to the ledger.
type EntryCache struct {
	ledger.Gateway
	redis *redis.Client
	ttl   time.Duration
}

// NewEntryCache creates a caching gateway using the provided Redis client and TTL.
func NewEntryCache(base ledger.Gateway, client *redis.Client, ttl time.Duration) *EntryCache {
	if base == nil {
		panic("storage.NewEntryCache: base gateway is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &EntryCache{Gateway: base, redis: client, ttl: ttl}
}

func (c *EntryCache) ReadTableEntry(ctx context.Context, handle string, req ledger.TableEntryRequest) (domain.Task, error) {
	key := entryCacheKey(handle, req.ValueType, req.Key)
	if task, ok := c.load(ctx, key); ok {
		return task, nil
	}
	task, err := c.Gateway.ReadTableEntry(ctx, handle, req)
	if err != nil {
		return domain.Task{}, err
	}
	c.store(ctx, key, task)
	return task, nil
}

// ReadTableEntries serves cached keys from Redis and reads the rest from
// the ledger, in batch when the wrapped gateway supports it.
func (c *EntryCache) ReadTableEntries(ctx context.Context, handle string, req ledger.TableEntryRequest, keys []uint64) ([]domain.Task, error) {
	out := make([]domain.Task, len(keys))
	missing := c.loadMany(ctx, handle, req.ValueType, keys, out)
	if len(missing) == 0 {
		return out, nil
	}

	missingKeys := make([]uint64, len(missing))
	for i, idx := range missing {
		missingKeys[i] = keys[idx]
	}
	var fetched []domain.Task
	if br, ok := c.Gateway.(ledger.BatchReader); ok {
		var err error
		fetched, err = br.ReadTableEntries(ctx, handle, req, missingKeys)
		if err != nil {
			return nil, err
		}
	} else {
		fetched = make([]domain.Task, len(missingKeys))
		for i, k := range missingKeys {
			r := req
			r.Key = strconv.FormatUint(k, 10)
			task, err := c.Gateway.ReadTableEntry(ctx, handle, r)
			if err != nil {
				return nil, &ledger.EntryError{Key: k, Err: err}
			}
			fetched[i] = task
		}
	}
	for i, idx := range missing {
		out[idx] = fetched[i]
		c.store(ctx, entryCacheKey(handle, req.ValueType, strconv.FormatUint(keys[idx], 10)), fetched[i])
	}
	return out, nil
}

func (c *EntryCache) load(ctx context.Context, key string) (domain.Task, bool) {
	if c.redis == nil {
		return domain.Task{}, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the ledger without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return domain.Task{}, false
	}
	var task domain.Task
	if err := sonic.Unmarshal(data, &task); err != nil || !task.Completed {
		_ = c.redis.Del(ctx, key).Err()
		return domain.Task{}, false
	}
	return task, true
}

// loadMany fills out from Redis and returns the indexes it could not serve.
func (c *EntryCache) loadMany(ctx context.Context, handle, valueType string, keys []uint64, out []domain.Task) []int {
	all := make([]int, len(keys))
	for i := range keys {
		all[i] = i
	}
	if c.redis == nil || len(keys) == 0 {
		return all
	}
	cacheKeys := make([]string, len(keys))
	for i, k := range keys {
		cacheKeys[i] = entryCacheKey(handle, valueType, strconv.FormatUint(k, 10))
	}
	vals, err := c.redis.MGet(ctx, cacheKeys...).Result()
	if err != nil {
		return all
	}
	missing := make([]int, 0, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, i)
			continue
		}
		var task domain.Task
		if err := sonic.UnmarshalString(s, &task); err != nil || !task.Completed {
			missing = append(missing, i)
			continue
		}
		out[i] = task
	}
	return missing
}

func (c *EntryCache) store(ctx context.Context, key string, task domain.Task) {
	if c.redis == nil || c.ttl == 0 || !task.Completed {
		return
	}
	data, err := sonic.Marshal(task)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func entryCacheKey(handle, valueType, key string) string {
	return "entry:" + handle + ":" + valueType + ":" + key
}
