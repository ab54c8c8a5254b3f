package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/metrics"
)

// logicalEntry never expires in Redis; readers compare ExpireTime themselves.
type logicalEntry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// SetWithLogicalExpire stores value without a Redis TTL, stamped to go stale
// after ttl.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := encodeLogical(key, value, c.now().Add(ttl))
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// ReplaceWithLogicalExpire rewrites key only if it is already cached, so
// writers can refresh a preheated entry without preheating anything new. It
// reports whether the entry existed.
func (c *Client) ReplaceWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	b, err := encodeLogical(key, value, c.now().Add(ttl))
	if err != nil {
		return false, err
	}
	ok, err := c.rdb.SetXX(ctx, key, b, 0).Result()
	if err != nil {
		return false, fmt.Errorf("cache set %s: %w", key, err)
	}
	return ok, nil
}

func encodeLogical(key string, value any, expire time.Time) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	b, err := json.Marshal(logicalEntry{Data: data, ExpireTime: expire})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return b, nil
}

// QueryWithLogicalExpire serves hot keys that are preheated and never evicted.
// A missing key is absent. A stale entry is returned as is while one caller
// rebuilds it in the background under the rebuild lock; readers never block
// on the source of record.
func QueryWithLogicalExpire[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, lookup Lookup[ID, T], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	entry, err := readLogical(ctx, c, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		metrics.CacheLookups.WithLabelValues(keyPrefix, "miss").Inc()
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if c.now().Before(entry.ExpireTime) {
		metrics.CacheLookups.WithLabelValues(keyPrefix, "hit").Inc()
		return &v, nil
	}

	metrics.CacheLookups.WithLabelValues(keyPrefix, "stale").Inc()
	h, ok, err := c.locker.TryAcquire(ctx, key, lock.NewOwner(), c.opts.LockTTL)
	if err != nil {
		c.log.Warn("cache: rebuild lock", zap.String("key", key), zap.Error(err))
		return &v, nil
	}
	if ok {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LockTTL)
			defer cancel()
			rebuildLogical(bg, c, keyPrefix, key, h, id, lookup, ttl)
		}()
	}
	return &v, nil
}

func rebuildLogical[ID any, T any](ctx context.Context, c *Client, keyPrefix, key string, h lock.Handle, id ID, lookup Lookup[ID, T], ttl time.Duration) {
	defer func() {
		if _, err := c.locker.Release(ctx, h); err != nil {
			c.log.Warn("cache: release rebuild lock", zap.String("key", key), zap.Error(err))
		}
	}()

	// Skip if a previous holder refreshed the entry after our read.
	entry, err := readLogical(ctx, c, key)
	if err != nil {
		c.log.Error("cache: rebuild failed", zap.String("key", key), zap.Error(err))
		return
	}
	if entry != nil && c.now().Before(entry.ExpireTime) {
		return
	}

	metrics.CacheLookups.WithLabelValues(keyPrefix, "rebuild").Inc()
	v, err := lookup(ctx, id)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(keyPrefix, "rebuild_error").Inc()
		c.log.Error("cache: rebuild failed", zap.String("key", key), zap.Error(err))
		return
	}
	if v == nil {
		// Row is gone; stop serving the stale copy.
		c.rdb.Del(ctx, key) //nolint:errcheck
		return
	}
	if err := c.SetWithLogicalExpire(ctx, key, v, ttl); err != nil {
		c.log.Error("cache: rebuild failed", zap.String("key", key), zap.Error(err))
	}
}

func readLogical(ctx context.Context, c *Client, key string) (*logicalEntry, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	var e logicalEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &e, nil
}
