// Package cache is a cache-aside reader over Redis with penetration and
// breakdown protection, an optional process-local tier, a logical-expiration
// variant for hot keys, and the pub/sub broadcaster that keeps local tiers
// coherent after writes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/metrics"
)

// nullMarker is stored in place of a value when the source of record has no
// row for the key.
const nullMarker = ""

type Options struct {
	NullTTL       time.Duration // lifetime of a null marker
	LockTTL       time.Duration // rebuild lock expiry
	RetryInterval time.Duration // sleep between attempts when another caller is rebuilding
	MaxRetries    int
}

// Lookup loads one record from the source of record. (nil, nil) means the
// record does not exist.
type Lookup[ID any, T any] func(ctx context.Context, id ID) (*T, error)

type Client struct {
	rdb    *redis.Client
	locker *lock.Locker
	local  *Local
	opts   Options
	log    *zap.Logger
	now    func() time.Time

	// background logical-expiration rebuilds
	wg sync.WaitGroup
}

// New builds a Client. local may be nil to disable the process-local tier.
func New(rdb *redis.Client, locker *lock.Locker, local *Local, opts Options, log *zap.Logger) *Client {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Client{
		rdb:    rdb,
		locker: locker,
		local:  local,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

// Wait blocks until every background rebuild started by this client returns.
func (c *Client) Wait() { c.wg.Wait() }

type entryState int

const (
	stateMiss entryState = iota
	stateNull
	stateValue
)

// Query returns the record for keyPrefix+id, consulting the local tier, then
// Redis, then lookup. Only one caller per key rebuilds at a time; the others
// sleep and start over from the top. A failed lookup is logged and reported
// as absent. The only errors returned are Redis failures and lock.ErrTimeout
// once MaxRetries attempts all found another rebuild in progress.
func Query[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, lookup Lookup[ID, T], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	if b, ok := c.local.Get(key); ok {
		var v T
		if err := json.Unmarshal(b, &v); err == nil {
			metrics.CacheLookups.WithLabelValues(keyPrefix, "local_hit").Inc()
			return &v, nil
		}
		c.local.Delete(key)
	}

	for attempt := 0; ; attempt++ {
		gen := c.local.Generation()
		v, state, err := readShared[T](ctx, c, key, gen)
		if err != nil {
			return nil, err
		}
		switch state {
		case stateValue:
			metrics.CacheLookups.WithLabelValues(keyPrefix, "hit").Inc()
			return v, nil
		case stateNull:
			metrics.CacheLookups.WithLabelValues(keyPrefix, "null_hit").Inc()
			return nil, nil
		}

		h, ok, err := c.locker.TryAcquire(ctx, key, lock.NewOwner(), c.opts.LockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return rebuild(ctx, c, keyPrefix, key, h, id, lookup, ttl, gen)
		}

		if attempt+1 >= c.opts.MaxRetries {
			return nil, fmt.Errorf("%w: rebuild of %s", lock.ErrTimeout, key)
		}
		metrics.CacheLookups.WithLabelValues(keyPrefix, "retry").Inc()
		t := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func rebuild[ID any, T any](ctx context.Context, c *Client, keyPrefix, key string, h lock.Handle, id ID, lookup Lookup[ID, T], ttl time.Duration, gen uint64) (*T, error) {
	defer func() {
		if _, err := c.locker.Release(context.WithoutCancel(ctx), h); err != nil {
			c.log.Warn("cache: release rebuild lock", zap.String("key", key), zap.Error(err))
		}
	}()

	// Another holder may have finished between the read and the lock.
	v, state, err := readShared[T](ctx, c, key, gen)
	if err != nil {
		return nil, err
	}
	switch state {
	case stateValue:
		metrics.CacheLookups.WithLabelValues(keyPrefix, "hit").Inc()
		return v, nil
	case stateNull:
		metrics.CacheLookups.WithLabelValues(keyPrefix, "null_hit").Inc()
		return nil, nil
	}

	metrics.CacheLookups.WithLabelValues(keyPrefix, "rebuild").Inc()
	v, err = lookup(ctx, id)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(keyPrefix, "rebuild_error").Inc()
		c.log.Error("cache: rebuild failed", zap.String("key", key), zap.Error(err))
		return nil, nil
	}

	if v == nil {
		if err := c.rdb.Set(ctx, key, nullMarker, c.opts.NullTTL).Err(); err != nil {
			c.log.Warn("cache: write null marker", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache: write value", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		c.log.Warn("cache: write value", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	c.local.SetAt(key, b, gen)
	return v, nil
}

// readShared reads key from Redis and fills the local tier unless an
// eviction happened after gen was taken. A payload that no longer decodes is
// deleted and treated as a miss.
func readShared[T any](ctx context.Context, c *Client, key string, gen uint64) (*T, entryState, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, stateMiss, nil
	}
	if err != nil {
		return nil, stateMiss, fmt.Errorf("cache get %s: %w", key, err)
	}
	if raw == nullMarker {
		return nil, stateNull, nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		c.log.Warn("cache: corrupt entry dropped", zap.String("key", key), zap.Error(err))
		c.rdb.Del(ctx, key) //nolint:errcheck
		return nil, stateMiss, nil
	}
	c.local.SetAt(key, []byte(raw), gen)
	return &v, stateValue, nil
}
