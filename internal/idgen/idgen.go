// Package idgen mints 64-bit order identifiers: the high 32 bits hold the
// seconds elapsed since a fixed epoch, the low 32 bits a per-day, per-prefix
// counter kept in Redis.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Epoch is 2025-01-01T00:00:00Z.
	Epoch     int64 = 1735689600
	countBits       = 32
	maxCount        = 1<<countBits - 1

	counterKeyFmt = "icr:%s:%s" // %s = prefix, yyyy:mm:dd (UTC)
	counterTTL    = 48 * time.Hour
)

// ErrSequenceExhausted is returned when a day bucket has handed out more ids
// than fit in the low 32 bits.
var ErrSequenceExhausted = errors.New("idgen: daily sequence exhausted")

type Generator struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Generator {
	return &Generator{rdb: rdb, now: time.Now}
}

// NextID returns the next identifier for prefix. Counter-store errors are
// returned as-is; there is no fallback.
func (g *Generator) NextID(ctx context.Context, prefix string) (int64, error) {
	now := g.now().UTC()
	ts := now.Unix() - Epoch

	key := fmt.Sprintf(counterKeyFmt, prefix, now.Format("2006:01:02"))
	// INCR and EXPIRE commit together so no bucket is left without a TTL.
	var incr *redis.IntCmd
	_, err := g.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr sequence: %w", err)
	}
	n := incr.Val()
	if n > maxCount {
		return 0, ErrSequenceExhausted
	}
	return ts<<countBits | n, nil
}

// Timestamp extracts the creation time encoded in id.
func Timestamp(id int64) time.Time {
	return time.Unix(id>>countBits+Epoch, 0).UTC()
}

// Sequence extracts the daily counter encoded in id.
func Sequence(id int64) int64 {
	return id & maxCount
}
