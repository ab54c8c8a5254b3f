package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/metrics"
)

// Broadcaster drops a key from Redis synchronously and tells every process to
// drop it from its local tier. Delivery is at-most-once; Redis stays
// authoritative and a lost broadcast only extends local staleness to the
// local TTL.
type Broadcaster struct {
	rdb     *redis.Client
	channel string
	local   *Local
	log     *zap.Logger
}

func NewBroadcaster(rdb *redis.Client, channel string, local *Local, log *zap.Logger) *Broadcaster {
	return &Broadcaster{rdb: rdb, channel: channel, local: local, log: log}
}

// Invalidate deletes key from Redis and from this process's local tier, then
// publishes key to peers. A publish failure is logged, not returned.
func (b *Broadcaster) Invalidate(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	b.local.Delete(key)
	if err := b.rdb.Publish(ctx, b.channel, key).Err(); err != nil {
		b.log.Warn("invalidate: publish failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Subscribe opens the invalidation subscription and waits for the server to
// confirm it, so no publish after Subscribe returns is missed.
func (b *Broadcaster) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close() //nolint:errcheck
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return sub, nil
}

// Run evicts every key received on sub from the local tier until ctx is done.
// It closes sub on return.
func (b *Broadcaster) Run(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close() //nolint:errcheck
	b.log.Info("invalidation subscriber started", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("invalidation subscriber stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				b.log.Warn("invalidation subscriber: channel closed")
				return
			}
			b.local.Delete(msg.Payload)
			metrics.CacheInvalidations.Inc()
		}
	}
}
