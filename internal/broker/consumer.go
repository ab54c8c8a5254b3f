package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one delivery. nil acknowledges it. An error leaves it
// pending for redelivery unless it wraps ErrReject, which dead-letters it.
type Handler func(ctx context.Context, msg Message) error

type ConsumerConfig struct {
	Queue         Queue
	Consumer      string        // member name within the queue's group
	MaxDeliveries int64         // deliveries before a failing message is dead-lettered
	ClaimMinIdle  time.Duration // pending time before a message is redelivered
	Block         time.Duration // XREADGROUP block; negative polls without blocking
	BatchSize     int64

	// KeepAcked leaves acknowledged messages in the stream. Set it on
	// dead-letter queues so operators can list and replay them; other
	// queues delete a message once it is acked.
	KeepAcked bool
}

type Consumer struct {
	rdb     *redis.Client
	pub     *Publisher
	cfg     ConsumerConfig
	handler Handler
	log     *zap.Logger
}

func NewConsumer(rdb *redis.Client, pub *Publisher, cfg ConsumerConfig, handler Handler, log *zap.Logger) *Consumer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &Consumer{rdb: rdb, pub: pub, cfg: cfg, handler: handler, log: log}
}

// Run is the consumer loop: redeliver stale pending messages, then read new
// ones. It returns when ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	log := c.log.With(zap.String("queue", c.cfg.Queue.Name), zap.String("consumer", c.cfg.Consumer))
	log.Info("consumer started")

	for {
		if ctx.Err() != nil {
			log.Info("consumer stopped")
			return
		}

		if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
			log.Error("consumer: reclaim", zap.Error(err))
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("consumer: xreadgroup", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll reads and handles one batch of new messages and returns how many it
// handled.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	stream := StreamKey(c.cfg.Queue.Name)
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Queue.Name,
		Consumer: c.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range res {
		for _, xm := range s.Messages {
			msg := messageFrom(c.cfg.Queue.Name, xm)
			msg.Deliveries = 1
			c.deliver(ctx, msg)
			n++
		}
	}
	return n, nil
}

// Reclaim takes over messages that have been pending longer than
// ClaimMinIdle and delivers them again, or dead-letters them once they have
// used up MaxDeliveries.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	stream := StreamKey(c.cfg.Queue.Name)
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Queue.Name,
		Idle:   c.cfg.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}

	n := 0
	for _, p := range pending {
		claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Queue.Name,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return n, fmt.Errorf("xclaim %s: %w", p.ID, err)
		}
		for _, xm := range claimed {
			msg := messageFrom(c.cfg.Queue.Name, xm)
			msg.Deliveries = p.RetryCount + 1
			if p.RetryCount >= c.cfg.MaxDeliveries {
				c.deadLetter(ctx, msg, fmt.Sprintf("delivered %d times", p.RetryCount))
			} else {
				c.deliver(ctx, msg)
			}
			n++
		}
	}
	return n, nil
}

func (c *Consumer) deliver(ctx context.Context, msg Message) {
	err := c.handler(ctx, msg)
	switch {
	case err == nil:
		c.ack(ctx, msg)
	case errors.Is(err, ErrReject):
		c.deadLetter(ctx, msg, err.Error())
	case msg.Deliveries >= c.cfg.MaxDeliveries:
		c.deadLetter(ctx, msg, err.Error())
	default:
		c.log.Warn("consumer: handler failed, will redeliver",
			zap.String("queue", msg.Queue),
			zap.String("id", msg.ID),
			zap.Int64("deliveries", msg.Deliveries),
			zap.Error(err),
		)
	}
}

func (c *Consumer) ack(ctx context.Context, msg Message) {
	stream := StreamKey(msg.Queue)
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, stream, c.cfg.Queue.Name, msg.ID)
		if !c.cfg.KeepAcked {
			p.XDel(ctx, stream, msg.ID)
		}
		return nil
	})
	if err != nil {
		c.log.Error("consumer: xack", zap.String("id", msg.ID), zap.Error(err))
	}
}

// deadLetter republishes msg to the queue's dead-letter exchange and acks the
// original. If the republish fails the original stays pending and is tried
// again on the next reclaim.
func (c *Consumer) deadLetter(ctx context.Context, msg Message, reason string) {
	q := c.cfg.Queue
	if q.DeadLetterExchange == "" {
		c.log.Error("consumer: dropping message, no dead-letter exchange",
			zap.String("queue", q.Name),
			zap.String("id", msg.ID),
			zap.String("reason", reason),
		)
		c.ack(ctx, msg)
		return
	}

	err := c.pub.publish(ctx, q.DeadLetterExchange, q.DeadLetterRoutingKey, map[string]any{
		fieldBody:       string(msg.Body),
		fieldCID:        msg.CorrelationID,
		fieldExchange:   msg.Exchange,
		fieldRoutingKey: msg.RoutingKey,
		fieldReason:     reason,
		fieldOrigin:     q.Name,
		fieldDeliveries: strconv.FormatInt(msg.Deliveries, 10),
	})
	if err != nil {
		c.log.Error("consumer: dead-letter publish", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	c.log.Warn("consumer: message dead-lettered",
		zap.String("queue", q.Name),
		zap.String("id", msg.ID),
		zap.String("reason", reason),
	)
	c.ack(ctx, msg)
}
