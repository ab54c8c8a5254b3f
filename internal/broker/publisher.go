package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/metrics"
)

// Confirmation reports whether a routed message was stored in every bound
// queue.
type Confirmation struct {
	CorrelationID string
	Exchange      string
	RoutingKey    string
	Ack           bool
	Err           error
}

// Return reports a message that matched no binding.
type Return struct {
	CorrelationID string
	Exchange      string
	RoutingKey    string
	Body          []byte
}

type Publisher struct {
	rdb *redis.Client
	log *zap.Logger

	mu        sync.RWMutex
	onConfirm func(Confirmation)
	onReturn  func(Return)
}

// NewPublisher returns a publisher whose default callbacks log nacks and
// returns.
func NewPublisher(rdb *redis.Client, log *zap.Logger) *Publisher {
	p := &Publisher{rdb: rdb, log: log}
	p.onConfirm = func(c Confirmation) {
		if !c.Ack {
			log.Error("publisher: message not confirmed",
				zap.String("exchange", c.Exchange),
				zap.String("routing_key", c.RoutingKey),
				zap.String("cid", c.CorrelationID),
				zap.Error(c.Err),
			)
		}
	}
	p.onReturn = func(r Return) {
		log.Warn("publisher: message returned, no route",
			zap.String("exchange", r.Exchange),
			zap.String("routing_key", r.RoutingKey),
			zap.String("cid", r.CorrelationID),
		)
	}
	return p
}

// OnConfirm replaces the confirmation callback.
func (p *Publisher) OnConfirm(fn func(Confirmation)) {
	p.mu.Lock()
	p.onConfirm = fn
	p.mu.Unlock()
}

// OnReturn replaces the mandatory-return callback.
func (p *Publisher) OnReturn(fn func(Return)) {
	p.mu.Lock()
	p.onReturn = fn
	p.mu.Unlock()
}

// Publish routes body through exchange/routingKey and returns the message's
// correlation id. It fails with ErrUnroutable when nothing is bound and with
// ErrNotConfirmed when a bound queue could not be written.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) (string, error) {
	cid := uuid.NewString()
	return cid, p.publish(ctx, exchange, routingKey, map[string]any{
		fieldBody:       string(body),
		fieldCID:        cid,
		fieldExchange:   exchange,
		fieldRoutingKey: routingKey,
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, values map[string]any) error {
	cid, _ := values[fieldCID].(string)

	queues, err := p.rdb.SMembers(ctx, bindKey(exchange, routingKey)).Result()
	if err != nil {
		return p.nack(exchange, routingKey, cid, err)
	}
	if len(queues) == 0 {
		metrics.BrokerPublishes.WithLabelValues(exchange, "returned").Inc()
		body, _ := values[fieldBody].(string)
		p.mu.RLock()
		fn := p.onReturn
		p.mu.RUnlock()
		fn(Return{CorrelationID: cid, Exchange: exchange, RoutingKey: routingKey, Body: []byte(body)})
		return fmt.Errorf("%w: %s/%s", ErrUnroutable, exchange, routingKey)
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, q := range queues {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: StreamKey(q), Values: values})
		}
		return nil
	})
	if err != nil {
		return p.nack(exchange, routingKey, cid, err)
	}

	metrics.BrokerPublishes.WithLabelValues(exchange, "ack").Inc()
	p.mu.RLock()
	fn := p.onConfirm
	p.mu.RUnlock()
	fn(Confirmation{CorrelationID: cid, Exchange: exchange, RoutingKey: routingKey, Ack: true})
	return nil
}

func (p *Publisher) nack(exchange, routingKey, cid string, err error) error {
	metrics.BrokerPublishes.WithLabelValues(exchange, "nack").Inc()
	p.mu.RLock()
	fn := p.onConfirm
	p.mu.RUnlock()
	fn(Confirmation{CorrelationID: cid, Exchange: exchange, RoutingKey: routingKey, Err: err})
	return fmt.Errorf("%w: %s/%s: %v", ErrNotConfirmed, exchange, routingKey, err)
}
