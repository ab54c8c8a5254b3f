// Package broker is a small direct-exchange message broker on Redis Streams.
//
// Each queue is a stream mq:queue:<name> read by the consumer group <name>.
// An exchange is only a routing table: the set mq:bind:<exchange>:<key> holds
// the queues bound under that routing key. Publishing fans a message out to
// every bound queue; a message nobody is bound to is returned to the
// publisher, never silently dropped.
//
// Consumers acknowledge with XACK and delete the entry, so a queue's stream
// holds only its backlog: undelivered plus pending messages. Dead-letter
// queues keep acked entries until an operator replays them. A message whose handler fails stays in the
// group's pending list and is redelivered once it has been idle for the
// configured claim interval. After too many deliveries, or when the handler
// rejects it outright, the message is moved to the queue's dead-letter
// exchange.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	queueKeyPrefix = "mq:queue:"
	bindKeyFmt     = "mq:bind:%s:%s"
)

// message fields
const (
	fieldBody       = "body"
	fieldCID        = "cid"
	fieldExchange   = "exchange"
	fieldRoutingKey = "rkey"
	fieldReason     = "reason"
	fieldOrigin     = "origin"
	fieldDeliveries = "deliveries"
)

var (
	// ErrReject is returned (or wrapped) by a handler to dead-letter a message
	// without further redelivery.
	ErrReject = errors.New("broker: message rejected")

	// ErrUnroutable means no queue is bound to the exchange and routing key.
	ErrUnroutable = errors.New("broker: message unroutable")

	// ErrNotConfirmed means the message could not be written to a bound queue.
	ErrNotConfirmed = errors.New("broker: publish not confirmed")
)

// StreamKey returns the stream backing queue.
func StreamKey(queue string) string { return queueKeyPrefix + queue }

func bindKey(exchange, routingKey string) string {
	return fmt.Sprintf(bindKeyFmt, exchange, routingKey)
}

// Queue describes a queue and where its failures go.
type Queue struct {
	Name                 string
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// Message is one delivery.
type Message struct {
	ID            string
	Queue         string
	Body          []byte
	CorrelationID string
	Exchange      string
	RoutingKey    string
	Deliveries    int64

	// Set on messages that were dead-lettered.
	Reason string
	Origin string
}

func messageFrom(queue string, xm redis.XMessage) Message {
	str := func(k string) string {
		s, _ := xm.Values[k].(string)
		return s
	}
	m := Message{
		ID:            xm.ID,
		Queue:         queue,
		Body:          []byte(str(fieldBody)),
		CorrelationID: str(fieldCID),
		Exchange:      str(fieldExchange),
		RoutingKey:    str(fieldRoutingKey),
		Reason:        str(fieldReason),
		Origin:        str(fieldOrigin),
	}
	if d := str(fieldDeliveries); d != "" {
		m.Deliveries, _ = strconv.ParseInt(d, 10, 64)
	}
	return m
}

// Topology declares queues and bindings. Declarations are idempotent.
type Topology struct {
	rdb *redis.Client
}

func NewTopology(rdb *redis.Client) *Topology {
	return &Topology{rdb: rdb}
}

// DeclareQueue creates the queue stream and its consumer group.
func (t *Topology) DeclareQueue(ctx context.Context, q Queue) error {
	err := t.rdb.XGroupCreateMkStream(ctx, StreamKey(q.Name), q.Name, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("declare queue %s: %w", q.Name, err)
	}
	return nil
}

// Bind routes messages published to exchange with routingKey into queue.
func (t *Topology) Bind(ctx context.Context, exchange, routingKey, queue string) error {
	if err := t.rdb.SAdd(ctx, bindKey(exchange, routingKey), queue).Err(); err != nil {
		return fmt.Errorf("bind %s/%s -> %s: %w", exchange, routingKey, queue, err)
	}
	return nil
}

// Unbind removes a binding. Unknown bindings are ignored.
func (t *Topology) Unbind(ctx context.Context, exchange, routingKey, queue string) error {
	if err := t.rdb.SRem(ctx, bindKey(exchange, routingKey), queue).Err(); err != nil {
		return fmt.Errorf("unbind %s/%s -> %s: %w", exchange, routingKey, queue, err)
	}
	return nil
}
