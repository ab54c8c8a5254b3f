package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/broker"
	"github.com/localhub/localhub/internal/config"
	"github.com/localhub/localhub/internal/model"
)

// DeadLetters handles the dead-letter queue. It never retries: each order is
// logged and recorded in seckill:dlq:seen for manual reconciliation.
type DeadLetters struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewDeadLetters(rdb *redis.Client, log *zap.Logger) *DeadLetters {
	return &DeadLetters{rdb: rdb, log: log}
}

func (d *DeadLetters) Handle(ctx context.Context, msg broker.Message) error {
	var o model.VoucherOrder
	member := "msg:" + msg.ID
	if err := json.Unmarshal(msg.Body, &o); err == nil && o.ID != 0 {
		member = strconv.FormatInt(o.ID, 10)
	}

	d.log.Error("order dead-lettered",
		zap.Int64("order", o.ID),
		zap.Int64("user", o.UserID),
		zap.Int64("voucher", o.VoucherID),
		zap.String("origin", msg.Origin),
		zap.String("reason", msg.Reason),
		zap.Int64("deliveries", msg.Deliveries),
		zap.String("cid", msg.CorrelationID),
	)
	if err := d.rdb.SAdd(ctx, model.SeckillDeadOrderKey, member).Err(); err != nil {
		return fmt.Errorf("record dead letter %s: %w", member, err)
	}
	return nil
}

// Queues returns the order queue and its dead-letter queue as configured.
func Queues(cfg config.BrokerConfig) (orders, dead broker.Queue) {
	orders = broker.Queue{
		Name:                 cfg.OrderQueue,
		DeadLetterExchange:   cfg.DeadLetterExchange,
		DeadLetterRoutingKey: cfg.DeadLetterKey,
	}
	dead = broker.Queue{Name: cfg.DeadLetterQueue}
	return orders, dead
}

// DeclareTopology declares both queues and binds them to their exchanges.
func DeclareTopology(ctx context.Context, t *broker.Topology, cfg config.BrokerConfig) error {
	orders, dead := Queues(cfg)
	if err := t.DeclareQueue(ctx, orders); err != nil {
		return err
	}
	if err := t.DeclareQueue(ctx, dead); err != nil {
		return err
	}
	if err := t.Bind(ctx, cfg.OrderExchange, cfg.OrderRoutingKey, orders.Name); err != nil {
		return err
	}
	return t.Bind(ctx, cfg.DeadLetterExchange, cfg.DeadLetterKey, dead.Name)
}
