package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/broker"
	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/metrics"
	"github.com/localhub/localhub/internal/model"
	"github.com/localhub/localhub/internal/store"
)

// OrderWriter persists one order atomically. It must report an existing
// order for the same user and voucher as store.ErrDuplicate and an empty
// durable stock as store.ErrStockExhausted.
type OrderWriter interface {
	CreateVoucherOrder(ctx context.Context, o *model.VoucherOrder) error
}

// Fulfiller is the broker handler for queued orders. Work for one user is
// serialized by the lock order:<userId>; different users proceed in parallel.
type Fulfiller struct {
	locker  *lock.Locker
	writer  OrderWriter
	lockTTL time.Duration
	backoff lock.Backoff
	log     *zap.Logger
}

func NewFulfiller(locker *lock.Locker, w OrderWriter, lockTTL time.Duration, b lock.Backoff, log *zap.Logger) *Fulfiller {
	return &Fulfiller{locker: locker, writer: w, lockTTL: lockTTL, backoff: b, log: log}
}

// Handle persists the order in msg. Outcomes:
//   - stored, or already stored for this user: nil (ack)
//   - undecodable or durable stock exhausted: wraps broker.ErrReject (dead-letter)
//   - lock timeout or store failure: plain error (redelivery)
func (f *Fulfiller) Handle(ctx context.Context, msg broker.Message) error {
	var o model.VoucherOrder
	if err := json.Unmarshal(msg.Body, &o); err != nil {
		metrics.Fulfillments.WithLabelValues("dead_lettered").Inc()
		return fmt.Errorf("decode order: %v: %w", err, broker.ErrReject)
	}
	if o.ID == 0 || o.UserID == 0 || o.VoucherID == 0 {
		metrics.Fulfillments.WithLabelValues("dead_lettered").Inc()
		return fmt.Errorf("incomplete order %d: %w", o.ID, broker.ErrReject)
	}

	h, err := f.locker.Acquire(ctx, fmt.Sprintf(model.LockOrderKeyFmt, o.UserID), lock.NewOwner(), f.lockTTL, f.backoff)
	if err != nil {
		metrics.Fulfillments.WithLabelValues("retry").Inc()
		return fmt.Errorf("order %d: %w", o.ID, err)
	}
	defer func() {
		if _, err := f.locker.Release(context.WithoutCancel(ctx), h); err != nil {
			f.log.Warn("fulfiller: release lock", zap.String("key", h.Key), zap.Error(err))
		}
	}()

	err = f.writer.CreateVoucherOrder(ctx, &o)
	switch {
	case err == nil:
		metrics.Fulfillments.WithLabelValues("persisted").Inc()
		f.log.Info("order persisted",
			zap.Int64("order", o.ID),
			zap.Int64("user", o.UserID),
			zap.Int64("voucher", o.VoucherID),
		)
		return nil
	case errors.Is(err, store.ErrDuplicate):
		metrics.Fulfillments.WithLabelValues("duplicate").Inc()
		f.log.Info("order already persisted for user, skipping",
			zap.Int64("order", o.ID),
			zap.Int64("user", o.UserID),
			zap.Int64("voucher", o.VoucherID),
		)
		return nil
	case errors.Is(err, store.ErrStockExhausted):
		metrics.Fulfillments.WithLabelValues("dead_lettered").Inc()
		return fmt.Errorf("order %d: %w: %w", o.ID, err, broker.ErrReject)
	default:
		metrics.Fulfillments.WithLabelValues("retry").Inc()
		return fmt.Errorf("persist order %d: %w", o.ID, err)
	}
}
