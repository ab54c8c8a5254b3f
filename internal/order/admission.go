// Package order turns purchase requests into queued orders and queued
// orders into durable rows.
//
// Admission runs on the request path: window check, per-user lock, atomic
// ledger reservation, id mint, enqueue. It returns the minted id as soon as
// the broker confirms the message; persistence happens later in Fulfiller.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/broker"
	"github.com/localhub/localhub/internal/idgen"
	"github.com/localhub/localhub/internal/ledger"
	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/metrics"
	"github.com/localhub/localhub/internal/model"
)

var (
	ErrOutOfStock      = errors.New("out of stock")
	ErrDuplicateOrder  = errors.New("only one order per user")
	ErrEnqueueFailed   = errors.New("order not queued, retry purchase")
	ErrVoucherNotFound = errors.New("voucher not found")
	ErrNotStarted      = errors.New("seckill has not started")
	ErrEnded           = errors.New("seckill has ended")
)

// VoucherSource resolves a seckill voucher, (nil, nil) if unknown.
type VoucherSource interface {
	Get(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
}

type AdmissionConfig struct {
	IDPrefix   string
	Exchange   string
	RoutingKey string
	LockTTL    time.Duration
}

type Admission struct {
	vouchers VoucherSource
	locker   *lock.Locker
	ledger   *ledger.Ledger
	ids      *idgen.Generator
	pub      *broker.Publisher
	cfg      AdmissionConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewAdmission(
	vouchers VoucherSource,
	locker *lock.Locker,
	l *ledger.Ledger,
	ids *idgen.Generator,
	pub *broker.Publisher,
	cfg AdmissionConfig,
	log *zap.Logger,
) *Admission {
	return &Admission{
		vouchers: vouchers,
		locker:   locker,
		ledger:   l,
		ids:      ids,
		pub:      pub,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Seckill admits one purchase of voucherID for the user in ctx and returns
// the minted order id. A returned id means the order is queued, not stored.
func (a *Admission) Seckill(ctx context.Context, voucherID int64) (int64, error) {
	user, err := auth.CurrentUser(ctx)
	if err != nil {
		return 0, err
	}

	v, err := a.vouchers.Get(ctx, voucherID)
	if err != nil {
		return 0, fmt.Errorf("load voucher %d: %w", voucherID, err)
	}
	if v == nil {
		return 0, a.reject("not_found", ErrVoucherNotFound)
	}
	now := a.now()
	if !v.Started(now) {
		return 0, a.reject("not_started", ErrNotStarted)
	}
	if v.Ended(now) {
		return 0, a.reject("ended", ErrEnded)
	}

	// A second in-flight request from the same user is a duplicate.
	h, ok, err := a.locker.TryAcquire(ctx, fmt.Sprintf(model.LockSeckillKeyFmt, voucherID, user.ID), lock.NewOwner(), a.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, a.reject("duplicate", ErrDuplicateOrder)
	}
	defer func() {
		if _, err := a.locker.Release(context.WithoutCancel(ctx), h); err != nil {
			a.log.Warn("admission: release lock", zap.String("key", h.Key), zap.Error(err))
		}
	}()

	res, err := a.ledger.TryReserve(ctx, voucherID, user.ID)
	if err != nil {
		return 0, err
	}
	switch res {
	case ledger.OutOfStock:
		return 0, a.reject("out_of_stock", ErrOutOfStock)
	case ledger.Duplicate:
		return 0, a.reject("duplicate", ErrDuplicateOrder)
	}

	id, err := a.ids.NextID(ctx, a.cfg.IDPrefix)
	if err != nil {
		a.orphan(ctx, voucherID, user.ID, 0, err)
		return 0, a.reject("id_failed", fmt.Errorf("mint order id: %w", err))
	}

	body, err := json.Marshal(model.VoucherOrder{
		ID:        id,
		UserID:    user.ID,
		VoucherID: voucherID,
		Status:    model.OrderUnpaid,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("encode order: %w", err)
	}
	if _, err := a.pub.Publish(ctx, a.cfg.Exchange, a.cfg.RoutingKey, body); err != nil {
		a.orphan(ctx, voucherID, user.ID, id, err)
		return 0, a.reject("enqueue_failed", fmt.Errorf("%w: %v", ErrEnqueueFailed, err))
	}

	metrics.Admissions.WithLabelValues("enqueued").Inc()
	return id, nil
}

func (a *Admission) reject(state string, err error) error {
	metrics.Admissions.WithLabelValues(state).Inc()
	return err
}

// orphan records a reservation that will never become an order. The ledger
// slot stays taken until an operator reconciles the voucher.
func (a *Admission) orphan(ctx context.Context, voucherID, userID, orderID int64, cause error) {
	a.log.Error("admission: reservation orphaned",
		zap.Int64("voucher", voucherID),
		zap.Int64("user", userID),
		zap.Int64("order", orderID),
		zap.Error(cause),
	)
	err := a.ledger.RecordOrphan(context.WithoutCancel(ctx), ledger.Orphan{
		VoucherID: voucherID,
		UserID:    userID,
		OrderID:   orderID,
		At:        a.now(),
	})
	if err != nil {
		a.log.Error("admission: record orphan", zap.Error(err))
	}
}
