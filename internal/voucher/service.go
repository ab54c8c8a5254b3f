// Package voucher administers seckill vouchers: creation with ledger preload,
// cached lookup for the admission path, and ledger reconciliation.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/cache"
	"github.com/localhub/localhub/internal/ledger"
	"github.com/localhub/localhub/internal/model"
	"github.com/localhub/localhub/internal/store"
)

var ErrInvalidVoucher = errors.New("invalid voucher")

type Service struct {
	store  *store.Store
	cache  *cache.Client
	bc     *cache.Broadcaster
	ledger *ledger.Ledger
	ttl    time.Duration
	log    *zap.Logger
}

func NewService(st *store.Store, c *cache.Client, bc *cache.Broadcaster, l *ledger.Ledger, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{store: st, cache: c, bc: bc, ledger: l, ttl: ttl, log: log}
}

// Add persists v and loads its stock into the ledger. A cached null marker
// for the id is dropped so the voucher is visible immediately.
func (s *Service) Add(ctx context.Context, v *model.SeckillVoucher) error {
	if v.VoucherID <= 0 || v.Stock < 0 || !v.EndTime.After(v.BeginTime) {
		return ErrInvalidVoucher
	}
	if err := s.store.CreateSeckillVoucher(ctx, v); err != nil {
		return err
	}
	if err := s.ledger.Load(ctx, v.VoucherID, v.Stock); err != nil {
		return err
	}
	if err := s.bc.Invalidate(ctx, s.cacheKey(v.VoucherID)); err != nil {
		s.log.Warn("voucher: invalidate cache", zap.Int64("voucher", v.VoucherID), zap.Error(err))
	}
	s.log.Info("seckill voucher added",
		zap.Int64("voucher", v.VoucherID),
		zap.Int("stock", v.Stock),
		zap.Time("begin", v.BeginTime),
		zap.Time("end", v.EndTime),
	)
	return nil
}

// Get returns the voucher or nil if it does not exist.
func (s *Service) Get(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	return cache.Query(ctx, s.cache, model.CacheVoucherKey, voucherID, s.store.GetSeckillVoucher, s.ttl)
}

// Reconcile resets the ledger for voucherID from the durable store. Call it
// only with the order queue drained.
func (s *Service) Reconcile(ctx context.Context, voucherID int64) error {
	v, err := s.store.GetSeckillVoucher(ctx, voucherID)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("voucher %d: %w", voucherID, store.ErrNotFound)
	}
	holders, err := s.store.OrderUserIDs(ctx, voucherID)
	if err != nil {
		return err
	}
	return s.ledger.Reconcile(ctx, voucherID, v.Stock, holders)
}

func (s *Service) cacheKey(voucherID int64) string {
	return model.CacheVoucherKey + strconv.FormatInt(voucherID, 10)
}
