package voucher

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/cache"
	"github.com/localhub/localhub/internal/ledger"
	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/model"
	"github.com/localhub/localhub/internal/store"
)

type fixture struct {
	svc    *Service
	store  *store.Store
	ledger *ledger.Ledger
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	st := store.New(db)

	local := cache.NewLocal(time.Minute)
	c := cache.New(rdb, lock.New(rdb, log), local, cache.Options{
		NullTTL: 2 * time.Minute, LockTTL: time.Second, RetryInterval: time.Millisecond, MaxRetries: 100,
	}, log)
	bc := cache.NewBroadcaster(rdb, "cache:invalidate", local, log)
	l := ledger.New(rdb, log)

	return &fixture{svc: NewService(st, c, bc, l, 10*time.Minute, log), store: st, ledger: l, mr: mr}
}

func window(stock int) *model.SeckillVoucher {
	now := time.Now()
	return &model.SeckillVoucher{VoucherID: 10, Stock: stock, BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)}
}

func TestAdd_PersistsAndPreloadsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Add(ctx, window(100)))

	stock, err := f.ledger.Stock(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 100, stock)

	v, err := f.store.GetSeckillVoucher(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 100, v.Stock)
}

func TestAdd_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	neg := window(-1)
	require.ErrorIs(t, f.svc.Add(ctx, neg), ErrInvalidVoucher)

	backwards := window(1)
	backwards.EndTime = backwards.BeginTime.Add(-time.Second)
	require.ErrorIs(t, f.svc.Add(ctx, backwards), ErrInvalidVoucher)
}

func TestAdd_ClearsNullMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Get(ctx, 10)
	require.NoError(t, err)
	require.Nil(t, v)
	require.True(t, f.mr.Exists("cache:seckill-voucher:10"), "miss cached as null marker")

	require.NoError(t, f.svc.Add(ctx, window(5)))

	v, err = f.svc.Get(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, int64(10), v.VoucherID)
}

func TestReconcile_FromDurableStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Add(ctx, window(5)))

	// Two users reserved, only user 1's order was persisted.
	f.ledger.TryReserve(ctx, 10, 1) //nolint:errcheck
	f.ledger.TryReserve(ctx, 10, 2) //nolint:errcheck
	require.NoError(t, f.store.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 1, UserID: 1, VoucherID: 10}))

	require.NoError(t, f.svc.Reconcile(ctx, 10))

	stock, _ := f.ledger.Stock(ctx, 10)
	require.Equal(t, 4, stock)
	held, _ := f.ledger.Holds(ctx, 10, 2)
	require.False(t, held)
	held, _ = f.ledger.Holds(ctx, 10, 1)
	require.True(t, held)
}

func TestReconcile_UnknownVoucher(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.svc.Reconcile(context.Background(), 404), store.ErrNotFound)
}
