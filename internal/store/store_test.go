package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/localhub/localhub/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return New(db)
}

func seedVoucher(t *testing.T, s *Store, id int64, stock int) {
	t.Helper()
	now := time.Now()
	v := &model.SeckillVoucher{VoucherID: id, Stock: stock, BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)}
	if err := s.CreateSeckillVoucher(context.Background(), v); err != nil {
		t.Fatalf("seed voucher: %v", err)
	}
}

// ── OpenSQLite ────────────────────────────────────────────────────────────────

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "app.db")
	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
}

func TestOpenSQLite_FileAndMigrate(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, table := range []string{"tb_voucher_order", "tb_seckill_voucher", "tb_shop", "tb_shop_type"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s missing", table)
		}
	}
}

// ── CreateVoucherOrder ────────────────────────────────────────────────────────

func TestCreateVoucherOrder_DecrementsStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 7, 2)

	o := &model.VoucherOrder{ID: 1001, UserID: 1, VoucherID: 7}
	if err := s.CreateVoucherOrder(ctx, o); err != nil {
		t.Fatalf("CreateVoucherOrder: %v", err)
	}
	if o.Status != model.OrderUnpaid {
		t.Errorf("Status: got %d want %d", o.Status, model.OrderUnpaid)
	}

	v, _ := s.GetSeckillVoucher(ctx, 7)
	if v.Stock != 1 {
		t.Errorf("stock: got %d want 1", v.Stock)
	}
	got, err := s.GetVoucherOrder(ctx, 1001)
	if err != nil {
		t.Fatalf("GetVoucherOrder: %v", err)
	}
	if got.UserID != 1 || got.VoucherID != 7 {
		t.Errorf("order: got %+v", got)
	}
}

func TestCreateVoucherOrder_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 7, 5)

	if err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 1, UserID: 1, VoucherID: 7}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 2, UserID: 1, VoucherID: 7})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Rejected duplicate must not consume stock
	v, _ := s.GetSeckillVoucher(ctx, 7)
	if v.Stock != 4 {
		t.Errorf("stock: got %d want 4", v.Stock)
	}
}

func TestCreateVoucherOrder_CancelledOrderDoesNotBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 7, 5)

	cancelled := &model.VoucherOrder{ID: 1, UserID: 1, VoucherID: 7, Status: model.OrderCancelled}
	if err := s.DB().Create(cancelled).Error; err != nil {
		t.Fatal(err)
	}
	if err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 2, UserID: 1, VoucherID: 7}); err != nil {
		t.Fatalf("order after cancellation: %v", err)
	}
}

func TestCreateVoucherOrder_StockExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 7, 0)

	err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 1, UserID: 1, VoucherID: 7})
	if !errors.Is(err, ErrStockExhausted) {
		t.Fatalf("expected ErrStockExhausted, got %v", err)
	}
	n, _ := s.CountOrders(ctx, 7)
	if n != 0 {
		t.Errorf("orders: got %d want 0", n)
	}
}

func TestOrderUserIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 7, 5)

	for i, uid := range []int64{11, 12, 13} {
		if err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: int64(i + 1), UserID: uid, VoucherID: 7}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.OrderUserIDs(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("user ids: got %v", ids)
	}
}

// ── Shops ─────────────────────────────────────────────────────────────────────

func TestGetShop_Missing(t *testing.T) {
	s := newTestStore(t)
	shop, err := s.GetShop(context.Background(), 404)
	if err != nil || shop != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", shop, err)
	}
}

func TestUpdateShop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateShop(ctx, &model.Shop{ID: 1, Name: "old", TypeID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateShop(ctx, &model.Shop{ID: 1, Name: "new"}); err != nil {
		t.Fatalf("UpdateShop: %v", err)
	}
	got, _ := s.GetShop(ctx, 1)
	if got.Name != "new" {
		t.Errorf("Name: got %q want new", got.Name)
	}
	if err := s.UpdateShop(ctx, &model.Shop{ID: 99, Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListShopTypes_Ordered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.ListShopTypes(ctx)
	if err != nil || empty != nil {
		t.Fatalf("empty table: got (%v, %v)", empty, err)
	}

	for _, st := range []model.ShopType{{ID: 1, Name: "ktv", Sort: 3}, {ID: 2, Name: "food", Sort: 1}, {ID: 3, Name: "spa", Sort: 2}} {
		st := st
		if err := s.CreateShopType(ctx, &st); err != nil {
			t.Fatal(err)
		}
	}
	types, err := s.ListShopTypes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 3 || types[0].Name != "food" || types[2].Name != "ktv" {
		t.Fatalf("order: got %+v", types)
	}
}
