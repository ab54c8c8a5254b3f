package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/model"
	"github.com/localhub/localhub/internal/order"
	"github.com/localhub/localhub/internal/store"
	"github.com/localhub/localhub/internal/voucher"
)

func init() { gin.SetMode(gin.TestMode) }

// ── Mocks ─────────────────────────────────────────────────────────────────────

type mockShops struct {
	mu      sync.Mutex
	shops   map[int64]*model.Shop
	updated []model.Shop
	err     error
}

func (m *mockShops) QueryByID(_ context.Context, id int64) (*model.Shop, error) {
	return m.shops[id], m.err
}

func (m *mockShops) QueryHotByID(_ context.Context, id int64) (*model.Shop, error) {
	return m.shops[id], m.err
}

func (m *mockShops) Update(_ context.Context, s *model.Shop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, *s)
	return m.err
}

func (m *mockShops) QueryTypeList(context.Context) ([]model.ShopType, error) {
	return nil, m.err
}

type mockVouchers struct {
	added []model.SeckillVoucher
	err   error
}

func (m *mockVouchers) Add(_ context.Context, v *model.SeckillVoucher) error {
	m.added = append(m.added, *v)
	return m.err
}

type mockOrders struct {
	id    int64
	err   error
	users []int64
}

func (m *mockOrders) Seckill(ctx context.Context, _ int64) (int64, error) {
	u, err := auth.CurrentUser(ctx)
	if err != nil {
		return 0, err
	}
	m.users = append(m.users, u.ID)
	return m.id, m.err
}

// newTestEngine mounts the handler behind a middleware that logs in userID
// (0 = anonymous).
func newTestEngine(h *Handler, userID int64) *gin.Engine {
	r := gin.New()
	RegisterOps(r)
	g := r.Group("/", func(c *gin.Context) {
		if userID != 0 {
			c.Request = c.Request.WithContext(auth.WithUser(c.Request.Context(), model.User{ID: userID}))
		}
		c.Next()
	})
	h.Register(g)
	return r
}

func do(r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, Result) {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body) //nolint:errcheck
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var res Result
	json.Unmarshal(w.Body.Bytes(), &res) //nolint:errcheck
	return w, res
}

// ── Shops ─────────────────────────────────────────────────────────────────────

func TestShop_Found(t *testing.T) {
	shops := &mockShops{shops: map[int64]*model.Shop{1: {ID: 1, Name: "tea"}}}
	r := newTestEngine(NewHandler(shops, nil, nil, nil, zap.NewNop()), 0)

	w, res := do(r, http.MethodGet, "/shop/1", nil)
	if w.Code != http.StatusOK || !res.Success {
		t.Fatalf("got %d %+v", w.Code, res)
	}
	data := res.Data.(map[string]any)
	if data["name"] != "tea" {
		t.Errorf("name: got %v", data["name"])
	}
}

func TestShop_NotFoundAndBadID(t *testing.T) {
	shops := &mockShops{shops: map[int64]*model.Shop{}}
	r := newTestEngine(NewHandler(shops, nil, nil, nil, zap.NewNop()), 0)

	cases := []struct {
		path string
		code int
	}{
		{"/shop/9", http.StatusNotFound},
		{"/shop/hot/9", http.StatusNotFound},
		{"/shop/abc", http.StatusBadRequest},
		{"/shop/-1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		w, res := do(r, http.MethodGet, tc.path, nil)
		if w.Code != tc.code || res.Success {
			t.Errorf("%s: got %d %+v, want %d", tc.path, w.Code, res, tc.code)
		}
	}
}

func TestShop_InternalErrorHidden(t *testing.T) {
	shops := &mockShops{err: errors.New("redis: connection refused")}
	r := newTestEngine(NewHandler(shops, nil, nil, nil, zap.NewNop()), 0)

	w, res := do(r, http.MethodGet, "/shop/1", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", w.Code)
	}
	if res.ErrorMsg != "internal error" {
		t.Errorf("errorMsg leaked: %q", res.ErrorMsg)
	}
}

func TestUpdateShop(t *testing.T) {
	shops := &mockShops{}
	r := newTestEngine(NewHandler(shops, nil, nil, nil, zap.NewNop()), 0)

	w, res := do(r, http.MethodPut, "/shop", map[string]any{"id": 3, "name": "new"})
	if w.Code != http.StatusOK || !res.Success {
		t.Fatalf("got %d %+v", w.Code, res)
	}
	if len(shops.updated) != 1 || shops.updated[0].ID != 3 || shops.updated[0].Name != "new" {
		t.Errorf("updated: %+v", shops.updated)
	}

	shops.err = fmt.Errorf("update: %w", store.ErrNotFound)
	w, _ = do(r, http.MethodPut, "/shop", map[string]any{"id": 4})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing shop: got %d", w.Code)
	}
}

func TestShopTypes_EmptyIsList(t *testing.T) {
	r := newTestEngine(NewHandler(&mockShops{}, nil, nil, nil, zap.NewNop()), 0)
	w, res := do(r, http.MethodGet, "/shop-type/list", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if list, isList := res.Data.([]any); !isList || len(list) != 0 {
		t.Errorf("data: got %#v", res.Data)
	}
}

// ── Vouchers ──────────────────────────────────────────────────────────────────

func TestAddSeckillVoucher(t *testing.T) {
	vs := &mockVouchers{}
	r := newTestEngine(NewHandler(nil, vs, nil, nil, zap.NewNop()), 0)

	body := map[string]any{
		"voucherId": 7, "stock": 100,
		"beginTime": "2026-01-01T00:00:00Z", "endTime": "2026-01-02T00:00:00Z",
	}
	w, res := do(r, http.MethodPost, "/voucher/seckill", body)
	if w.Code != http.StatusOK || res.Data != float64(7) {
		t.Fatalf("got %d %+v", w.Code, res)
	}
	if len(vs.added) != 1 || vs.added[0].Stock != 100 {
		t.Errorf("added: %+v", vs.added)
	}

	vs.err = voucher.ErrInvalidVoucher
	w, _ = do(r, http.MethodPost, "/voucher/seckill", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid: got %d", w.Code)
	}
}

// ── Orders ────────────────────────────────────────────────────────────────────

func TestSeckill_ReturnsOrderIDAsString(t *testing.T) {
	orders := &mockOrders{id: 1 << 60}
	r := newTestEngine(NewHandler(nil, nil, orders, nil, zap.NewNop()), 42)

	w, res := do(r, http.MethodPost, "/voucher-order/seckill/7", nil)
	if w.Code != http.StatusOK || !res.Success {
		t.Fatalf("got %d %+v", w.Code, res)
	}
	if res.Data != "1152921504606846976" {
		t.Errorf("order id: got %#v", res.Data)
	}
	if len(orders.users) != 1 || orders.users[0] != 42 {
		t.Errorf("user not propagated: %v", orders.users)
	}
}

func TestSeckill_RequiresLogin(t *testing.T) {
	orders := &mockOrders{id: 1}
	r := newTestEngine(NewHandler(nil, nil, orders, nil, zap.NewNop()), 0)

	w, _ := do(r, http.MethodPost, "/voucher-order/seckill/7", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", w.Code)
	}
	if len(orders.users) != 0 {
		t.Error("admission reached without a user")
	}
}

func TestSeckill_ErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{order.ErrOutOfStock, http.StatusConflict},
		{order.ErrDuplicateOrder, http.StatusConflict},
		{order.ErrNotStarted, http.StatusBadRequest},
		{order.ErrEnded, http.StatusBadRequest},
		{order.ErrVoucherNotFound, http.StatusNotFound},
		{order.ErrEnqueueFailed, http.StatusServiceUnavailable},
		{fmt.Errorf("cache: %w", lock.ErrTimeout), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		orders := &mockOrders{err: tc.err}
		r := newTestEngine(NewHandler(nil, nil, orders, nil, zap.NewNop()), 1)
		w, res := do(r, http.MethodPost, "/voucher-order/seckill/7", nil)
		if w.Code != tc.code || res.Success {
			t.Errorf("%v: got %d %+v, want %d", tc.err, w.Code, res, tc.code)
		}
	}
}

func TestSeckill_RateLimited(t *testing.T) {
	orders := &mockOrders{id: 1}
	r := newTestEngine(NewHandler(nil, nil, orders, rate.NewLimiter(rate.Limit(0.001), 2), zap.NewNop()), 1)

	codes := make([]int, 3)
	for i := range codes {
		w, _ := do(r, http.MethodPost, "/voucher-order/seckill/7", nil)
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: got %v", codes)
	}
	if len(orders.users) != 2 {
		t.Errorf("admissions: got %d want 2", len(orders.users))
	}
}

// ── Ops ───────────────────────────────────────────────────────────────────────

func TestOpsEndpoints(t *testing.T) {
	r := newTestEngine(NewHandler(nil, nil, nil, nil, zap.NewNop()), 0)

	w, _ := do(r, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz: got %d", w.Code)
	}
	w, _ = do(r, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("go_goroutines")) {
		t.Errorf("metrics: got %d", w.Code)
	}
}
