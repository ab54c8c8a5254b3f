// Package api mounts the HTTP routes for shops, vouchers and seckill orders.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/model"
)

// Shops is satisfied by shop.Service.
type Shops interface {
	QueryByID(ctx context.Context, id int64) (*model.Shop, error)
	QueryHotByID(ctx context.Context, id int64) (*model.Shop, error)
	Update(ctx context.Context, s *model.Shop) error
	QueryTypeList(ctx context.Context) ([]model.ShopType, error)
}

// Vouchers is satisfied by voucher.Service.
type Vouchers interface {
	Add(ctx context.Context, v *model.SeckillVoucher) error
}

// Orders is satisfied by order.Admission.
type Orders interface {
	Seckill(ctx context.Context, voucherID int64) (int64, error)
}

type Handler struct {
	shops    Shops
	vouchers Vouchers
	orders   Orders
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewHandler wires the routes. limiter guards the purchase route only; nil
// disables it.
func NewHandler(shops Shops, vouchers Vouchers, orders Orders, limiter *rate.Limiter, log *zap.Logger) *Handler {
	return &Handler{shops: shops, vouchers: vouchers, orders: orders, limiter: limiter, log: log}
}

// Register mounts all routes. The auth middleware should already be applied
// to rg.
func (h *Handler) Register(rg gin.IRouter) {
	// ── Shops ──────────────────────────────────────────────────────────────
	rg.GET("/shop/:id", h.handleShop)
	rg.GET("/shop/hot/:id", h.handleHotShop)
	rg.PUT("/shop", h.handleUpdateShop)
	rg.GET("/shop-type/list", h.handleShopTypes)

	// ── Vouchers ───────────────────────────────────────────────────────────
	rg.POST("/voucher/seckill", h.handleAddSeckillVoucher)

	// ── Orders ─────────────────────────────────────────────────────────────
	rg.POST("/voucher-order/seckill/:id", rateLimit(h.limiter), auth.Require(), h.handleSeckill)
}

// RegisterOps mounts the health and metrics endpoints.
func RegisterOps(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ── Shops ───────────────────────────────────────────────────────────────────

func (h *Handler) handleShop(c *gin.Context) {
	id, good := pathID(c)
	if !good {
		return
	}
	s, err := h.shops.QueryByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if s == nil {
		fail(c, http.StatusNotFound, "shop not found")
		return
	}
	ok(c, s)
}

func (h *Handler) handleHotShop(c *gin.Context) {
	id, good := pathID(c)
	if !good {
		return
	}
	s, err := h.shops.QueryHotByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if s == nil {
		fail(c, http.StatusNotFound, "shop not found")
		return
	}
	ok(c, s)
}

func (h *Handler) handleUpdateShop(c *gin.Context) {
	var s model.Shop
	if err := c.ShouldBindJSON(&s); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.shops.Update(c.Request.Context(), &s); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, nil)
}

func (h *Handler) handleShopTypes(c *gin.Context) {
	types, err := h.shops.QueryTypeList(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if types == nil {
		types = []model.ShopType{}
	}
	ok(c, types)
}

// ── Vouchers ────────────────────────────────────────────────────────────────

func (h *Handler) handleAddSeckillVoucher(c *gin.Context) {
	var v model.SeckillVoucher
	if err := c.ShouldBindJSON(&v); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.vouchers.Add(c.Request.Context(), &v); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, v.VoucherID)
}

// ── Orders ──────────────────────────────────────────────────────────────────

func (h *Handler) handleSeckill(c *gin.Context) {
	id, good := pathID(c)
	if !good {
		return
	}
	orderID, err := h.orders.Seckill(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	// ids exceed 2^53; send as a string so JS clients keep every digit
	ok(c, strconv.FormatInt(orderID, 10))
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// rateLimit rejects requests beyond the token bucket with 429.
func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow() {
			fail(c, http.StatusTooManyRequests, "too many requests")
			return
		}
		c.Next()
	}
}
