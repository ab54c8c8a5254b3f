package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/order"
	"github.com/localhub/localhub/internal/shop"
	"github.com/localhub/localhub/internal/store"
	"github.com/localhub/localhub/internal/voucher"
)

// Result is the response envelope for every route.
type Result struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	Data     any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Result{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Result{ErrorMsg: msg})
}

// statusOf maps a service error to its HTTP status. Unknown errors are 500
// and their text is not sent to the client.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, order.ErrVoucherNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, order.ErrOutOfStock),
		errors.Is(err, order.ErrDuplicateOrder),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, err.Error()
	case errors.Is(err, order.ErrNotStarted),
		errors.Is(err, order.ErrEnded),
		errors.Is(err, voucher.ErrInvalidVoucher),
		errors.Is(err, shop.ErrInvalidShop):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, order.ErrEnqueueFailed), errors.Is(err, lock.ErrTimeout):
		return http.StatusServiceUnavailable, "busy, please retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	fail(c, status, msg)
}
