package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() { gin.SetMode(gin.TestMode) }

func TestMiddleware_CountsByRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/shop/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/shop/:id", "200"))
	for _, id := range []string{"1", "2", "3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/shop/"+id, nil))
	}
	after := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/shop/:id", "200"))
	if after-before != 3 {
		t.Errorf("requests counted: got %v want 3", after-before)
	}
}

func TestMiddleware_Unmatched(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())

	before := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	after := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))
	if after-before != 1 {
		t.Errorf("unmatched counted: got %v want 1", after-before)
	}
}
