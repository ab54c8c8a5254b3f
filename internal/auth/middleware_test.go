package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/localhub/localhub/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSetup creates a miniredis instance, a session store, and a Gin engine
// with the auth middleware wired up on an open and a protected route.
func testSetup(t *testing.T) (*miniredis.Miniredis, *Sessions, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewSessions(rdb, 30*time.Minute)

	r := gin.New()
	r.Use(Middleware(s))
	r.GET("/open", func(c *gin.Context) {
		u, ok := UserFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"logged_in": ok, "id": u.ID})
	})
	r.GET("/me", Require(), func(c *gin.Context) {
		u, _ := CurrentUser(c.Request.Context())
		c.JSON(http.StatusOK, u)
	})
	return mr, s, r
}

func TestMiddleware_ValidToken(t *testing.T) {
	_, s, r := testSetup(t)

	token, err := s.Issue(context.Background(), model.User{ID: 42, NickName: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("authorization", token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var u model.User
	json.Unmarshal(w.Body.Bytes(), &u) //nolint:errcheck
	if u.ID != 42 || u.NickName != "alice" {
		t.Errorf("user: got %+v", u)
	}
}

func TestMiddleware_MissingToken(t *testing.T) {
	_, _, r := testSetup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Open routes still serve anonymous requests.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMiddleware_UnknownToken(t *testing.T) {
	_, _, r := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("authorization", "no-such-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_RefreshesTTL(t *testing.T) {
	mr, s, r := testSetup(t)

	token, _ := s.Issue(context.Background(), model.User{ID: 1})
	key := model.LoginTokenKey + token
	mr.FastForward(20 * time.Minute)
	if ttl := mr.TTL(key); ttl != 10*time.Minute {
		t.Fatalf("TTL before request: got %v", ttl)
	}

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("authorization", token)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if ttl := mr.TTL(key); ttl != 30*time.Minute {
		t.Errorf("TTL after request: got %v want 30m", ttl)
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	mr, s, r := testSetup(t)

	token, _ := s.Issue(context.Background(), model.User{ID: 1})
	mr.FastForward(31 * time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("authorization", token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_StoreError(t *testing.T) {
	mr, _, r := testSetup(t)
	mr.SetError("LOADING")

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("authorization", "tok")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCurrentUser_Anonymous(t *testing.T) {
	if _, err := CurrentUser(context.Background()); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	ctx := WithUser(context.Background(), model.User{ID: 9})
	u, err := CurrentUser(ctx)
	if err != nil || u.ID != 9 {
		t.Fatalf("got (%+v, %v)", u, err)
	}
}
