package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/localhub/localhub/internal/model"
)

// ErrUnauthenticated is returned when a request carries no logged-in user.
var ErrUnauthenticated = errors.New("auth: not logged in")

const headerToken = "authorization"

type userKey struct{}

// WithUser returns a copy of ctx carrying u as the request identity.
func WithUser(ctx context.Context, u model.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the request identity stored by WithUser.
func UserFromContext(ctx context.Context) (model.User, bool) {
	u, ok := ctx.Value(userKey{}).(model.User)
	return u, ok
}

// CurrentUser is UserFromContext with ErrUnauthenticated for anonymous
// requests.
func CurrentUser(ctx context.Context) (model.User, error) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return model.User{}, ErrUnauthenticated
	}
	return u, nil
}

// Sessions maps login tokens to users in Redis hashes login:token:<token>.
type Sessions struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSessions(rdb *redis.Client, ttl time.Duration) *Sessions {
	return &Sessions{rdb: rdb, ttl: ttl}
}

// Issue stores u under a fresh token and returns the token.
func (s *Sessions) Issue(ctx context.Context, u model.User) (string, error) {
	token := uuid.NewString()
	key := model.LoginTokenKey + token
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "id", u.ID, "nickName", u.NickName, "icon", u.Icon)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// Resolve loads the user for token and extends the token's lifetime.
// ok=false means the token is unknown or expired.
func (s *Sessions) Resolve(ctx context.Context, token string) (model.User, bool, error) {
	key := model.LoginTokenKey + token
	res := s.rdb.HGetAll(ctx, key)
	if err := res.Err(); err != nil {
		return model.User{}, false, err
	}
	if len(res.Val()) == 0 {
		return model.User{}, false, nil
	}
	var u model.User
	if err := res.Scan(&u); err != nil {
		return model.User{}, false, fmt.Errorf("decode session: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return model.User{}, false, err
	}
	return u, true, nil
}

// Middleware resolves the authorization header into the request context.
// Anonymous requests pass through; use Require on routes that need a user.
func Middleware(s *Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(headerToken)
		if token == "" {
			c.Next()
			return
		}
		u, ok, err := s.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "errorMsg": "internal error"})
			return
		}
		if ok {
			c.Request = c.Request.WithContext(WithUser(c.Request.Context(), u))
		}
		c.Next()
	}
}

// Require rejects requests without a resolved user.
func Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserFromContext(c.Request.Context()); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "errorMsg": "not logged in"})
			return
		}
		c.Next()
	}
}
