// Package lock implements a Redis mutual-exclusion lock keyed by a logical
// resource name. Acquisition is a single SET NX PX; release is a scripted
// compare-owner-then-delete so a holder can never remove a lock that expired
// and was re-acquired by someone else.
//
// The TTL is a safety net only. Work done under the lock must finish well
// inside it; if it does not, the lock can be taken by another owner while the
// first still believes it holds it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/metrics"
)

const keyPrefix = "lock:"

// ErrTimeout is returned by Acquire when every attempt found the lock held.
var ErrTimeout = errors.New("lock: acquire timed out")

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// processID distinguishes owners across processes sharing the store.
var processID = uuid.NewString()

// NewOwner returns a fresh owner token for one lock attempt.
func NewOwner() string {
	return processID + ":" + uuid.NewString()
}

// Handle identifies a held lock. It is created per attempt and passed back to
// Release.
type Handle struct {
	Key    string
	Owner  string
	Expiry time.Time
}

// Backoff bounds the retry loop of Acquire.
type Backoff struct {
	Attempts int
	Interval time.Duration
	Max      time.Duration
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Interval << attempt
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

type Locker struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Locker {
	return &Locker{rdb: rdb, log: log}
}

// TryAcquire makes a single non-blocking attempt. It returns ok=false when
// another owner holds key.
func (l *Locker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (Handle, bool, error) {
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, owner, ttl).Result()
	if err != nil {
		return Handle{}, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		metrics.LockAttempts.WithLabelValues("contended").Inc()
		return Handle{}, false, nil
	}
	metrics.LockAttempts.WithLabelValues("acquired").Inc()
	return Handle{Key: key, Owner: owner, Expiry: time.Now().Add(ttl)}, true, nil
}

// Acquire retries TryAcquire with exponential backoff until it succeeds, the
// attempts run out (ErrTimeout) or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration, b Backoff) (Handle, error) {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		h, ok, err := l.TryAcquire(ctx, key, owner, ttl)
		if err != nil {
			return Handle{}, err
		}
		if ok {
			return h, nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(b.delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return Handle{}, ctx.Err()
		case <-t.C:
		}
	}
	return Handle{}, fmt.Errorf("%w: %s", ErrTimeout, key)
}

// Release deletes the lock only if h.Owner still holds it. A mismatch (the
// lock expired and was taken by another owner, or is already gone) is logged
// and reported as released=false; it is not an error.
func (l *Locker) Release(ctx context.Context, h Handle) (bool, error) {
	n, err := unlockScript.Run(ctx, l.rdb, []string{keyPrefix + h.Key}, h.Owner).Int()
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", h.Key, err)
	}
	if n == 0 {
		l.log.Warn("lock: release by non-owner ignored",
			zap.String("key", h.Key),
			zap.String("owner", h.Owner),
		)
		return false, nil
	}
	return true, nil
}
