// Package ledger is the atomic stock and per-user uniqueness gate for seckill
// vouchers. Stock lives in seckill:stock:<voucherId>; the users holding a
// reservation live in the set seckill:order:<voucherId>. Reservations touch
// both keys inside one script so no caller observes a partial update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/metrics"
	"github.com/localhub/localhub/internal/model"
)

// Result is the reservation outcome returned by the reserve script.
type Result int

const (
	OK         Result = 0
	OutOfStock Result = 1
	Duplicate  Result = 2
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case OutOfStock:
		return "out_of_stock"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// reserveScript checks the user before the stock so that repeat requests
// from a user who already holds a slot always read as Duplicate.
//
// KEYS[1] stock key, KEYS[2] order set key, ARGV[1] user id.
var reserveScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return 2
end
local stock = tonumber(redis.call('GET', KEYS[1]))
if stock == nil or stock <= 0 then
	return 1
end
redis.call('DECR', KEYS[1])
redis.call('SADD', KEYS[2], ARGV[1])
return 0
`)

// cancelScript gives a reservation back. Returns 0 if the user held none.
var cancelScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('INCR', KEYS[1])
return 1
`)

type Ledger struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, log: log}
}

func StockKey(voucherID int64) string { return fmt.Sprintf(model.SeckillStockKeyFmt, voucherID) }

func OrderSetKey(voucherID int64) string { return fmt.Sprintf(model.SeckillOrderKeyFmt, voucherID) }

// TryReserve runs the check-and-decrement for one (voucher, user) pair.
func (l *Ledger) TryReserve(ctx context.Context, voucherID, userID int64) (Result, error) {
	n, err := reserveScript.Run(ctx, l.rdb,
		[]string{StockKey(voucherID), OrderSetKey(voucherID)},
		userID,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reserve voucher %d: %w", voucherID, err)
	}
	r := Result(n)
	metrics.LedgerReservations.WithLabelValues(r.String()).Inc()
	return r, nil
}

// Load sets the available stock for a voucher, replacing any previous value.
func (l *Ledger) Load(ctx context.Context, voucherID int64, stock int) error {
	if stock < 0 {
		return fmt.Errorf("load voucher %d: negative stock %d", voucherID, stock)
	}
	if err := l.rdb.Set(ctx, StockKey(voucherID), stock, 0).Err(); err != nil {
		return fmt.Errorf("load voucher %d: %w", voucherID, err)
	}
	return nil
}

// Stock returns the remaining reservable stock, or 0 if never loaded.
func (l *Ledger) Stock(ctx context.Context, voucherID int64) (int, error) {
	n, err := l.rdb.Get(ctx, StockKey(voucherID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stock voucher %d: %w", voucherID, err)
	}
	return n, nil
}

// Holds reports whether userID holds a reservation for voucherID.
func (l *Ledger) Holds(ctx context.Context, voucherID, userID int64) (bool, error) {
	ok, err := l.rdb.SIsMember(ctx, OrderSetKey(voucherID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("holds voucher %d: %w", voucherID, err)
	}
	return ok, nil
}

// Cancel returns a user's reservation to the pool. It reports false when the
// user held none.
func (l *Ledger) Cancel(ctx context.Context, voucherID, userID int64) (bool, error) {
	n, err := cancelScript.Run(ctx, l.rdb,
		[]string{StockKey(voucherID), OrderSetKey(voucherID)},
		userID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("cancel voucher %d: %w", voucherID, err)
	}
	return n == 1, nil
}

// Orphan is a reservation whose order never reached the broker.
type Orphan struct {
	VoucherID int64
	UserID    int64
	OrderID   int64
	At        time.Time
}

func (o Orphan) member() string {
	return strconv.FormatInt(o.VoucherID, 10) + ":" +
		strconv.FormatInt(o.UserID, 10) + ":" +
		strconv.FormatInt(o.OrderID, 10)
}

// RecordOrphan appends o to the orphan log, scored by time.
func (l *Ledger) RecordOrphan(ctx context.Context, o Orphan) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	err := l.rdb.ZAdd(ctx, model.SeckillOrphansKey, redis.Z{
		Score:  float64(o.At.Unix()),
		Member: o.member(),
	}).Err()
	if err != nil {
		return fmt.Errorf("record orphan: %w", err)
	}
	return nil
}

// Orphans lists the orphan log oldest first.
func (l *Ledger) Orphans(ctx context.Context) ([]Orphan, error) {
	zs, err := l.rdb.ZRangeWithScores(ctx, model.SeckillOrphansKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	out := make([]Orphan, 0, len(zs))
	for _, z := range zs {
		s, _ := z.Member.(string)
		var o Orphan
		if _, err := fmt.Sscanf(s, "%d:%d:%d", &o.VoucherID, &o.UserID, &o.OrderID); err != nil {
			l.log.Warn("ledger: malformed orphan entry", zap.String("member", s))
			continue
		}
		o.At = time.Unix(int64(z.Score), 0)
		out = append(out, o)
	}
	return out, nil
}

// Reconcile replaces the stock counter and the reservation set of voucherID
// with the durable view: stock is what the store still has, holders are the
// users with a persisted order. Orphan entries for the voucher are cleared.
// Run it only once the order queue is drained, or in-flight reservations are
// lost.
func (l *Ledger) Reconcile(ctx context.Context, voucherID int64, stock int, holders []int64) error {
	members := make([]any, len(holders))
	for i, id := range holders {
		members[i] = id
	}
	orphans, err := l.Orphans(ctx)
	if err != nil {
		return err
	}
	var stale []any
	for _, o := range orphans {
		if o.VoucherID == voucherID {
			stale = append(stale, o.member())
		}
	}
	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, StockKey(voucherID), stock, 0)
		p.Del(ctx, OrderSetKey(voucherID))
		if len(members) > 0 {
			p.SAdd(ctx, OrderSetKey(voucherID), members...)
		}
		if len(stale) > 0 {
			p.ZRem(ctx, model.SeckillOrphansKey, stale...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile voucher %d: %w", voucherID, err)
	}
	l.log.Info("ledger reconciled",
		zap.Int64("voucher", voucherID),
		zap.Int("stock", stock),
		zap.Int("holders", len(holders)),
	)
	return nil
}
