package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/localhub/localhub/internal/api"
	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/broker"
	"github.com/localhub/localhub/internal/cache"
	"github.com/localhub/localhub/internal/config"
	"github.com/localhub/localhub/internal/idgen"
	"github.com/localhub/localhub/internal/ledger"
	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/metrics"
	"github.com/localhub/localhub/internal/order"
	"github.com/localhub/localhub/internal/shop"
	"github.com/localhub/localhub/internal/store"
	"github.com/localhub/localhub/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Database ──────────────────────────────────────────────────────────────
	db, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatal("database migrate failed", zap.Error(err))
	}

	a := newApp(cfg, rdb, db, log)
	if err := order.DeclareTopology(ctx, a.topology, cfg.Broker); err != nil {
		log.Fatal("broker topology declare failed", zap.Error(err))
	}
	reportOrphans(ctx, a.ledger, log)

	// ── Workers ───────────────────────────────────────────────────────────────
	sub, err := a.invalidations.Subscribe(ctx)
	if err != nil {
		log.Fatal("invalidation subscribe failed", zap.Error(err))
	}
	g, gctx := errgroup.WithContext(ctx)
	a.startWorkers(gctx, g, sub)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: a.router,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Workers stop after the server so in-flight admissions can still enqueue.
	cancel()
	if err := g.Wait(); err != nil {
		log.Error("worker error", zap.Error(err))
	}
	a.cache.Wait()
	log.Info("shutdown complete")
}

// app holds the wired components of one process.
type app struct {
	cfg           *config.Config
	rdb           *redis.Client
	store         *store.Store
	cache         *cache.Client
	invalidations *cache.Broadcaster
	ledger        *ledger.Ledger
	topology      *broker.Topology
	publisher     *broker.Publisher
	fulfiller     *order.Fulfiller
	deadLetters   *order.DeadLetters
	sessions      *auth.Sessions
	router        *gin.Engine
	log           *zap.Logger
}

func newApp(cfg *config.Config, rdb *redis.Client, db *gorm.DB, log *zap.Logger) *app {
	st := store.New(db)
	locker := lock.New(rdb, log)

	var local *cache.Local
	if cfg.Cache.LocalEnabled {
		local = cache.NewLocal(cfg.Cache.LocalTTL)
	}
	cc := cache.New(rdb, locker, local, cache.Options{
		NullTTL:       cfg.Cache.NullTTL,
		LockTTL:       cfg.Cache.RebuildLockTTL,
		RetryInterval: cfg.Cache.RetryInterval,
		MaxRetries:    cfg.Cache.MaxRetries,
	}, log)
	bc := cache.NewBroadcaster(rdb, cfg.Cache.InvalidationChannel, local, log)

	l := ledger.New(rdb, log)
	pub := broker.NewPublisher(rdb, log)

	shops := shop.NewService(st, cc, bc, shop.TTLs{
		Shop:     cfg.Cache.ShopTTL,
		Hot:      cfg.Cache.HotShopTTL,
		ShopType: cfg.Cache.ShopTypeTTL,
	}, log)
	vouchers := voucher.NewService(st, cc, bc, l, cfg.Cache.VoucherTTL, log)

	admission := order.NewAdmission(vouchers, locker, l, idgen.New(rdb), pub, order.AdmissionConfig{
		IDPrefix:   cfg.Seckill.IDPrefix,
		Exchange:   cfg.Broker.OrderExchange,
		RoutingKey: cfg.Broker.OrderRoutingKey,
		LockTTL:    cfg.Lock.OrderTTL,
	}, log)
	fulfiller := order.NewFulfiller(locker, st, cfg.Lock.OrderTTL, lock.Backoff{
		Attempts: cfg.Lock.Attempts,
		Interval: cfg.Lock.RetryInterval,
		Max:      cfg.Lock.MaxInterval,
	}, log)

	sessions := auth.NewSessions(rdb, cfg.Auth.TokenTTL)

	var limiter *rate.Limiter
	if cfg.RateLimit.SeckillRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.SeckillRPS), cfg.RateLimit.SeckillBurst)
	}

	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware())
	api.RegisterOps(r)
	g := r.Group("/", auth.Middleware(sessions))
	api.NewHandler(shops, vouchers, admission, limiter, log).Register(g)

	return &app{
		cfg:           cfg,
		rdb:           rdb,
		store:         st,
		cache:         cc,
		invalidations: bc,
		ledger:        l,
		topology:      broker.NewTopology(rdb),
		publisher:     pub,
		fulfiller:     fulfiller,
		deadLetters:   order.NewDeadLetters(rdb, log),
		sessions:      sessions,
		router:        r,
		log:           log,
	}
}

// startWorkers runs the order consumers, the dead-letter watcher, the
// invalidation subscriber and the pipeline monitor on g until ctx is done.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group, sub *redis.PubSub) {
	bc := a.cfg.Broker
	ordersQ, deadQ := order.Queues(bc)

	workers := bc.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c := broker.NewConsumer(a.rdb, a.publisher, broker.ConsumerConfig{
			Queue:         ordersQ,
			Consumer:      fmt.Sprintf("%s-%d", bc.Consumer, i),
			MaxDeliveries: bc.MaxDeliveries,
			ClaimMinIdle:  bc.ClaimMinIdle,
			Block:         bc.Block,
			BatchSize:     bc.BatchSize,
		}, a.fulfiller.Handle, a.log)
		g.Go(func() error { c.Run(ctx); return nil })
	}

	dlc := broker.NewConsumer(a.rdb, a.publisher, broker.ConsumerConfig{
		Queue:         deadQ,
		Consumer:      bc.Consumer,
		MaxDeliveries: bc.MaxDeliveries,
		ClaimMinIdle:  bc.ClaimMinIdle,
		Block:         bc.Block,
		BatchSize:     bc.BatchSize,
		KeepAcked:     true,
	}, a.deadLetters.Handle, a.log)
	g.Go(func() error { dlc.Run(ctx); return nil })

	g.Go(func() error { a.invalidations.Run(ctx, sub); return nil })

	if bc.MonitorInterval > 0 {
		m := order.NewMonitor(a.ledger, broker.NewInspector(a.rdb, a.publisher), []string{ordersQ.Name, deadQ.Name}, a.log)
		g.Go(func() error { m.Run(ctx, bc.MonitorInterval); return nil })
	}
}

// reportOrphans logs reservations left behind by failed enqueues so an
// operator can run `opsctl ledger reconcile`. It returns how many it found.
func reportOrphans(ctx context.Context, l *ledger.Ledger, log *zap.Logger) int {
	orphans, err := l.Orphans(ctx)
	if err != nil {
		log.Error("reportOrphans: read", zap.Error(err))
		return 0
	}
	for _, o := range orphans {
		log.Warn("orphaned reservation pending reconcile",
			zap.Int64("voucher", o.VoucherID),
			zap.Int64("user", o.UserID),
			zap.Int64("order", o.OrderID),
			zap.Time("at", o.At),
		)
	}
	return len(orphans)
}
