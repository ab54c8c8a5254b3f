// Command opsctl is the operator tool for the seckill pipeline: inspect and
// replay dead-lettered orders, reconcile the stock ledger, preheat hot shops
// and issue login tokens for testing.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/broker"
	"github.com/localhub/localhub/internal/cache"
	"github.com/localhub/localhub/internal/config"
	"github.com/localhub/localhub/internal/ledger"
	"github.com/localhub/localhub/internal/lock"
	"github.com/localhub/localhub/internal/model"
	"github.com/localhub/localhub/internal/shop"
	"github.com/localhub/localhub/internal/store"
	"github.com/localhub/localhub/internal/voucher"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	var tk *toolkit
	app := newApp(func() (*toolkit, error) {
		if tk != nil {
			return tk, nil
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		db, err := store.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		tk = newToolkit(cfg, rdb, db, log)
		return tk, nil
	})
	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "opsctl:", err)
		os.Exit(1)
	}
}

// toolkit holds the components the commands act on.
type toolkit struct {
	cfg       *config.Config
	inspector *broker.Inspector
	ledger    *ledger.Ledger
	vouchers  *voucher.Service
	shops     *shop.Service
	sessions  *auth.Sessions
}

func newToolkit(cfg *config.Config, rdb *redis.Client, db *gorm.DB, log *zap.Logger) *toolkit {
	st := store.New(db)
	locker := lock.New(rdb, log)
	cc := cache.New(rdb, locker, nil, cache.Options{
		NullTTL:       cfg.Cache.NullTTL,
		LockTTL:       cfg.Cache.RebuildLockTTL,
		RetryInterval: cfg.Cache.RetryInterval,
		MaxRetries:    cfg.Cache.MaxRetries,
	}, log)
	bc := cache.NewBroadcaster(rdb, cfg.Cache.InvalidationChannel, nil, log)
	l := ledger.New(rdb, log)
	return &toolkit{
		cfg:       cfg,
		inspector: broker.NewInspector(rdb, broker.NewPublisher(rdb, log)),
		ledger:    l,
		vouchers:  voucher.NewService(st, cc, bc, l, cfg.Cache.VoucherTTL, log),
		shops: shop.NewService(st, cc, bc, shop.TTLs{
			Shop:     cfg.Cache.ShopTTL,
			Hot:      cfg.Cache.HotShopTTL,
			ShopType: cfg.Cache.ShopTypeTTL,
		}, log),
		sessions: auth.NewSessions(rdb, cfg.Auth.TokenTTL),
	}
}

func newApp(open func() (*toolkit, error)) *cli.App {
	withKit := func(run func(c *cli.Context, tk *toolkit) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			tk, err := open()
			if err != nil {
				return err
			}
			return run(c, tk)
		}
	}

	return &cli.App{
		Name:            "opsctl",
		Usage:           "operate the localhub seckill pipeline",
		Version:         version,
		HideVersion:     true,
		HideHelpCommand: true,
		Commands: []*cli.Command{
			{
				Name:  "dlq",
				Usage: "dead-lettered orders",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list messages in the dead-letter queue",
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "count", Aliases: []string{"n"}, Value: 50, Usage: "maximum `N` messages"},
						},
						Action: withKit(runDLQList),
					},
					{
						Name:      "replay",
						Usage:     "republish a dead-lettered message to its original exchange",
						ArgsUsage: "<message id>",
						Action:    withKit(runDLQReplay),
					},
				},
			},
			{
				Name:  "ledger",
				Usage: "seckill stock ledger",
				Subcommands: []*cli.Command{
					{
						Name:      "reconcile",
						Usage:     "rebuild stock and reservations of a voucher from the database",
						ArgsUsage: "<voucher id>",
						Action:    withKit(runLedgerReconcile),
					},
					{
						Name:   "orphans",
						Usage:  "list reservations whose order never reached the queue",
						Action: withKit(runLedgerOrphans),
					},
					{
						Name:      "stock",
						Usage:     "print the ledger stock of a voucher",
						ArgsUsage: "<voucher id>",
						Action:    withKit(runLedgerStock),
					},
				},
			},
			{
				Name:      "preheat",
				Usage:     "load shops into the hot cache",
				ArgsUsage: "<shop id>...",
				Action:    withKit(runPreheat),
			},
			{
				Name:  "token",
				Usage: "issue a login token",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "user `ID`"},
					&cli.StringFlag{Name: "nick", Usage: "nick name"},
				},
				Action: withKit(runToken),
			},
		},
	}
}

func runDLQList(c *cli.Context, tk *toolkit) error {
	msgs, err := tk.inspector.List(c.Context, tk.cfg.Broker.DeadLetterQueue, c.Int64("count"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tORIGIN\tDELIVERIES\tREASON\tBODY")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.Origin, m.Deliveries, m.Reason, m.Body)
	}
	return w.Flush()
}

func runDLQReplay(c *cli.Context, tk *toolkit) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("message id required")
	}
	cid, err := tk.inspector.Replay(c.Context, tk.cfg.Broker.DeadLetterQueue, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "replayed %s as %s\n", id, cid)
	return nil
}

func runLedgerReconcile(c *cli.Context, tk *toolkit) error {
	id, err := argID(c)
	if err != nil {
		return err
	}
	if err := tk.vouchers.Reconcile(c.Context, id); err != nil {
		return err
	}
	stock, err := tk.ledger.Stock(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "voucher %d reconciled, stock %d\n", id, stock)
	return nil
}

func runLedgerOrphans(c *cli.Context, tk *toolkit) error {
	orphans, err := tk.ledger.Orphans(c.Context)
	if err != nil {
		return err
	}
	printOrphans(c.App.Writer, orphans)
	return nil
}

func runLedgerStock(c *cli.Context, tk *toolkit) error {
	id, err := argID(c)
	if err != nil {
		return err
	}
	stock, err := tk.ledger.Stock(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, stock)
	return nil
}

func runPreheat(c *cli.Context, tk *toolkit) error {
	if c.NArg() == 0 {
		return errors.New("at least one shop id required")
	}
	ids := make([]int64, 0, c.NArg())
	for _, s := range c.Args().Slice() {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid shop id %q", s)
		}
		ids = append(ids, id)
	}
	n, err := tk.shops.Preheat(c.Context, ids...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "preheated %d of %d shops\n", n, len(ids))
	return nil
}

func runToken(c *cli.Context, tk *toolkit) error {
	tok, err := tk.sessions.Issue(c.Context, model.User{ID: c.Int64("user"), NickName: c.String("nick")})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}

func argID(c *cli.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("positive id required")
	}
	return id, nil
}

func printOrphans(w io.Writer, orphans []ledger.Orphan) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VOUCHER\tUSER\tORDER\tAT")
	for _, o := range orphans {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", o.VoucherID, o.UserID, o.OrderID, o.At.Format("2006-01-02 15:04:05"))
	}
	tw.Flush() //nolint:errcheck
}
