package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/broker"
	"github.com/localhub/localhub/internal/ledger"
	"github.com/localhub/localhub/internal/metrics"
)

// Monitor samples the backlog of the seckill pipeline: queue depths and the
// orphaned-reservation log.
type Monitor struct {
	ledger    *ledger.Ledger
	inspector *broker.Inspector
	queues    []string
	log       *zap.Logger

	orphans int
}

func NewMonitor(l *ledger.Ledger, insp *broker.Inspector, queues []string, log *zap.Logger) *Monitor {
	return &Monitor{ledger: l, inspector: insp, queues: queues, log: log}
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("pipeline monitor started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			m.log.Info("pipeline monitor stopped")
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample updates the gauges once. A growing orphan log is logged at Warn.
func (m *Monitor) Sample(ctx context.Context) {
	for _, q := range m.queues {
		n, err := m.inspector.Len(ctx, q)
		if err != nil {
			m.log.Error("monitor: queue length", zap.String("queue", q), zap.Error(err))
			continue
		}
		metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	}

	orphans, err := m.ledger.Orphans(ctx)
	if err != nil {
		m.log.Error("monitor: orphans", zap.Error(err))
		return
	}
	metrics.LedgerOrphans.Set(float64(len(orphans)))
	if len(orphans) > m.orphans {
		m.log.Warn("monitor: new orphaned reservations, run ledger reconcile",
			zap.Int("total", len(orphans)),
			zap.Int("new", len(orphans)-m.orphans),
		)
	}
	m.orphans = len(orphans)
}
