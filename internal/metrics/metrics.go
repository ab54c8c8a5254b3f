// Package metrics holds the Prometheus collectors shared by the concurrency
// core. Label sets are fixed and small; no ids are used as label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CacheLookups counts cache reads by tier outcome:
	// local_hit, hit, null_hit, rebuild, rebuild_error, stale, retry.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache-aside lookups by outcome.",
		},
		[]string{"prefix", "outcome"},
	)

	// CacheInvalidations counts local-tier evictions driven by broadcasts.
	CacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Local cache entries evicted by invalidation broadcasts.",
		},
	)

	// LockAttempts counts single lock attempts by result: acquired, contended.
	LockAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_attempts_total",
			Help: "Distributed lock acquisition attempts.",
		},
		[]string{"result"},
	)

	// LedgerReservations counts ledger outcomes: ok, out_of_stock, duplicate.
	LedgerReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reservations_total",
			Help: "Seckill stock ledger reservation results.",
		},
		[]string{"result"},
	)

	// Admissions counts purchase requests by final state.
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_admissions_total",
			Help: "Order admission pipeline outcomes.",
		},
		[]string{"state"},
	)

	// Fulfillments counts consumer outcomes: persisted, duplicate, retry, dead_lettered.
	Fulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_fulfillments_total",
			Help: "Asynchronous order consumer outcomes.",
		},
		[]string{"outcome"},
	)

	// QueueDepth is the number of messages stored per queue, sampled by the
	// pipeline monitor.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Messages stored in a broker queue.",
		},
		[]string{"queue"},
	)

	// LedgerOrphans is the size of the orphaned-reservation log.
	LedgerOrphans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_orphans",
			Help: "Reservations whose order never reached the broker.",
		},
	)

	// BrokerPublishes counts publisher confirmations: ack, nack, returned.
	BrokerPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Broker publish confirmations.",
		},
		[]string{"exchange", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheLookups,
		CacheInvalidations,
		LockAttempts,
		LedgerReservations,
		Admissions,
		Fulfillments,
		BrokerPublishes,
		QueueDepth,
		LedgerOrphans,
		httpReqs,
		httpLat,
	)
}
