// Package metrics defines and registers the relay's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reducer engine
	ReducerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reducer_calls_total",
			Help: "Reducer calls by name and outcome code",
		},
		[]string{"reducer", "code"},
	)

	// Live delivery
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of live subscriber connections",
		},
	)

	TxnUpdatesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_txn_updates_delivered_total",
			Help: "Transaction updates fanned out to the dispatcher",
		},
	)

	SlowConsumerDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_slow_consumer_disconnects_total",
			Help: "Connections dropped for falling behind their buffer",
		},
	)

	// Outbox
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_outbox_pending",
			Help: "Outbox entries awaiting export",
		},
	)

	OutboxFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_outbox_failed",
			Help: "Outbox entries past their attempt cap",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReducerCallsTotal,
		ActiveConnections,
		TxnUpdatesDelivered,
		SlowConsumerDisconnects,
		OutboxPending,
		OutboxFailed,
	)
}

// Handler returns the exposition endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
