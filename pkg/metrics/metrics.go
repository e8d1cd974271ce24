// Package metrics holds the Prometheus collectors shared by the reconciler,
// the swap engine and the scheduler driver.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PassDuration tracks reconciliation pass latency per scope
	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rota_reconcile_pass_duration_seconds",
		Help:    "Reconciliation pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"scope"})

	// PassTotal counts passes by outcome (success, partial, error, skipped)
	PassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_reconcile_pass_total",
		Help: "Total reconciliation passes by outcome",
	}, []string{"scope", "status"})

	// RecordsTotal counts ledger outcomes per record
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_reconcile_records_total",
		Help: "Records processed by reconciliation outcome",
	}, []string{"scope", "outcome"})

	// ProjectionTotal counts calendar projection calls by operation and result
	ProjectionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_projection_total",
		Help: "Calendar projection calls by operation and result",
	}, []string{"operation", "result"})

	// SwapTransitions counts swap workflow transitions
	SwapTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_swap_transitions_total",
		Help: "Swap request transitions by kind and target state",
	}, []string{"kind", "state"})

	// SwapErrors counts failed swap actions by action and error kind
	SwapErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_swap_errors_total",
		Help: "Failed swap actions by action and error kind",
	}, []string{"action", "kind"})

	// NotificationsTotal counts enqueued notifications by kind
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_notifications_total",
		Help: "Notifications handed to the notifier by kind",
	}, []string{"kind"})
)

// Handler exposes the default registry for gin
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
