// Package observability holds the Prometheus collectors shared across the
// service. Registries are lazily initialised so tests can exercise the
// instrumented paths without double registration.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics instruments the chain event sync engine.
type SyncMetrics struct {
	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	errors     *prometheus.CounterVec
	batches    *prometheus.HistogramVec
	cursor     *prometheus.GaugeVec
}

// PaymentsMetrics instruments payment creation, payout and refund flows.
type PaymentsMetrics struct {
	operations *prometheus.CounterVec
}

var (
	syncMetricsOnce sync.Once
	syncRegistry    *SyncMetrics

	paymentsMetricsOnce sync.Once
	paymentsRegistry    *PaymentsMetrics
)

// Sync returns the lazily-initialised sync engine metrics registry.
func Sync() *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncRegistry = &SyncMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vasp",
				Subsystem: "sync",
				Name:      "events_total",
				Help:      "Events fetched from the chain segmented by account and outcome.",
			}, []string{"account", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vasp",
				Subsystem: "sync",
				Name:      "rejections_total",
				Help:      "Domain rejections raised during reconciliation segmented by code.",
			}, []string{"code"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vasp",
				Subsystem: "sync",
				Name:      "errors_total",
				Help:      "Transient sync failures segmented by account.",
			}, []string{"account"}),
			batches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vasp",
				Subsystem: "sync",
				Name:      "batch_duration_seconds",
				Help:      "Latency distribution for per-account batch processing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"account"}),
			cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vasp",
				Subsystem: "sync",
				Name:      "cursor",
				Help:      "Last persisted event sequence number per account stream.",
			}, []string{"account"}),
		}
		prometheus.MustRegister(
			syncRegistry.events,
			syncRegistry.rejections,
			syncRegistry.errors,
			syncRegistry.batches,
			syncRegistry.cursor,
		)
	})
	return syncRegistry
}

// RecordEvent counts one processed event.
func (m *SyncMetrics) RecordEvent(account, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(account, outcome).Inc()
}

// RecordRejection counts one domain rejection by code.
func (m *SyncMetrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

// RecordError counts one transient account sync failure.
func (m *SyncMetrics) RecordError(account string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(account).Inc()
}

// ObserveBatch records the latency of one per-account batch.
func (m *SyncMetrics) ObserveBatch(account string, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(account).Observe(d.Seconds())
}

// RecordCursor publishes the last persisted cursor position.
func (m *SyncMetrics) RecordCursor(account string, cursor uint64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(account).Set(float64(cursor))
}

// Payments returns the lazily-initialised payment flow metrics registry.
func Payments() *PaymentsMetrics {
	paymentsMetricsOnce.Do(func() {
		paymentsRegistry = &PaymentsMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vasp",
				Subsystem: "payments",
				Name:      "operations_total",
				Help:      "Payment lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
		}
		prometheus.MustRegister(paymentsRegistry.operations)
	})
	return paymentsRegistry
}

// RecordOperation counts one lifecycle operation outcome.
func (m *PaymentsMetrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}
