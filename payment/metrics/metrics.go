// Package metrics exposes Prometheus counters for the payment lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	created      prometheus.Counter
	transitions  *prometheus.CounterVec
	balance      *prometheus.CounterVec
	skippedTicks prometheus.Counter
	tickDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Payments created.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Payments moved to a terminal status.",
		}, []string{"status"}),
		balance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_checks_total",
			Help: "Balance lookups by result.",
		}, []string{"result"}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_ticks_skipped_total",
			Help: "Polling ticks skipped because the previous tick was still running.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_tick_duration_seconds",
			Help:    "Duration of polling ticks in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.created, m.transitions, m.balance, m.skippedTicks, m.tickDuration)
	return m
}

func (m *Metrics) IncCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) IncTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncBalanceCheck(result string) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncSkippedTick() {
	if m == nil {
		return
	}
	m.skippedTicks.Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
