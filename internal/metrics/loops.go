package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoopMetrics records cycles of the background loops (sweeper, relay,
// delivery checker).
type LoopMetrics struct {
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewLoopMetrics registers the loop metrics on the provided registerer.
// A nil registerer yields a no-op collector.
func NewLoopMetrics(reg prometheus.Registerer) *LoopMetrics {
	if reg == nil {
		return &LoopMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licenseflow",
		Name:      "loop_cycle_duration_seconds",
		Help:      "Duration of background loop cycles in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"loop"})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licenseflow",
		Name:      "loop_items_total",
		Help:      "Items handled by background loops, by outcome.",
	}, []string{"loop", "outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licenseflow",
		Name:      "loop_cycle_failures_total",
		Help:      "Background loop cycles that failed before handling items.",
	}, []string{"loop"})
	reg.MustRegister(duration, items, failures)
	return &LoopMetrics{
		duration: duration,
		items:    items,
		failures: failures,
	}
}

func (m *LoopMetrics) ObserveCycle(loop string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(loop)).Observe(d.Seconds())
}

func (m *LoopMetrics) AddItems(loop, outcome string, n int) {
	if m == nil || m.items == nil || n <= 0 {
		return
	}
	m.items.WithLabelValues(normalizeLabel(loop), normalizeLabel(outcome)).Add(float64(n))
}

func (m *LoopMetrics) IncFailure(loop string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(loop)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
