package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CartMetrics records engine activity: mutation outcomes, rollbacks, and
// session teardowns.
type CartMetrics struct {
	mutations    *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	teardowns    prometheus.Counter
	loadDuration prometheus.Histogram
}

// NewCartMetrics registers the cart metrics on the provided registerer.
func NewCartMetrics(reg prometheus.Registerer) *CartMetrics {
	if reg == nil {
		return &CartMetrics{}
	}
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Cart mutation intents by operation and outcome.",
	}, []string{"op", "outcome"})
	rollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_rollbacks_total",
		Help: "Optimistic mutations rolled back after remote rejection.",
	}, []string{"op"})
	teardowns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cart_session_teardowns_total",
		Help: "Session invalidations triggered by authorization failures.",
	})
	loadDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cart_load_duration_seconds",
		Help:    "Duration of full cart loads from the remote store.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(mutations, rollbacks, teardowns, loadDuration)
	return &CartMetrics{
		mutations:    mutations,
		rollbacks:    rollbacks,
		teardowns:    teardowns,
		loadDuration: loadDuration,
	}
}

// IncMutation records one mutation intent with its outcome.
func (c *CartMetrics) IncMutation(op, outcome string) {
	if c == nil || c.mutations == nil {
		return
	}
	c.mutations.WithLabelValues(normalizeLabel(op), normalizeLabel(outcome)).Inc()
}

// IncRollback records one snapshot restoration for the named operation.
func (c *CartMetrics) IncRollback(op string) {
	if c == nil || c.rollbacks == nil {
		return
	}
	c.rollbacks.WithLabelValues(normalizeLabel(op)).Inc()
}

// IncTeardown records one session teardown.
func (c *CartMetrics) IncTeardown() {
	if c == nil || c.teardowns == nil {
		return
	}
	c.teardowns.Inc()
}

// ObserveLoadDuration records the duration of a cart load or refresh.
func (c *CartMetrics) ObserveLoadDuration(duration time.Duration) {
	if c == nil || c.loadDuration == nil {
		return
	}
	c.loadDuration.Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
