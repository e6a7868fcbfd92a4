package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CustodyMetrics records payment processor round trips made by the custody adapter.
type CustodyMetrics struct {
	calls   *prometheus.HistogramVec
	retries *prometheus.CounterVec
}

// NewCustodyMetrics registers the custody metrics on the provided registerer.
func NewCustodyMetrics(reg prometheus.Registerer) *CustodyMetrics {
	if reg == nil {
		return &CustodyMetrics{}
	}
	calls := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "custody_call_duration_seconds",
		Help:      "Duration of payment processor calls by operation and outcome.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation", "outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "custody_call_retries_total",
		Help:      "Retries issued after the processor reported itself unavailable.",
	}, []string{"operation"})
	reg.MustRegister(calls, retries)
	return &CustodyMetrics{calls: calls, retries: retries}
}

// ObserveCall records one processor call. outcome is ok, unavailable or rejected.
func (c *CustodyMetrics) ObserveCall(operation, outcome string, duration time.Duration) {
	if c == nil || c.calls == nil {
		return
	}
	c.calls.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Observe(duration.Seconds())
}

// IncRetry counts a retry of the named operation.
func (c *CustodyMetrics) IncRetry(operation string) {
	if c == nil || c.retries == nil {
		return
	}
	c.retries.WithLabelValues(normalizeLabel(operation)).Inc()
}
