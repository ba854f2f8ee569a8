package client

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Flush results recorded in riemann_client_flushes_total.
const (
	flushResultSent     = "sent"
	flushResultRetried  = "retried"
	flushResultFailed   = "failed"
	flushResultRejected = "rejected"
)

// Metrics holds Prometheus instruments for the auto-flushing client.
// A nil *Metrics disables instrumentation.
type Metrics struct {
	flushes       *prometheus.CounterVec // flush attempts by result
	eventsSent    prometheus.Counter     // events acknowledged by the transport
	eventsDropped prometheus.Counter     // events discarded after failure or rejection
	pending       prometheus.Gauge       // events waiting in the batch
	flushDuration prometheus.Histogram   // wall time of non-empty flushes
}

// NewMetrics creates client metrics and registers them with registry.
// Params: registry Prometheus registerer; nil disables metrics.
// Returns: metrics or registration error.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riemann",
			Subsystem: "client",
			Name:      "flushes_total",
			Help:      "Non-empty batch flushes by result",
		}, []string{"result"}),

		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riemann",
			Subsystem: "client",
			Name:      "events_sent_total",
			Help:      "Events delivered to the transport",
		}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riemann",
			Subsystem: "client",
			Name:      "events_dropped_total",
			Help:      "Events discarded after a failed or rejected flush",
		}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riemann",
			Subsystem: "client",
			Name:      "pending_events",
			Help:      "Events waiting in the pending batch",
		}),

		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "riemann",
			Subsystem: "client",
			Name:      "flush_duration_seconds",
			Help:      "Duration of non-empty flushes including the retry",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	collectors := []prometheus.Collector{m.flushes, m.eventsSent, m.eventsDropped, m.pending, m.flushDuration}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register client metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeFlush(result string, events int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
	m.flushDuration.Observe(elapsed.Seconds())
	switch result {
	case flushResultSent, flushResultRetried:
		m.eventsSent.Add(float64(events))
	}
}

func (m *Metrics) dropped(events int) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(float64(events))
}

func (m *Metrics) setPending(events int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(events))
}
