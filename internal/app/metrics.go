package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the actor processes. Each App owns a private registry
// so several apps in one process do not collide.
type Metrics struct {
	registry       *prometheus.Registry
	actions        *prometheus.CounterVec
	internalEvents *prometheus.CounterVec
	updates        *prometheus.CounterVec
	errors         *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	listeners      prometheus.Gauge
	opLatency      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pika",
			Subsystem: "core",
			Name:      "actions_total",
			Help:      "Actions processed by kind.",
		}, []string{"kind"}),
		internalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pika",
			Subsystem: "core",
			Name:      "internal_events_total",
			Help:      "Internal events processed by kind; stale events are counted as dropped.",
		}, []string{"kind", "outcome"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pika",
			Subsystem: "core",
			Name:      "updates_total",
			Help:      "Updates emitted by kind.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pika",
			Subsystem: "core",
			Name:      "errors_total",
			Help:      "Failures by error category.",
		}, []string{"category"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pika",
			Subsystem: "core",
			Name:      "queue_depth",
			Help:      "Items taken off the actor queue in the last batch.",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pika",
			Subsystem: "core",
			Name:      "listeners",
			Help:      "Attached update listeners.",
		}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pika",
			Subsystem: "core",
			Name:      "operation_seconds",
			Help:      "Time the actor spent handling one queue item.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"operation"}),
	}
	m.registry.MustRegister(m.actions, m.internalEvents, m.updates, m.errors, m.queueDepth, m.listeners, m.opLatency)
	for _, category := range []string{CategoryAPI, CategoryNetwork, CategoryCrypto, CategoryStorage} {
		m.errors.WithLabelValues(category)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordAction(kind string) { m.actions.WithLabelValues(kind).Inc() }

func (m *Metrics) RecordInternal(kind string, stale bool) {
	outcome := "applied"
	if stale {
		outcome = "dropped"
	}
	m.internalEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordUpdate(kind string) { m.updates.WithLabelValues(kind).Inc() }

func (m *Metrics) RecordError(category string) { m.errors.WithLabelValues(category).Inc() }

func (m *Metrics) RecordOp(operation string, started time.Time) {
	m.opLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

func (m *Metrics) SetListeners(n int) { m.listeners.Set(float64(n)) }
