package handlers

import (
	"masthead/internal/broker"
	"masthead/pkg/monitoring"

	"github.com/prometheus/client_golang/prometheus"
)

// MastheadMetrics holds all Prometheus metrics for the session broker.
type MastheadMetrics struct {
	AdmissionDecisions *prometheus.CounterVec
	GrantLatency       *prometheus.HistogramVec
	SweptSessions      *prometheus.CounterVec
	Evictions          *prometheus.CounterVec
	DBQueries          *prometheus.CounterVec
	DBDuration         *prometheus.HistogramVec
}

// NewMastheadMetrics registers the broker's metrics on the shared collector.
// Gauges for live state (active sessions, queue depth, busy tuners) are
// GaugeFuncs over the broker snapshot so they never drift from reality.
func NewMastheadMetrics(mc *monitoring.MetricsCollector, b *broker.Broker) *MastheadMetrics {
	m := &MastheadMetrics{
		AdmissionDecisions: mc.NewCounter(
			"admission_decisions_total",
			"Admission outcomes by resource kind (granted, shared, queued, rejected)",
			[]string{"kind", "outcome"},
		),
		GrantLatency: mc.NewHistogram(
			"grant_duration_seconds",
			"Time from request to granted session, including URL resolution",
			[]string{"kind"},
			[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		),
		SweptSessions: mc.NewCounter(
			"swept_sessions_total",
			"Sessions reclaimed by the liveness sweeper",
			nil,
		),
		Evictions: mc.NewCounter(
			"evicted_sessions_total",
			"Sessions torn down by tuner failure",
			nil,
		),
	}
	// Session-table query instrumentation, fed by the Postgres store.
	m.DBQueries = mc.NewCounter("db_queries_total", "Total database queries", []string{"query_type", "status"})
	m.DBDuration = mc.NewHistogram("db_query_duration_seconds", "Database query duration", []string{"query_type"}, nil)

	mc.RegisterCustomMetric("active_sessions", prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "masthead_active_sessions",
			Help: "Currently active stream sessions",
		},
		func() float64 { return float64(len(b.Snapshot().ActiveSessions)) },
	))
	mc.RegisterCustomMetric("queue_length", prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "masthead_queue_length",
			Help: "Requests waiting for capacity across all queues",
		},
		func() float64 { return float64(b.Snapshot().QueueLength) },
	))
	mc.RegisterCustomMetric("busy_tuners", prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "masthead_busy_tuners",
			Help: "Tuners currently tuned to a channel",
		},
		func() float64 {
			busy := 0
			for _, t := range b.Snapshot().Tuners {
				if t.Status == broker.TunerBusy {
					busy++
				}
			}
			return float64(busy)
		},
	))

	return m
}
