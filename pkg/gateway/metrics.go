package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	activeSessions   prometheus.Gauge
	sessionsCreated  prometheus.Counter
	sessionsResumed  prometheus.Counter
	sessionsTimedOut prometheus.Counter
	slowConsumers    prometheus.Counter

	eventsDispatched *prometheus.CounterVec
	dispatchFanout   *prometheus.HistogramVec
	dispatchDuration *prometheus.HistogramVec

	framesReceived *prometheus.CounterVec
}

// NewMetrics creates and registers gateway metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use
// a fresh registry so repeated construction doesn't collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "concord_gateway_active_sessions",
			Help: "Current number of registered sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_gateway_sessions_created_total",
			Help: "Total number of sessions created via identify",
		}),
		sessionsResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_gateway_sessions_resumed_total",
			Help: "Total number of successful session resumes",
		}),
		sessionsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_gateway_sessions_timed_out_total",
			Help: "Total number of sessions closed by heartbeat timeout",
		}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_gateway_slow_consumers_total",
			Help: "Total number of sessions torn down for outbound queue overflow",
		}),
		eventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_gateway_events_dispatched_total",
			Help: "Total number of events dispatched, by event kind",
		}, []string{"kind"}),
		dispatchFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concord_gateway_dispatch_fanout",
			Help:    "Number of sessions reached by each dispatch",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"kind"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concord_gateway_dispatch_duration_seconds",
			Help:    "Time taken to resolve and deliver one dispatch",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_gateway_frames_received_total",
			Help: "Total number of inbound frames, by opcode",
		}, []string{"op"}),
	}
}

// RecordActiveSessions updates the registered session gauge.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the identify counter.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionResumed increments the resume counter.
func (m *Metrics) RecordSessionResumed() {
	m.sessionsResumed.Inc()
}

// RecordSessionTimedOut increments the heartbeat timeout counter.
func (m *Metrics) RecordSessionTimedOut() {
	m.sessionsTimedOut.Inc()
}

// RecordSlowConsumer increments the queue overflow counter.
func (m *Metrics) RecordSlowConsumer() {
	m.slowConsumers.Inc()
}

// RecordDispatch records one dispatch pass.
func (m *Metrics) RecordDispatch(kind string, fanout int, durationSeconds float64) {
	m.eventsDispatched.WithLabelValues(kind).Inc()
	m.dispatchFanout.WithLabelValues(kind).Observe(float64(fanout))
	m.dispatchDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordFrameReceived counts one inbound frame by opcode name.
func (m *Metrics) RecordFrameReceived(op string) {
	m.framesReceived.WithLabelValues(op).Inc()
}
