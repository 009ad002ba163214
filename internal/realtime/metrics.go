package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the realtime engine's Prometheus series. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	connections  prometheus.Gauge
	usersOnline  prometheus.Gauge
	events       *prometheus.CounterVec
	eventLatency *prometheus.HistogramVec
	fanoutDrops  prometheus.Counter
	push         *prometheus.CounterVec
}

// NewMetrics registers the series on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messenger_connections_active",
			Help: "Current number of live realtime connections.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messenger_users_online",
			Help: "Users with at least one live connection.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_events_total",
			Help: "Inbound events grouped by kind and result.",
		}, []string{"kind", "result"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messenger_event_latency_seconds",
			Help:    "Latency for handling inbound events.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"kind"}),
		fanoutDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_fanout_drops_total",
			Help: "Frames dropped because a connection's send queue was full.",
		}),
		push: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_push_total",
			Help: "Push notifications grouped by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.connections,
		m.usersOnline,
		m.events,
		m.eventLatency,
		m.fanoutDrops,
		m.push,
	)
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) userOnline(delta float64) {
	if m == nil {
		return
	}
	m.usersOnline.Add(delta)
}

func (m *Metrics) event(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, result).Inc()
	m.eventLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) fanoutDrop() {
	if m == nil {
		return
	}
	m.fanoutDrops.Inc()
}

// PushOutcome counts one push notification outcome.
func (m *Metrics) PushOutcome(outcome string) {
	if m == nil {
		return
	}
	m.push.WithLabelValues(outcome).Inc()
}
