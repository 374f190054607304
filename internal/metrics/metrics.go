// ABOUTME: Prometheus collectors for sessions, messages, events and errors
// ABOUTME: Nil-safe recording methods; the registry is private to each Metrics

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_rooms"

// Metrics holds the collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	sessions prometheus.Gauge
	messages prometheus.Counter
	events   *prometheus.CounterVec
	errors   *prometheus.CounterVec
	kicked   prometheus.Counter
	replayed prometheus.Counter
}

// New creates a registry with process and Go runtime collectors plus the
// chat collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Connected WebSocket sessions.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_posted_total",
			Help:      "Messages persisted and broadcast.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Outbound events enqueued to sessions.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error events sent to sessions, by kind.",
		}, []string{"kind"}),
		kicked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "members_kicked_total",
			Help:      "Sessions closed because their send buffer was full.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_messages_total",
			Help:      "History and backlog messages replayed on attach.",
		}),
	}
	reg.MustRegister(m.sessions, m.messages, m.events, m.errors, m.kicked, m.replayed)
	return m
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter whose value is read from fn at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) MessagePosted() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) EventSent(eventType string, n int) {
	if m != nil && n > 0 {
		m.events.WithLabelValues(eventType).Add(float64(n))
	}
}

func (m *Metrics) ErrorReported(kind string) {
	if m != nil {
		m.errors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MemberKicked() {
	if m != nil {
		m.kicked.Inc()
	}
}

func (m *Metrics) Replayed(n int) {
	if m != nil && n > 0 {
		m.replayed.Add(float64(n))
	}
}
