package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilupskalvis/coedit/internal/ot"
)

const namespace = "coedit"

// Metrics holds the server's Prometheus collectors. It implements
// room.Observer. Each Metrics owns its registry so tests can build as many
// as they like.
type Metrics struct {
	registry *prometheus.Registry

	connectionsOpen    prometheus.Gauge
	connectionsTotal   prometheus.Counter
	operationsApplied  prometheus.Counter
	operationsRejected *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	notificationsSent  prometheus.Counter
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// Gauges are read when the registry is scraped
type Gauges struct {
	ActiveRooms   func() int
	ActiveInboxes func() int
	Engine        *ot.Engine
}

// NewMetrics registers the server collectors on a fresh registry
func NewMetrics(g Gauges) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		connectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open room socket connections",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Room socket connections accepted",
		}),
		operationsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Edit operations applied to documents",
		}),
		operationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Edit operations rejected, by error code",
		}, []string{"code"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Socket frames received, by message type",
		}, []string{"type"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by a rate limiter, by limiter",
		}, []string{"limiter"}),
		notificationsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications created",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method and status",
		}, []string{"method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	if g.ActiveRooms != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with a running actor",
		}, func() float64 { return float64(g.ActiveRooms()) })
	}
	if g.ActiveInboxes != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_inboxes_active",
			Help:      "Users with a loaded notification inbox",
		}, func() float64 { return float64(g.ActiveInboxes()) })
	}
	if g.Engine != nil {
		engine := g.Engine
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform_cache",
			Name:      "hits_total",
			Help:      "Transform results served from the cache",
		}, func() float64 { return float64(engine.Stats().Hits) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform_cache",
			Name:      "misses_total",
			Help:      "Transform results computed",
		}, func() float64 { return float64(engine.Stats().Misses) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transform_cache",
			Name:      "entries",
			Help:      "Transform results held in the cache",
		}, func() float64 { return float64(engine.Stats().Size) })
	}

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionOpened(string) {
	m.connectionsOpen.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed(string) {
	m.connectionsOpen.Dec()
}

func (m *Metrics) OperationApplied(string) {
	m.operationsApplied.Inc()
}

func (m *Metrics) OperationRejected(_, code string) {
	m.operationsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) messageReceived(t string) {
	m.messagesReceived.WithLabelValues(t).Inc()
}

func (m *Metrics) limited(limiter string) {
	m.rateLimited.WithLabelValues(limiter).Inc()
}

func (m *Metrics) notificationsCreated(n int) {
	m.notificationsSent.Add(float64(n))
}
