package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ordersync"

// Metrics owns the Prometheus collectors of the sync engine. A nil *Metrics
// records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	reverseOutcomes   *prometheus.CounterVec
	reverseCycles     prometheus.Counter
	reconcileOutcomes *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers every collector on a private registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook events by event kind and outcome",
			},
			[]string{"event", "outcome"},
		),
		webhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_processing_duration_seconds",
				Help:      "Duration of webhook processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		reverseOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reverse_sync_orders_total",
				Help:      "Reverse sync candidates by outcome",
			},
			[]string{"outcome"},
		),
		reverseCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reverse_sync_cycles_total",
				Help:      "Completed reverse sync cycles",
			},
		),
		reconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_orders_total",
				Help:      "Reconciliation replays by origin and outcome",
			},
			[]string{"origin", "outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Outbound notifications by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEvents,
		m.webhookDuration,
		m.reverseOutcomes,
		m.reverseCycles,
		m.reconcileOutcomes,
		m.notifications,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge exposes a value computed at scrape time, such as a cache
// size.
func (m *Metrics) RegisterGauge(name, help string, value func() float64) {
	if m == nil || value == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		value,
	))
}

func (m *Metrics) ObserveWebhook(event, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, outcome).Inc()
	m.webhookDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveReverse(outcome string) {
	if m == nil {
		return
	}
	m.reverseOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReverseCycle() {
	if m == nil {
		return
	}
	m.reverseCycles.Inc()
}

func (m *Metrics) ObserveReconcile(origin, outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(origin, outcome).Inc()
}

func (m *Metrics) ObserveNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
