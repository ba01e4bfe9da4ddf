// Package metrics exposes approval lifecycle and HTTP metrics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/domain/event"
)

const namespace = "approvals"

// Metrics holds every collector on its own registry
type Metrics struct {
	registry *prometheus.Registry

	requestsCreated  prometheus.Counter
	decisionsTotal   *prometheus.CounterVec
	requestsResolved *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers the Go and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Total number of approval requests created",
		}),
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of approver decisions recorded",
		}, []string{"decision"}),
		requestsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_resolved_total",
			Help:      "Total number of requests that left pending",
		}, []string{"status", "trigger"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Register counts lifecycle events from d
func (m *Metrics) Register(d dispatcher.Dispatcher) {
	d.SubscribeAll("metrics", m.Handle)
}

// Handle updates counters for evt
func (m *Metrics) Handle(ctx context.Context, evt *event.Event) error {
	switch evt.Type {
	case event.TypeRequestCreated:
		m.requestsCreated.Inc()
	case event.TypeDecisionRecorded:
		m.decisionsTotal.WithLabelValues(evt.GetPayloadString(event.KeyDecision)).Inc()
	case event.TypeRequestResolved:
		m.requestsResolved.WithLabelValues(
			evt.GetPayloadString(event.KeyStatus),
			evt.GetPayloadString(event.KeyTrigger),
		).Inc()
	}
	return nil
}

// ObserveHTTP records one served request. route is the matched route
// pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
