// Package metrics holds the Prometheus collectors for the chat persistence layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "krismini"

type Metrics struct {
	gatewayAttempts *prometheus.CounterVec
	gatewayFailures *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	queueLength prometheus.Gauge
	queueEvents *prometheus.CounterVec

	wsSessions  prometheus.Gauge
	completions *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatewayAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "attempts_total",
			Help:      "Store attempts made by the gateway, including retries",
		}, []string{"op", "result"}),
		gatewayFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "failures_total",
			Help:      "Gateway calls that failed after retries, by error kind",
		}, []string{"op", "kind"}),
		gatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Gateway call duration including backoff waits",
			Buckets:   []float64{0.005, 0.02, 0.1, 0.5, 1, 3, 8},
		}, []string{"op"}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "length",
			Help:      "Writes waiting in the offline retry queue",
		}),
		queueEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "events_total",
			Help:      "Retry queue item transitions",
		}, []string{"event"}),
		wsSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "sessions",
			Help:      "Open chat websocket sessions",
		}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "requests_total",
			Help:      "Completion requests by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) GatewayAttempt(op, result string) {
	if m == nil {
		return
	}
	m.gatewayAttempts.WithLabelValues(op, result).Inc()
}

func (m *Metrics) GatewayFailure(op, kind string) {
	if m == nil {
		return
	}
	m.gatewayFailures.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) GatewayDuration(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

// QueueEvent counts enqueued, delivered, failed and dropped transitions.
func (m *Metrics) QueueEvent(event string) {
	if m == nil {
		return
	}
	m.queueEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.wsSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.wsSessions.Dec()
}

func (m *Metrics) Completion(outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
}
