package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method becomes a no-op.
type Metrics struct {
	reg           *prometheus.Registry
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	liveWatches   *prometheus.GaugeVec
	recomputes    *prometheus.CounterVec
	realtimeConns *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qline_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qline_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qline_booking_transitions_total",
			Help: "Queue operations by action and outcome.",
		}, []string{"action", "outcome"}),
		liveWatches: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qline_live_watches",
			Help: "Open live view subscriptions by scope.",
		}, []string{"scope"}),
		recomputes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qline_live_recomputes_total",
			Help: "Live view recomputations by scope and result.",
		}, []string{"scope", "result"}),
		realtimeConns: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qline_realtime_connections",
			Help: "Connected realtime clients by transport.",
		}, []string{"transport"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) ObserveTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) WatchOpened(scope string) {
	if m == nil {
		return
	}
	m.liveWatches.WithLabelValues(scope).Inc()
}

func (m *Metrics) WatchClosed(scope string) {
	if m == nil {
		return
	}
	m.liveWatches.WithLabelValues(scope).Dec()
}

func (m *Metrics) ObserveRecompute(scope string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "stale"
	}
	m.recomputes.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.realtimeConns.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.realtimeConns.WithLabelValues(transport).Dec()
}
