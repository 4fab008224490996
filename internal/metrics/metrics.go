// Package metrics holds the Prometheus collectors the server exports at
// /metrics. A nil *Metrics is valid and records nothing, which keeps the
// core packages usable in tests without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syrja"

type Metrics struct {
	registry *prometheus.Registry

	sessions   prometheus.Gauge
	frames     *prometheus.CounterVec
	relayed    *prometheus.CounterVec
	rateDenied prometheus.Counter
	directory  *prometheus.CounterVec
}

// New creates a fresh registry with the Go and process collectors plus the
// server's own metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open websocket sessions.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound websocket frames by event and outcome.",
		}, []string{"event", "outcome"}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_total",
			Help:      "Relayed signaling events by event and result.",
		}, []string{"event", "result"}),
		rateDenied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Events refused by the per-origin rate limiter.",
		}),
		directory: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_ops_total",
			Help:      "Directory operations by operation and HTTP status.",
		}, []string{"op", "status"}),
	}
}

// GaugeFunc registers a gauge whose value is read on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
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

func (m *Metrics) Frame(event, outcome string) {
	if m != nil {
		m.frames.WithLabelValues(event, outcome).Inc()
	}
}

func (m *Metrics) Relayed(event, result string) {
	if m != nil {
		m.relayed.WithLabelValues(event, result).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateDenied.Inc()
	}
}

func (m *Metrics) DirectoryOp(op string, status int) {
	if m != nil {
		m.directory.WithLabelValues(op, statusLabel(status)).Inc()
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
