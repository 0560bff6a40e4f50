package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swapflow/internal/engine"
	"swapflow/internal/swaperr"
)

const metricsNamespace = "swapflow"

// Metrics 汇总生命周期与 HTTP 指标，实现 engine.Observer。
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	submitted   prometheus.Counter
	quoteAge    prometheus.Histogram
	requests    *prometheus.CounterVec
	durations   *prometheus.HistogramVec
}

// NewMetrics 创建独立 registry 上的指标集合。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Order lifecycle state transitions.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "failures_total",
			Help:      "Lifecycle failures by error kind.",
		}, []string{"kind"}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the order book.",
		}),
		quoteAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "quote_age_at_submit_seconds",
			Help:      "Age of the quote when the order was submitted.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by the control API.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of control API requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(m.transitions, m.failures, m.submitted, m.quoteAge, m.requests, m.durations)
	return m
}

// OnTransition 更新生命周期指标。
func (m *Metrics) OnTransition(t engine.Transition) {
	m.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	if t.Err != nil {
		m.failures.WithLabelValues(string(swaperr.KindOf(t.Err))).Inc()
	}
	if t.To == engine.StateSubmitted {
		m.submitted.Inc()
		if q := t.Snapshot.Quote; q != nil && !q.ReceivedAt.IsZero() {
			m.quoteAge.Observe(t.At.Sub(q.ReceivedAt).Seconds())
		}
	}
}

// Middleware 记录 route 的请求数与耗时。
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
			m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler 暴露 Prometheus 抓取端点。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
