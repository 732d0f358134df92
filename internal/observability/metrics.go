package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evalflow/internal/evaluation"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	pipelineRunsTotal     *prometheus.CounterVec
	pipelineRunDuration   *prometheus.HistogramVec
	stepDuration          *prometheus.HistogramVec
	activeRuns            prometheus.Gauge
}

// LLM calls routinely take minutes, so pipeline histograms need wider buckets
// than the HTTP ones.
var pipelineBuckets = []float64{0.5, 1, 5, 15, 30, 60, 120, 180, 300, 600}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalflow_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evalflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalflow_upstream_requests_total",
				Help: "Total upstream OpenAI-compatible API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evalflow_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: pipelineBuckets,
			},
			[]string{"endpoint", "status"},
		),
		pipelineRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalflow_pipeline_runs_total",
				Help: "Evaluation pipeline runs by terminal status.",
			},
			[]string{"status"},
		),
		pipelineRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evalflow_pipeline_run_duration_seconds",
				Help:    "Evaluation pipeline run duration in seconds.",
				Buckets: pipelineBuckets,
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evalflow_pipeline_step_duration_seconds",
				Help:    "Evaluation pipeline step duration in seconds.",
				Buckets: pipelineBuckets,
			},
			[]string{"step", "status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evalflow_active_runs",
				Help: "Evaluation pipeline runs currently in progress.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.pipelineRunsTotal,
		m.pipelineRunDuration,
		m.stepDuration,
		m.activeRuns,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveStep(step evaluation.StepName, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(string(step), status).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRun(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRunsTotal.WithLabelValues(status).Inc()
	m.pipelineRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.activeRuns.Set(float64(n))
}
