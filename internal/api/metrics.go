package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	schemeTotal       *prometheus.CounterVec
	assemblyFailures  *prometheus.CounterVec
	renders           *prometheus.CounterVec
	renderDuration    prometheus.Histogram
	cacheResults      *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_api_requests_total",
			Help: "Total HTTP requests handled by the gateway.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelgate_api_request_duration_seconds",
			Help:    "Gateway request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_api_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiting.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_queue_renditions_enqueued_total",
			Help: "Background renditions enqueued.",
		}, []string{"queue"}),
		schemeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_api_requests_by_scheme_total",
			Help: "Assembled image requests by addressing scheme.",
		}, []string{"scheme"}),
		assemblyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_api_request_errors_total",
			Help: "Image requests rejected by the request pipeline, by error code.",
		}, []string{"code"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_api_renders_total",
			Help: "Synchronous renders by result.",
		}, []string{"result"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelgate_api_render_duration_seconds",
			Help:    "Time spent fetching and rendering an image.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_api_cache_results_total",
			Help: "Rendition cache lookups and writes by result.",
		}, []string{"result"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.schemeTotal,
		m.assemblyFailures,
		m.renders,
		m.renderDuration,
		m.cacheResults,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses image paths into one label to keep cardinality flat.
func routeLabel(path string) string {
	switch {
	case path == "/healthz":
		return "/healthz"
	case path == "/metrics":
		return "/metrics"
	case path == "/v1/renditions":
		return "/v1/renditions"
	case strings.HasPrefix(path, "/v1/renditions/"):
		return "/v1/renditions/{id}"
	default:
		return "/{path...}"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
