package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	renditionsTotal      *prometheus.CounterVec
	renditionDuration    *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	outputBytesTotal     prometheus.Counter
	webhookFailuresTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		renditionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_worker_renditions_total",
			Help: "Background renditions by request scheme and final status.",
		}, []string{"scheme", "status"}),
		renditionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelgate_worker_rendition_duration_seconds",
			Help:    "Time spent on each background rendition attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelgate_worker_active_jobs",
			Help: "Renditions currently being rendered.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelgate_worker_output_bytes_total",
			Help: "Bytes written to the output bucket.",
		}),
		webhookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.renditionsTotal,
		m.renditionDuration,
		m.activeJobs,
		m.outputBytesTotal,
		m.webhookFailuresTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
