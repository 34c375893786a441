// Package metrics exposes Prometheus collectors for the appshelf service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scanEntriesTotal       *prometheus.CounterVec
	previewCaptureTotal    *prometheus.CounterVec
	previewCaptureSeconds  prometheus.Histogram
	launchesTotal          *prometheus.CounterVec
	staticServersActive    prometheus.Gauge
	liveAppRunning         prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scanEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appshelf_scan_entries_total",
				Help: "Total catalog entries processed by discovery, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		previewCaptureTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appshelf_preview_captures_total",
				Help: "Total preview capture attempts, labeled by status.",
			},
			[]string{"status"},
		)

		previewCaptureSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "appshelf_preview_capture_seconds",
				Help:    "Histogram of end-to-end preview capture latencies.",
				Buckets: []float64{1, 2.5, 5, 10, 15, 30, 60},
			},
		)

		launchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appshelf_launches_total",
				Help: "Total live launches, labeled by entry kind.",
			},
			[]string{"kind"},
		)

		staticServersActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "appshelf_static_servers_active",
				Help: "Number of ephemeral static file servers currently listening.",
			},
		)

		liveAppRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "appshelf_live_app_running",
				Help: "1 while a foreground app process is running, else 0.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScanEntry counts one discovery result.
func ObserveScanEntry(kind, status string) {
	scanEntriesTotal.WithLabelValues(kind, status).Inc()
}

// ObservePreviewCapture counts one capture attempt and its latency.
func ObservePreviewCapture(status string, duration time.Duration) {
	previewCaptureTotal.WithLabelValues(status).Inc()
	previewCaptureSeconds.Observe(duration.Seconds())
}

// ObserveLaunch counts one live launch.
func ObserveLaunch(kind string) {
	launchesTotal.WithLabelValues(kind).Inc()
}

// SetStaticServersActive updates the static server gauge.
func SetStaticServersActive(n int) {
	staticServersActive.Set(float64(n))
}

// SetLiveAppRunning flips the live-app gauge.
func SetLiveAppRunning(running bool) {
	if running {
		liveAppRunning.Set(1)
		return
	}
	liveAppRunning.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
