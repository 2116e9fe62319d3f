// Package metrics exposes Prometheus collectors for the crawl engine.
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
	crawlItemsTotal            *prometheus.CounterVec
	crawlWorkersActive         prometheus.Gauge
	crawlWorkersTotal          prometheus.Gauge
	crawlControllerState       *prometheus.GaugeVec
	crawlSingleThreadMode      prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once

	stateMu   sync.Mutex
	lastState string
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_items_total",
				Help: "Total number of work items handed back to the frontier, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlWorkersActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_workers_active",
				Help: "Number of workers currently processing an item.",
			},
		)

		crawlWorkersTotal = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_workers_total",
				Help: "Number of registered workers.",
			},
		)

		crawlControllerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_controller_state",
				Help: "1 for the controller's current state, 0 otherwise.",
			},
			[]string{"state"},
		)

		crawlSingleThreadMode = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_single_thread_mode",
				Help: "1 while single-thread-mode is engaged.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
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

// ObserveItem counts one finished item.
func ObserveItem(outcome string) {
	crawlItemsTotal.WithLabelValues(outcome).Inc()
}

// SetWorkers records the pool's active and total worker counts.
func SetWorkers(active, total int) {
	crawlWorkersActive.Set(float64(active))
	crawlWorkersTotal.Set(float64(total))
}

// SetCrawlState marks state as the current controller state.
func SetCrawlState(state string) {
	stateMu.Lock()
	defer stateMu.Unlock()
	if lastState != "" {
		crawlControllerState.WithLabelValues(lastState).Set(0)
	}
	crawlControllerState.WithLabelValues(state).Set(1)
	lastState = state
}

// SetSingleThreadMode records whether the throttle is engaged.
func SetSingleThreadMode(engaged bool) {
	v := 0.0
	if engaged {
		v = 1
	}
	crawlSingleThreadMode.Set(v)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
