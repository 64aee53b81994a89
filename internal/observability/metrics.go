// Package observability exposes Prometheus counters for relay sessions and
// HTTP traffic.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loadstone",
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Device sessions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	busyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loadstone",
			Subsystem: "relay",
			Name:      "busy_rejections_total",
			Help:      "Session requests rejected because the device was held.",
		},
		[]string{"kind"},
	)
	uploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loadstone",
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Image bytes written to the device.",
		},
	)
	ackLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loadstone",
			Subsystem: "upload",
			Name:      "ack_latency_seconds",
			Help:      "Time from chunk write to device acknowledgement.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loadstone",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loadstone",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessions, busyRejections, uploadBytes, ackLatency, httpRequests, httpDuration)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordSession(kind, outcome string) {
	RegisterMetrics()
	sessions.WithLabelValues(kind, outcome).Inc()
}

func RecordBusy(kind string) {
	RegisterMetrics()
	busyRejections.WithLabelValues(kind).Inc()
}

func RecordUploadBytes(n int) {
	RegisterMetrics()
	uploadBytes.Add(float64(n))
}

func RecordAckLatency(d time.Duration) {
	RegisterMetrics()
	ackLatency.Observe(d.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
