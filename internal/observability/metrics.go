package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	httpRequestsTotal    *prometheus.CounterVec
	httpLatencySeconds   *prometheus.HistogramVec
	verificationsTotal   *prometheus.CounterVec
	anomaliesTotal       *prometheus.CounterVec
	stageDurationSeconds *prometheus.HistogramVec
	bleScanTimeoutsTotal prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"method", "route"})

		verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_verifications_total",
			Help: "Attendance verification attempts by outcome.",
		}, []string{"outcome"})

		anomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_anomalies_total",
			Help: "Anomaly events emitted by kind and severity.",
		}, []string{"kind", "severity"})

		stageDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "presence_stage_duration_seconds",
			Help:    "Time spent in each verification stage.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"stage"})

		bleScanTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_ble_scan_timeouts_total",
			Help: "Radio scans that failed or exceeded their deadline.",
		})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			verificationsTotal,
			anomaliesTotal,
			stageDurationSeconds,
			bleScanTimeoutsTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// Verifications exposes the verification outcome counter.
func Verifications() *prometheus.CounterVec {
	RegisterMetrics()
	return verificationsTotal
}

// Anomalies exposes the anomaly counter.
func Anomalies() *prometheus.CounterVec {
	RegisterMetrics()
	return anomaliesTotal
}

// StageDuration exposes the per-stage latency histogram.
func StageDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return stageDurationSeconds
}

// BLEScanTimeouts exposes the counter of failed radio scans.
func BLEScanTimeouts() prometheus.Counter {
	RegisterMetrics()
	return bleScanTimeoutsTotal
}
