// Package metrics exposes Prometheus collectors for the car market client.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carmarket",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carmarket",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carmarket",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carmarket",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total number of JSON-RPC calls made to the ledger node.",
		},
		[]string{"method", "success"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carmarket",
			Subsystem: "orchestrator",
			Name:      "operations_total",
			Help:      "Total number of user-initiated ledger operations by outcome.",
		},
		[]string{"action", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carmarket",
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Duration of user-initiated ledger operations, confirmation included.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
		[]string{"action"},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carmarket",
			Subsystem: "listings",
			Name:      "refresh_total",
			Help:      "Total number of full listing refreshes by outcome.",
		},
		[]string{"success"},
	)

	snapshotSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carmarket",
			Subsystem: "listings",
			Name:      "snapshot_size",
			Help:      "Number of listings in the current snapshot, retired ones included.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		rpcCalls,
		operations,
		operationDuration,
		refreshes,
		snapshotSize,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks the start of an HTTP request.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight marks the end of an HTTP request.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one handled HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRPCCall records one JSON-RPC call.
func RecordRPCCall(method string, err error) {
	rpcCalls.WithLabelValues(method, strconv.FormatBool(err == nil)).Inc()
}

// RecordOperation records a finished orchestrator action.
func RecordOperation(action, outcome string, duration time.Duration) {
	if action == "" {
		action = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	operations.WithLabelValues(action, outcome).Inc()
	operationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRefresh records a full listing refresh. size is ignored on failure.
func RecordRefresh(size int, err error) {
	refreshes.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	if err == nil {
		snapshotSize.Set(float64(size))
	}
}
