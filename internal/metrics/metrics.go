// Package metrics provides Prometheus instrumentation for the pool engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// CommitsTotal counts accepted commits by commit type.
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_commits_total",
		Help: "Total number of accepted commits",
	}, []string{"type"})

	// UpkeepsTotal counts upkeep attempts by result.
	UpkeepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_upkeeps_total",
		Help: "Upkeep attempts by result",
	}, []string{"result"})

	UpkeepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poolengine_upkeep_latency_seconds",
		Help:    "Pool upkeep latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// IntervalsExecuted counts update intervals whose commitments executed.
	IntervalsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_intervals_executed_total",
		Help: "Update intervals executed",
	})

	// UpkeepBacklog counts upkeeps that stopped at the iteration bound with
	// elapsed intervals left over.
	UpkeepBacklog = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_upkeep_backlog_total",
		Help: "Upkeeps that left elapsed intervals for a later call",
	})

	// AggregateBacklog counts aggregations that left matured commitments.
	AggregateBacklog = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_aggregate_backlog_total",
		Help: "Aggregations that left matured commitments for a later call",
	})

	// KeeperBatchFailures counts per-pool failures inside keeper batches.
	KeeperBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_keeper_batch_failures_total",
		Help: "Per-pool upkeep failures inside keeper batches",
	})

	// PoolBalance tracks the collateral on each side of each pool.
	PoolBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolengine_pool_balance",
		Help: "Settlement collateral per pool side, in base units",
	}, []string{"pool", "side"})

	// FeesCollected tracks cumulative protocol fees per pool.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_fees_collected_total",
		Help: "Protocol fees collected, in base units",
	}, []string{"pool"})

	PoolPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolengine_pool_paused",
		Help: "1 when the pool is paused",
	}, []string{"pool"})

	// RegisteredPools tracks the number of pools in the registry.
	RegisteredPools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolengine_registered_pools",
		Help: "Number of registered pools",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Amount converts a base-unit amount for a gauge. Metrics only; never used
// for accounting.
func Amount(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The route pattern keeps pool and user addresses out of the labels.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
