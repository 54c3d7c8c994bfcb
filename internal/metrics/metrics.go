// Package metrics provides Prometheus instrumentation for the market-making engine.
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
)

var (
	// BookUpdates counts accepted book contributions by side.
	BookUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_book_updates_total",
		Help: "Quote contributions aggregated into order books",
	}, []string{"side"})

	// BookSymbols tracks the number of symbols with an in-memory book.
	BookSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mm_book_symbols",
		Help: "Number of symbols with an in-memory order book",
	})

	// Snapshots counts book snapshots by result ("ok", "error").
	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_book_snapshots_total",
		Help: "Order book snapshots written",
	}, []string{"result"})

	// SnapshotRowsPruned counts rows deleted by retention cleanup.
	SnapshotRowsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_book_snapshot_rows_pruned_total",
		Help: "Snapshot rows deleted by retention cleanup",
	})

	// QuotesGenerated counts quotes produced by the engine by side.
	QuotesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_quotes_generated_total",
		Help: "Quotes generated from order books",
	}, []string{"side"})

	// QuotesExpired counts quotes observed past their expiry.
	QuotesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_quotes_expired_total",
		Help: "Quotes observed expired",
	})

	// ActiveQuotes tracks quotes held in the active set.
	ActiveQuotes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mm_active_quotes",
		Help: "Quotes currently in the active set",
	})

	// RiskChecks counts risk decisions by phase, rule and result.
	RiskChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_risk_checks_total",
		Help: "Risk checks by phase, rule type and result",
	}, []string{"phase", "rule", "result"})

	// Trades counts trade reports by status.
	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_trades_total",
		Help: "Trade reports processed by status",
	}, []string{"status"})

	// TradeLatency tracks resolver processing time by status.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_trade_latency_seconds",
		Help:    "Trade report processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// PersistenceErrors counts store and audit writes that failed without
	// failing the operation that issued them, by operation.
	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_persistence_errors_total",
		Help: "Background persistence writes that failed",
	}, []string{"op"})

	// JobRuns counts scheduler job executions by job and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_scheduler_job_runs_total",
		Help: "Scheduled job runs by job and result",
	}, []string{"job", "result"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded by the route table.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
