// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"bufio"
	"fmt"
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
	// BuysTotal counts executed buys, partitioned by outcome.
	BuysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_buys_total",
		Help: "Total number of buys executed",
	}, []string{"outcome"})

	// SellRequestsTotal counts sell requests created.
	SellRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_sell_requests_total",
		Help: "Total number of sell requests created",
	}, []string{"outcome"})

	// SettlementsTotal counts sell request decisions by result
	// (completed, cancelled, rejected).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Sell request decisions by result",
	}, []string{"result"})

	PendingSells = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_pending_sell_requests",
		Help: "Sell requests awaiting approval",
	})

	// NotificationFailures counts approval notifications that were not delivered.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notification_failures_total",
		Help: "Approval notifications dropped or failed",
	}, []string{"reason"})

	// OperationLatency tracks core operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OpenMarkets tracks the number of open markets.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_open_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts buys rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_position_limit_rejections_total",
		Help: "Buys rejected by position limiter",
	})

	// MarketVolume tracks cumulative traded quantity per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_market_volume_total",
		Help: "Cumulative traded quantity",
	}, []string{"market_id", "side"})
)

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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern keeps the label set bounded: ids never reach a label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
