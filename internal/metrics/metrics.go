// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by direction and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction", "side"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agora_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// FeesCollected accumulates fees withheld by the exchange, in AGP.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_fees_collected_total",
		Help: "Cumulative trading fees withheld in AGP",
	})

	// MarketsCreated counts market creations.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_markets_created_total",
		Help: "Total number of markets created",
	})

	// MarketsResolved counts resolutions, partitioned by outcome.
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_markets_resolved_total",
		Help: "Total number of markets resolved",
	}, []string{"outcome"})

	// OpenMarkets tracks markets currently open in this process's lifetime.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_open_markets",
		Help: "Number of open markets",
	})

	// PayoutsTotal accumulates AGP credited at resolution, bonuses included.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_payouts_agp_total",
		Help: "Cumulative AGP paid out at market resolution",
	})

	// AgentsRegistered counts agent registrations.
	AgentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_agents_registered_total",
		Help: "Total number of agents registered",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agora_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
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
