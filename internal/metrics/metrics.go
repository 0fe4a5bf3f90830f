// Package metrics provides Prometheus instrumentation for the mandi engine.
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
	// ListingsCreated counts listings accepted by the ledger.
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandi_listings_created_total",
		Help: "Total number of listings created",
	})

	ListingsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandi_listings_expired_total",
		Help: "Total number of listings expired",
	})

	// BidsPlaced counts accepted bids.
	BidsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandi_bids_placed_total",
		Help: "Total number of bids placed",
	})

	// BidRejections counts bids rejected before reaching the engine, by reason.
	BidRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_bid_rejections_total",
		Help: "Bids rejected at the API boundary",
	}, []string{"reason"})

	// WinnerChanges counts changes of a listing's winning bid.
	WinnerChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandi_winner_changes_total",
		Help: "Total number of winning-bid changes",
	})

	// EscrowTransitions counts escrow transitions by target state.
	EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_escrow_transitions_total",
		Help: "Escrow transitions by target state",
	}, []string{"state"})

	PoolUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandi_pool_updates_total",
		Help: "Total number of pool aggregate updates",
	})

	// EventsDropped counts events discarded because an emitter buffer was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_events_dropped_total",
		Help: "Events dropped by a full emitter buffer",
	}, []string{"emitter"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mandi_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mandi_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern uses the chi route pattern for the path label to avoid
// one series per listing id.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
