// Package metrics exports Prometheus metrics for the escrow engine and the
// HTTP API.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/card-escrow/trade"
)

const namespace = "card_escrow"

// Metrics implements trade.Observer.
type Metrics struct {
	transitions *prometheus.CounterVec
	refusals    *prometheus.CounterVec
	exchanges   *prometheus.CounterVec
	exchangeDur prometheus.Histogram
	swept       *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

var _ trade.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "transitions_total",
			Help:      "Trade state transitions segmented by action and target status.",
		}, []string{"action", "to"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "refusals_total",
			Help:      "Refused trade actions segmented by action and reason.",
		}, []string{"action", "reason"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "total",
			Help:      "Executed exchanges segmented by outcome.",
		}, []string{"outcome"}),
		exchangeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Latency of successful exchanges inside the confirming transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "trades_total",
			Help:      "Trades handled by the expiry sweep segmented by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route pattern, method and status code.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(m.transitions, m.refusals, m.exchanges, m.exchangeDur, m.swept, m.requests, m.latency)
	return m
}

func (m *Metrics) Transitioned(action trade.Action, _, to trade.Status) {
	m.transitions.WithLabelValues(string(action), string(to)).Inc()
}

func (m *Metrics) Refused(action trade.Action, err error) {
	m.refusals.WithLabelValues(string(action), reason(err)).Inc()
}

func (m *Metrics) Exchanged(elapsed time.Duration, err error) {
	if err != nil {
		m.exchanges.WithLabelValues("failed").Inc()
		return
	}
	m.exchanges.WithLabelValues("completed").Inc()
	m.exchangeDur.Observe(elapsed.Seconds())
}

func (m *Metrics) Swept(expired, failed int) {
	m.swept.WithLabelValues("expired").Add(float64(expired))
	m.swept.WithLabelValues("failed").Add(float64(failed))
}

// reason maps an engine error to a stable, low-cardinality label.
func reason(err error) string {
	switch {
	case errors.Is(err, trade.ErrInsufficientAvailableQuantity):
		return "insufficient_quantity"
	case errors.Is(err, trade.ErrCardNotTradeable):
		return "not_tradeable"
	case errors.Is(err, trade.ErrForbidden):
		return "forbidden"
	case errors.Is(err, trade.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, trade.ErrValidation):
		return "validation"
	}
	return "other"
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
