// Package metrics provides Prometheus instrumentation for the margin engine.
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

	"github.com/levmarket/margin-engine/internal/model"
)

var (
	// TradesTotal counts committed engine operations, partitioned by kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_trades_total",
		Help: "Total number of committed trade operations",
	}, []string{"kind"})

	// TradeLatency is the wall time of an engine operation, including persistence.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "levmarket_trade_latency_seconds",
		Help:    "Trade operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeFailures counts rolled back engine operations.
	TradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_trade_failures_total",
		Help: "Engine operations rolled back",
	}, []string{"kind"})

	// Liquidations counts executed liquidations; blown_up is "true" when debt
	// exceeded proceeds.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_liquidations_total",
		Help: "Executed liquidations",
	}, []string{"market_id", "blown_up"})

	// BadDebtTotal accumulates written-off debt per pool, in pool asset units.
	BadDebtTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_bad_debt_total",
		Help: "Debt written off by forced settlement",
	}, []string{"pool"})

	// InsuranceDrawn accumulates insurance used to cover liquidation shortfalls.
	InsuranceDrawn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_insurance_drawn_total",
		Help: "Insurance drawn to cover shortfalls",
	}, []string{"market_id", "token"})

	// PriceGuardRejections counts operations refused by the price guard.
	PriceGuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_price_guard_rejections_total",
		Help: "Operations rejected by the price guard",
	}, []string{"reason"})

	// ExposureRejections counts trades rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_exposure_rejections_total",
		Help: "Trades rejected by the exposure limiter",
	}, []string{"scope"})

	// PoolUtilization tracks borrows / (cash + borrows - reserves) per pool.
	PoolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "levmarket_pool_utilization_ratio",
		Help: "Pool utilization after the last committed change",
	}, []string{"pool"})

	// PoolExchangeRate tracks the share exchange rate per pool.
	PoolExchangeRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "levmarket_pool_exchange_rate",
		Help: "Pool share exchange rate after the last committed change",
	}, []string{"pool"})

	// ActiveMarkets tracks the number of registered markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "levmarket_active_markets",
		Help: "Number of registered markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "levmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "levmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests refused by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "levmarket_rate_limited_total",
		Help: "Requests refused by the rate limiter",
	})
)

// ObservePool records the pool gauges and any bad debt carried in events.
// Matches the pool.Config.OnCommit signature.
func ObservePool(state model.PoolState, events []model.Event) {
	PoolUtilization.WithLabelValues(state.Name).Set(utilization(state))
	if state.TotalSupply.IsPositive() {
		rate := state.Cash.Add(state.TotalBorrows).Sub(state.TotalReserves).Div(state.TotalSupply)
		PoolExchangeRate.WithLabelValues(state.Name).Set(rate.InexactFloat64())
	}
	for _, ev := range events {
		if ev.Kind != model.EventBadDebt {
			continue
		}
		if amt, ok := ev.Amounts["bad_debt"]; ok && amt.IsPositive() {
			BadDebtTotal.WithLabelValues(state.Name).Add(amt.InexactFloat64())
		}
	}
}

func utilization(s model.PoolState) float64 {
	if !s.TotalBorrows.IsPositive() {
		return 0
	}
	total := s.Cash.Add(s.TotalBorrows).Sub(s.TotalReserves)
	if !total.IsPositive() {
		return 0
	}
	return s.TotalBorrows.Div(total).InexactFloat64()
}

// AddDecimal adds a decimal amount to a counter; non-positive values are dropped.
func AddDecimal(c prometheus.Counter, v decimal.Decimal) {
	if v.IsPositive() {
		c.Add(v.InexactFloat64())
	}
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

		// Route pattern keeps the path label low-cardinality; it is only
		// known after routing, so read it once the handler returned.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
