package controller

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/margin"
	"github.com/levmarket/margin-engine/internal/metrics"
)

var (
	// ErrMarketExposureExceeded is returned when a borrow would push a
	// trader's debt in one market beyond the per-market maximum.
	ErrMarketExposureExceeded = errors.New("controller: market exposure limit exceeded")

	// ErrTokenExposureExceeded is returned when a borrow would push a
	// trader's debt in one token, summed over every market that lends it,
	// beyond the aggregate maximum.
	ErrTokenExposureExceeded = errors.New("controller: token exposure limit exceeded")
)

// Limit caps a trader's debt in one borrow token. Zero disables a cap.
type Limit struct {
	PerMarket decimal.Decimal `json:"per_market" toml:"per_market"`
	Aggregate decimal.Decimal `json:"aggregate" toml:"aggregate"`
}

// ExposureLimiter enforces per-trader borrow limits.
//
// Debt is grouped by borrow token: a trader long LINK in a LINK/USDC market
// and long WETH in a WETH/USDC market owes USDC in both, and the aggregate
// limit for USDC applies to the sum.
type ExposureLimiter struct {
	mu       sync.RWMutex
	fallback Limit
	limits   map[string]Limit
}

// NewExposureLimiter creates a limiter applying fallback to tokens without
// an explicit limit.
func NewExposureLimiter(fallback Limit) *ExposureLimiter {
	return &ExposureLimiter{fallback: fallback, limits: make(map[string]Limit)}
}

func (l *ExposureLimiter) SetLimit(token string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[token] = lim
}

func (l *ExposureLimiter) Limit(token string) Limit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lim, ok := l.limits[token]; ok {
		return lim
	}
	return l.fallback
}

// Check validates a trader's debt in marketID after a borrow, given their
// debt in every other market.
func (l *ExposureLimiter) Check(marketID uint16, token string, debt decimal.Decimal, others []margin.Exposure) error {
	lim := l.Limit(token)
	if lim.PerMarket.IsPositive() && debt.GreaterThan(lim.PerMarket) {
		metrics.ExposureRejections.WithLabelValues("market").Inc()
		return fmt.Errorf("%w: %s %s in market %d, max %s", ErrMarketExposureExceeded, debt, token, marketID, lim.PerMarket)
	}
	if !lim.Aggregate.IsPositive() {
		return nil
	}
	total := debt
	for _, e := range others {
		if e.Token == token {
			total = total.Add(e.Amount.Abs())
		}
	}
	if total.GreaterThan(lim.Aggregate) {
		metrics.ExposureRejections.WithLabelValues("token").Inc()
		return fmt.Errorf("%w: %s %s across markets, max %s", ErrTokenExposureExceeded, total, token, lim.Aggregate)
	}
	return nil
}
