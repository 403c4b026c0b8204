// Package priceguard keeps per-pair price snapshots and refuses prices that
// are stale or diverge from their time-weighted average. Snapshots only move
// through an explicit Update, so a price cannot be pushed and consumed in the
// same operation.
package priceguard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/metrics"
)

var (
	ErrPriceStale               = errors.New("priceguard: price stale")
	ErrPriceInsufficientHistory = errors.New("priceguard: insufficient price history")
	ErrUpdateTooFrequent        = errors.New("priceguard: update too frequent")
)

const priceScale int32 = 18

var hundred = decimal.NewFromInt(100)

// Config bounds snapshot freshness. Block counts are in clock blocks,
// deviations in percent.
type Config struct {
	MaxAge           uint64 `json:"max_age" toml:"max_age"`
	MinUpdateSpacing uint64 `json:"min_update_spacing" toml:"min_update_spacing"`
	UpdateInterval   uint64 `json:"update_interval" toml:"update_interval"`
	TWAPWindow       uint64 `json:"twap_window" toml:"twap_window"`
	MaxDeviation     int64  `json:"max_deviation" toml:"max_deviation"`
	MinObservations  int    `json:"min_observations" toml:"min_observations"`
	HistoryCap       int    `json:"history_cap" toml:"history_cap"`
}

// DefaultConfig returns conservative settings for 15 second blocks.
func DefaultConfig() Config {
	return Config{
		MaxAge:           40,
		MinUpdateSpacing: 1,
		UpdateInterval:   20,
		TWAPWindow:       40,
		MaxDeviation:     10,
		MinObservations:  1,
		HistoryCap:       64,
	}
}

// Observation is one recorded spot price.
type Observation struct {
	Price decimal.Decimal `json:"price"`
	Block uint64          `json:"block"`
}

// Snapshot is the guarded state of one pair.
type Snapshot struct {
	Price    decimal.Decimal `json:"price"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	Block    uint64          `json:"block"`
	History  []Observation   `json:"history"`
}

// Prices is a live spot next to the guarded average.
type Prices struct {
	Spot  decimal.Decimal `json:"spot"`
	Avg   decimal.Decimal `json:"avg"`
	Block uint64          `json:"block"`
}

type pairKey struct{ base, quote string }

// Guard wraps a price source with snapshot bookkeeping.
type Guard struct {
	source dex.PriceSource
	clock  clock.Clock
	cfg    Config

	mu    sync.RWMutex
	snaps map[pairKey]*Snapshot
}

// New creates a guard. Zero config fields fall back to DefaultConfig.
func New(source dex.PriceSource, c clock.Clock, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.MaxAge == 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.TWAPWindow == 0 {
		cfg.TWAPWindow = def.TWAPWindow
	}
	if cfg.MaxDeviation == 0 {
		cfg.MaxDeviation = def.MaxDeviation
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = def.MinObservations
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	return &Guard{source: source, clock: c, cfg: cfg, snaps: make(map[pairKey]*Snapshot)}
}

// Config returns the effective settings.
func (g *Guard) Config() Config { return g.cfg }

// Update records a fresh spot observation for the pair. Anyone may call it,
// but not more often than MinUpdateSpacing blocks.
func (g *Guard) Update(ctx context.Context, base, quote, dexData string) (Snapshot, error) {
	spot, err := g.source.Spot(ctx, base, quote, dexData)
	if err != nil {
		return Snapshot{}, err
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	key := pairKey{base, quote}
	snap := g.snaps[key]
	if snap != nil && g.cfg.MinUpdateSpacing > 0 && now-snap.Block < g.cfg.MinUpdateSpacing {
		metrics.PriceGuardRejections.WithLabelValues("too_frequent").Inc()
		return Snapshot{}, fmt.Errorf("%w: last update at block %d, now %d, spacing %d",
			ErrUpdateTooFrequent, snap.Block, now, g.cfg.MinUpdateSpacing)
	}
	if snap == nil {
		snap = &Snapshot{}
		g.snaps[key] = snap
	}

	history := append([]Observation{}, snap.History...)
	if n := len(history); n > 0 && history[n-1].Block == now {
		history[n-1].Price = spot
	} else {
		history = append(history, Observation{Price: spot, Block: now})
	}
	history = prune(history, now, g.cfg.TWAPWindow, g.cfg.HistoryCap)

	snap.History = history
	snap.Price = spot
	snap.AvgPrice = twap(history, windowStart(now, g.cfg.TWAPWindow))
	snap.Block = now
	return cloneSnapshot(snap), nil
}

// ShouldUpdate reports whether the pair needs a refresh: it was never
// updated, UpdateInterval blocks passed, or spot drifted more than
// MaxDeviation percent from the snapshot price.
func (g *Guard) ShouldUpdate(ctx context.Context, base, quote, dexData string) (bool, error) {
	snap, ok := g.Snapshot(base, quote)
	if !ok {
		return true, nil
	}
	if g.clock.Now()-snap.Block >= g.cfg.UpdateInterval {
		return true, nil
	}
	spot, err := g.source.Spot(ctx, base, quote, dexData)
	if err != nil {
		return false, err
	}
	return deviation(spot, snap.Price).GreaterThan(decimal.NewFromInt(g.cfg.MaxDeviation)), nil
}

// Check fails with ErrPriceStale unless the pair has a snapshot no older
// than MaxAge whose average is within maxDeviation percent of live spot.
// maxDeviation <= 0 uses the guard's default.
func (g *Guard) Check(ctx context.Context, base, quote, dexData string, maxDeviation int64) (Prices, error) {
	snap, ok := g.Snapshot(base, quote)
	if !ok {
		metrics.PriceGuardRejections.WithLabelValues("no_snapshot").Inc()
		return Prices{}, fmt.Errorf("%w: no snapshot for %s/%s", ErrPriceStale, base, quote)
	}
	now := g.clock.Now()
	if now-snap.Block > g.cfg.MaxAge {
		metrics.PriceGuardRejections.WithLabelValues("stale").Inc()
		return Prices{}, fmt.Errorf("%w: snapshot at block %d, now %d, max age %d",
			ErrPriceStale, snap.Block, now, g.cfg.MaxAge)
	}
	spot, err := g.source.Spot(ctx, base, quote, dexData)
	if err != nil {
		return Prices{}, err
	}
	if maxDeviation <= 0 {
		maxDeviation = g.cfg.MaxDeviation
	}
	if dev := deviation(spot, snap.AvgPrice); dev.GreaterThan(decimal.NewFromInt(maxDeviation)) {
		metrics.PriceGuardRejections.WithLabelValues("deviation").Inc()
		return Prices{}, fmt.Errorf("%w: spot %s deviates %s%% from average %s",
			ErrPriceStale, spot, dev.StringFixed(2), snap.AvgPrice)
	}
	return Prices{Spot: spot, Avg: snap.AvgPrice, Block: snap.Block}, nil
}

// Prices returns live spot and the stored average without freshness
// checks. ErrPriceInsufficientHistory when no average can be established.
func (g *Guard) Prices(ctx context.Context, base, quote, dexData string) (Prices, error) {
	snap, ok := g.Snapshot(base, quote)
	if !ok || len(snap.History) < g.cfg.MinObservations || !snap.AvgPrice.IsPositive() {
		metrics.PriceGuardRejections.WithLabelValues("insufficient_history").Inc()
		return Prices{}, fmt.Errorf("%w: %s/%s", ErrPriceInsufficientHistory, base, quote)
	}
	spot, err := g.source.Spot(ctx, base, quote, dexData)
	if err != nil {
		return Prices{}, err
	}
	return Prices{Spot: spot, Avg: snap.AvgPrice, Block: snap.Block}, nil
}

// Snapshot returns a copy of the pair's snapshot.
func (g *Guard) Snapshot(base, quote string) (Snapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap, ok := g.snaps[pairKey{base, quote}]
	if !ok {
		return Snapshot{}, false
	}
	return cloneSnapshot(snap), true
}

// deviation = |a-b| / b in percent.
func deviation(a, b decimal.Decimal) decimal.Decimal {
	if !b.IsPositive() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Mul(hundred).DivRound(b, 8)
}

// twap weights each observation by the blocks it stood until the next one,
// counting only blocks after from. A window with a single distinct block
// averages to its last price.
func twap(history []Observation, from uint64) decimal.Decimal {
	n := len(history)
	if n == 0 {
		return decimal.Zero
	}
	start := history[0].Block
	if from > start {
		start = from
	}
	last := history[n-1].Block
	if last <= start {
		return history[n-1].Price
	}
	sum := decimal.Zero
	for i := 0; i < n-1; i++ {
		lo, hi := history[i].Block, history[i+1].Block
		if lo < start {
			lo = start
		}
		if hi <= lo {
			continue
		}
		sum = sum.Add(history[i].Price.Mul(decimal.NewFromInt(int64(hi - lo))))
	}
	return sum.DivRound(decimal.NewFromInt(int64(last-start)), priceScale)
}

func windowStart(now, window uint64) uint64 {
	if window == 0 || now <= window {
		return 0
	}
	return now - window
}

// prune drops observations older than the window, keeping the newest of
// them so the window starts with a known price.
func prune(history []Observation, now, window uint64, limit int) []Observation {
	if cutoff := windowStart(now, window); cutoff > 0 {
		first := 0
		for i, ob := range history {
			if ob.Block <= cutoff {
				first = i
			}
		}
		history = history[first:]
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]Observation{}, history...)
}

func cloneSnapshot(s *Snapshot) Snapshot {
	c := *s
	c.History = append([]Observation{}, s.History...)
	return c
}
