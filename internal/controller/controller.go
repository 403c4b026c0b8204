// Package controller creates markets and holds the switches that pools and
// the margin engine consult before acting: a global pause, per-pool pauses,
// per-market trading switches and trader exposure limits.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/margin"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/pool"
)

var (
	ErrUnauthorized    = errors.New("controller: unauthorized")
	ErrIdenticalTokens = errors.New("controller: identical tokens")
	ErrPairExists      = errors.New("controller: pair already exists")
	ErrPoolNotFound    = errors.New("controller: pool not found")
)

// Config wires the controller.
type Config struct {
	// Admin changes settings and creates markets.
	Admin string
	// Account is the identity the controller uses towards the engine.
	Account string

	Bank   *bank.Bank
	Clock  clock.Clock
	Engine *margin.Engine
	// Store persists standalone pool operations.
	Store pool.Committer
	// OnPoolCommit observes every committed pool change.
	OnPoolCommit func(model.PoolState, []model.Event)
	Limits       *ExposureLimiter
}

// CreateMarketParams describes a new market and its two pools.
type CreateMarketParams struct {
	ID                uint16                  `json:"id" toml:"id"`
	Token0            string                  `json:"token0" toml:"token0"`
	Token1            string                  `json:"token1" toml:"token1"`
	InterestModel     string                  `json:"interest_model" toml:"interest_model"`
	Interest0         interest.Params         `json:"interest0" toml:"interest0"`
	Interest1         interest.Params         `json:"interest1" toml:"interest1"`
	ReserveFactor     decimal.Decimal         `json:"reserve_factor" toml:"reserve_factor"`
	BorrowCapFactor   decimal.Decimal         `json:"borrow_cap_factor" toml:"borrow_cap_factor"`
	MarginLimit       int64                   `json:"margin_limit" toml:"margin_limit"`
	FeesRate          int64                   `json:"fees_rate" toml:"fees_rate"`
	InsuranceRatio    int64                   `json:"insurance_ratio" toml:"insurance_ratio"`
	PriceDiffRatio    int64                   `json:"price_diff_ratio" toml:"price_diff_ratio"`
	LiquidationPolicy model.LiquidationPolicy `json:"liquidation_policy" toml:"liquidation_policy"`
	DexData           string                  `json:"dex_data" toml:"dex_data"`
}

type pairKey struct{ a, b string }

func pairOf(t0, t1 string) pairKey {
	if t0 > t1 {
		t0, t1 = t1, t0
	}
	return pairKey{t0, t1}
}

// Controller implements pool.Gate and margin.Gate.
type Controller struct {
	cfg Config

	mu           sync.RWMutex
	suspended    bool
	pausedPools  map[string]bool
	tradingOff   map[uint16]bool
	pairs        map[pairKey]uint16
	pools        map[string]*pool.Pool
	nextMarketID uint16
}

func New(cfg Config) (*Controller, error) {
	if cfg.Admin == "" || cfg.Account == "" {
		return nil, fmt.Errorf("controller: admin and account are required")
	}
	if cfg.Bank == nil || cfg.Clock == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("controller: bank, clock and engine are required")
	}
	if cfg.Limits == nil {
		cfg.Limits = NewExposureLimiter(Limit{})
	}
	c := &Controller{
		cfg:          cfg,
		pausedPools:  make(map[string]bool),
		tradingOff:   make(map[uint16]bool),
		pairs:        make(map[pairKey]uint16),
		pools:        make(map[string]*pool.Pool),
		nextMarketID: 1,
	}
	cfg.Engine.SetGate(c)
	return c, nil
}

// Limits returns the exposure limiter.
func (c *Controller) Limits() *ExposureLimiter { return c.cfg.Limits }

// PoolName is the pool and bank account name of one side of a market.
func PoolName(marketID uint16, token string) string {
	return fmt.Sprintf("pool-%d-%s", marketID, token)
}

// CreateMarket builds both pools and registers the market with the engine.
// ID zero picks the next free id.
func (c *Controller) CreateMarket(ctx context.Context, caller string, p CreateMarketParams) (model.Market, error) {
	if err := c.authorize(caller); err != nil {
		return model.Market{}, err
	}
	if p.Token0 == p.Token1 {
		return model.Market{}, fmt.Errorf("%w: %s", ErrIdenticalTokens, p.Token0)
	}

	// c.mu must not be held across engine calls: the engine consults the
	// gate under its own lock.
	key := pairOf(p.Token0, p.Token1)
	c.mu.Lock()
	if id, ok := c.pairs[key]; ok {
		c.mu.Unlock()
		return model.Market{}, fmt.Errorf("%w: %s/%s is market %d", ErrPairExists, p.Token0, p.Token1, id)
	}
	if p.ID == 0 {
		p.ID = c.nextMarketID
	}
	c.pairs[key] = p.ID
	c.mu.Unlock()

	m, err := c.createMarket(ctx, key, p)
	if err != nil {
		c.mu.Lock()
		delete(c.pairs, key)
		c.mu.Unlock()
		return model.Market{}, err
	}
	slog.Info("market created", "market", m.ID, "pool0", m.Pool0, "pool1", m.Pool1)
	return m, nil
}

func (c *Controller) createMarket(ctx context.Context, key pairKey, p CreateMarketParams) (model.Market, error) {
	p0, p1, err := c.buildPools(p)
	if err != nil {
		return model.Market{}, err
	}
	m := model.Market{
		ID:                p.ID,
		Token0:            p.Token0,
		Token1:            p.Token1,
		MarginLimit:       p.MarginLimit,
		FeesRate:          p.FeesRate,
		InsuranceRatio:    p.InsuranceRatio,
		PriceDiffRatio:    p.PriceDiffRatio,
		LiquidationPolicy: p.LiquidationPolicy,
		DexData:           p.DexData,
	}
	if err := c.cfg.Engine.AddMarket(ctx, c.cfg.Account, margin.MarketParams{Market: m, Pool0: p0, Pool1: p1}); err != nil {
		return model.Market{}, err
	}
	c.mu.Lock()
	c.register(p.ID, key, p0, p1)
	c.mu.Unlock()
	m, _ = c.cfg.Engine.Market(p.ID)
	return m, nil
}

// Restore rebuilds persisted markets. params supplies the interest models
// by market id; markets without an entry use the default model.
func (c *Controller) Restore(snap model.Snapshot, params map[uint16]CreateMarketParams) error {
	c.cfg.Bank.Restore(snap.Balances)
	states := make(map[string]model.PoolState, len(snap.Pools))
	for _, s := range snap.Pools {
		states[s.Name] = s
	}
	for _, m := range snap.Markets {
		p := params[m.ID]
		p.ID, p.Token0, p.Token1 = m.ID, m.Token0, m.Token1
		p0, p1, err := c.buildPools(p)
		if err != nil {
			return fmt.Errorf("controller: restore market %d: %w", m.ID, err)
		}
		for _, pl := range []*pool.Pool{p0, p1} {
			if s, ok := states[pl.Name()]; ok {
				pl.Restore(s)
			}
		}
		c.cfg.Engine.LoadMarket(m, p0, p1)
		c.mu.Lock()
		c.register(m.ID, pairOf(m.Token0, m.Token1), p0, p1)
		c.mu.Unlock()
	}
	c.cfg.Engine.LoadTrades(snap.Trades)
	slog.Info("state restored", "markets", len(snap.Markets), "trades", len(snap.Trades), "pools", len(snap.Pools))
	return nil
}

func (c *Controller) buildPools(p CreateMarketParams) (*pool.Pool, *pool.Pool, error) {
	var out [2]*pool.Pool
	for i, side := range []struct {
		token  string
		params interest.Params
	}{{p.Token0, p.Interest0}, {p.Token1, p.Interest1}} {
		m, err := interest.New(p.InterestModel, side.params)
		if err != nil {
			return nil, nil, err
		}
		pl, err := pool.New(pool.Config{
			Name:            PoolName(p.ID, side.token),
			Asset:           side.token,
			Model:           m,
			Clock:           c.cfg.Clock,
			Gate:            c,
			Bank:            c.cfg.Bank,
			Store:           c.cfg.Store,
			Engine:          c.cfg.Engine.Account(),
			Admin:           c.cfg.Admin,
			ReserveFactor:   p.ReserveFactor,
			BorrowCapFactor: p.BorrowCapFactor,
			OnCommit:        c.cfg.OnPoolCommit,
		})
		if err != nil {
			return nil, nil, err
		}
		out[i] = pl
	}
	return out[0], out[1], nil
}

// register records a market; c.mu must be held.
func (c *Controller) register(id uint16, key pairKey, p0, p1 *pool.Pool) {
	c.pairs[key] = id
	c.pools[p0.Name()] = p0
	c.pools[p1.Name()] = p1
	if id >= c.nextMarketID {
		c.nextMarketID = id + 1
	}
}

// Pool looks up a pool by name.
func (c *Controller) Pool(name string) (*pool.Pool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	return p, nil
}

// PoolNames lists every pool, sorted.
func (c *Controller) PoolNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.pools))
	for name := range c.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) SetSuspended(caller string, suspended bool) error {
	if err := c.authorize(caller); err != nil {
		return err
	}
	c.mu.Lock()
	c.suspended = suspended
	c.mu.Unlock()
	slog.Warn("global suspension changed", "suspended", suspended, "by", caller)
	return nil
}

func (c *Controller) SetPoolAllowed(caller, poolName string, allowed bool) error {
	if err := c.authorize(caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[poolName]; !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	c.pausedPools[poolName] = !allowed
	return nil
}

func (c *Controller) SetMarginTradeAllowed(caller string, marketID uint16, allowed bool) error {
	if err := c.authorize(caller); err != nil {
		return err
	}
	if _, ok := c.cfg.Engine.Market(marketID); !ok {
		return fmt.Errorf("%w: %d", margin.ErrMarketNotFound, marketID)
	}
	c.mu.Lock()
	c.tradingOff[marketID] = !allowed
	c.mu.Unlock()
	return nil
}

func (c *Controller) SetMarginLimit(ctx context.Context, caller string, marketID uint16, limit int64) (model.Market, error) {
	if err := c.authorize(caller); err != nil {
		return model.Market{}, err
	}
	return c.cfg.Engine.UpdateMarket(ctx, c.cfg.Account, marketID, func(m *model.Market) error {
		m.MarginLimit = limit
		return nil
	})
}

// SetMarketSuspended suspends or resumes trading in one market. Unlike
// SetMarginTradeAllowed the flag is persisted with the market.
func (c *Controller) SetMarketSuspended(ctx context.Context, caller string, marketID uint16, suspended bool) (model.Market, error) {
	if err := c.authorize(caller); err != nil {
		return model.Market{}, err
	}
	return c.cfg.Engine.UpdateMarket(ctx, c.cfg.Account, marketID, func(m *model.Market) error {
		m.Suspended = suspended
		return nil
	})
}

func (c *Controller) SetInterestParams(ctx context.Context, caller, poolName, modelName string, p interest.Params) error {
	if err := c.authorize(caller); err != nil {
		return err
	}
	pl, err := c.Pool(poolName)
	if err != nil {
		return err
	}
	m, err := interest.New(modelName, p)
	if err != nil {
		return err
	}
	return pl.SetInterestModel(ctx, caller, m)
}

func (c *Controller) SetReserveFactor(ctx context.Context, caller, poolName string, rf decimal.Decimal) error {
	if err := c.authorize(caller); err != nil {
		return err
	}
	pl, err := c.Pool(poolName)
	if err != nil {
		return err
	}
	return pl.SetReserveFactor(ctx, caller, rf)
}

func (c *Controller) SetExposureLimit(caller, token string, lim Limit) error {
	if err := c.authorize(caller); err != nil {
		return err
	}
	c.cfg.Limits.SetLimit(token, lim)
	return nil
}

// IsPoolAllowed implements pool.Gate.
func (c *Controller) IsPoolAllowed(poolName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.suspended && !c.pausedPools[poolName]
}

func (c *Controller) IsSuspended() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suspended
}

func (c *Controller) MarginTradeAllowed(marketID uint16) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.tradingOff[marketID]
}

func (c *Controller) CheckExposure(marketID uint16, token string, debt decimal.Decimal, others []margin.Exposure) error {
	return c.cfg.Limits.Check(marketID, token, debt, others)
}

func (c *Controller) authorize(caller string) error {
	if caller == "" || caller != c.cfg.Admin {
		return fmt.Errorf("%w: %q", ErrUnauthorized, caller)
	}
	return nil
}
