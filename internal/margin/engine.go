// Package margin implements the leveraged trading engine. A trade borrows
// from the counter-pool of a market, swaps into the long token and is later
// closed, paid off or liquidated. Every operation runs as a single unit of
// work over the bank, both pools of the market and the engine's own state:
// either all of it commits and is persisted, or none of it does.
package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/metrics"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/pool"
	"github.com/levmarket/margin-engine/internal/priceguard"
)

var (
	ErrMarketNotFound         = errors.New("margin: market not found")
	ErrMarketExists           = errors.New("margin: market already exists")
	ErrInvalidMarket          = errors.New("margin: invalid market")
	ErrMarketSuspended        = errors.New("margin: market suspended")
	ErrUnauthorized           = errors.New("margin: unauthorized")
	ErrInvalidAmount          = errors.New("margin: invalid amount")
	ErrNoLeverage             = errors.New("margin: borrow amount required to open")
	ErrDepositTooSmall        = errors.New("margin: deposit too small")
	ErrDepositTokenMismatch   = errors.New("margin: deposit token mismatch")
	ErrInsufficientBuyAmount  = errors.New("margin: insufficient buy amount")
	ErrMarginRatioTooLow      = errors.New("margin: margin ratio too low")
	ErrHeldIsZero             = errors.New("margin: held is zero")
	ErrCloseAmountExceedsHeld = errors.New("margin: close amount exceeds held")
	ErrSameBlock              = errors.New("margin: same block")
	ErrInsufficientBalance    = errors.New("margin: insufficient balance")
	ErrExceedsMaxSell         = errors.New("margin: exceeds max sell amount")
	ErrInvalidRepayPath       = errors.New("margin: invalid repay path")
	ErrPositionHealthy        = errors.New("margin: position healthy")
	ErrNotMarked              = errors.New("margin: position not marked")
	ErrPositionNotHealthy     = errors.New("margin: position not healthy")
	ErrTaxedBorrowToken       = errors.New("margin: borrow token charges transfer tax")

	// Re-exported so callers can match engine errors against one package.
	ErrPriceStale                = priceguard.ErrPriceStale
	ErrPriceInsufficientHistory  = priceguard.ErrPriceInsufficientHistory
	ErrTransferFallthroughFailed = pool.ErrTransferFallthroughFailed
)

// MaxMarginRatio is reported for a trade that owes nothing.
const MaxMarginRatio int64 = math.MaxInt32

var (
	bps     = decimal.NewFromInt(10000)
	percent = decimal.NewFromInt(100)
)

// Exposure is a trader's outstanding debt in one market.
type Exposure struct {
	MarketID uint16
	Token    string
	Amount   decimal.Decimal
}

// Gate is the controller surface the engine consults before trading.
type Gate interface {
	IsSuspended() bool
	MarginTradeAllowed(marketID uint16) bool
	// CheckExposure vets a trader's debt in marketID after a borrow, given
	// the trader's debt in every other market.
	CheckExposure(marketID uint16, token string, debt decimal.Decimal, others []Exposure) error
}

// Committer persists a change set atomically.
type Committer interface {
	Apply(ctx context.Context, cs model.Changeset) error
}

// Config wires the engine.
type Config struct {
	// Account holds positions and insurance and is the pools' engine account.
	Account  string
	Treasury string
	// Controller is the only account allowed to add or reconfigure markets.
	Controller string
	// ReferralDiscount is the percent of fees waived for a referred trader,
	// ReferralReward the percent of the charged fee paid to the referrer.
	ReferralDiscount int64
	ReferralReward   int64

	Bank    *bank.Bank
	Clock   clock.Clock
	Guard   *priceguard.Guard
	Swapper dex.Swapper
	Store   Committer
	Gate    Gate

	// OnCommit receives the engine's events after every commit.
	OnCommit func([]model.Event)
}

type marketEntry struct {
	market model.Market
	pools  [2]*pool.Pool
}

// Engine is the margin trading engine. Calls are serialised.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	gate      Gate
	markets   map[uint16]*marketEntry
	trades    map[model.TradeKey]*model.Trade
	referrers map[string]bool
}

// New creates an engine with no markets.
func New(cfg Config) (*Engine, error) {
	if cfg.Account == "" || cfg.Treasury == "" {
		return nil, fmt.Errorf("%w: engine and treasury accounts are required", ErrInvalidMarket)
	}
	if cfg.Bank == nil || cfg.Clock == nil || cfg.Guard == nil || cfg.Swapper == nil {
		return nil, fmt.Errorf("%w: bank, clock, guard and swapper are required", ErrInvalidMarket)
	}
	if cfg.ReferralDiscount < 0 || cfg.ReferralDiscount > 100 || cfg.ReferralReward < 0 || cfg.ReferralReward > 100 {
		return nil, fmt.Errorf("%w: referral percentages outside [0, 100]", ErrInvalidMarket)
	}
	return &Engine{
		cfg:       cfg,
		gate:      cfg.Gate,
		markets:   make(map[uint16]*marketEntry),
		trades:    make(map[model.TradeKey]*model.Trade),
		referrers: make(map[string]bool),
	}, nil
}

// Account is the engine's custody account.
func (e *Engine) Account() string { return e.cfg.Account }

// SetGate installs the controller gate. Used when the controller is built
// after the engine.
func (e *Engine) SetGate(g Gate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = g
}

// MarketParams registers a market over two existing pools.
type MarketParams struct {
	Market model.Market
	Pool0  *pool.Pool
	Pool1  *pool.Pool
}

// AddMarket registers a market. Controller only.
func (e *Engine) AddMarket(ctx context.Context, caller string, p MarketParams) error {
	if caller == "" || caller != e.cfg.Controller {
		return fmt.Errorf("%w: %q may not add markets", ErrUnauthorized, caller)
	}
	m := p.Market
	if p.Pool0 == nil || p.Pool1 == nil || p.Pool0.Asset() != m.Token0 || p.Pool1.Asset() != m.Token1 {
		return fmt.Errorf("%w: pools must hold token0 and token1", ErrInvalidMarket)
	}
	m.Pool0, m.Pool1 = p.Pool0.Name(), p.Pool1.Name()
	if m.LiquidationPolicy == "" {
		m.LiquidationPolicy = model.PolicyBoth
	}
	if err := validateMarket(m); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[m.ID]; ok {
		return fmt.Errorf("%w: %d", ErrMarketExists, m.ID)
	}
	if e.cfg.Store != nil {
		if err := e.cfg.Store.Apply(ctx, model.Changeset{Markets: []model.Market{m}}); err != nil {
			return fmt.Errorf("margin: persist market: %w", err)
		}
	}
	e.markets[m.ID] = &marketEntry{market: m, pools: [2]*pool.Pool{p.Pool0, p.Pool1}}
	metrics.ActiveMarkets.Set(float64(len(e.markets)))
	slog.Info("market added", "market", m.ID, "token0", m.Token0, "token1", m.Token1)
	return nil
}

// LoadMarket restores a persisted market without persisting it again.
func (e *Engine) LoadMarket(m model.Market, p0, p1 *pool.Pool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[m.ID] = &marketEntry{market: m, pools: [2]*pool.Pool{p0, p1}}
	metrics.ActiveMarkets.Set(float64(len(e.markets)))
}

// LoadTrades restores persisted trades.
func (e *Engine) LoadTrades(trades []model.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range trades {
		t := trades[i]
		e.trades[t.Key] = &t
	}
}

// UpdateMarket applies fn to a market's configuration and persists it.
// Controller only.
func (e *Engine) UpdateMarket(ctx context.Context, caller string, marketID uint16, fn func(*model.Market) error) (model.Market, error) {
	if caller == "" || caller != e.cfg.Controller {
		return model.Market{}, fmt.Errorf("%w: %q may not configure markets", ErrUnauthorized, caller)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.markets[marketID]
	if !ok {
		return model.Market{}, fmt.Errorf("%w: %d", ErrMarketNotFound, marketID)
	}
	m := entry.market
	if err := fn(&m); err != nil {
		return model.Market{}, err
	}
	m.ID, m.Token0, m.Token1, m.Pool0, m.Pool1 = entry.market.ID, entry.market.Token0, entry.market.Token1, entry.market.Pool0, entry.market.Pool1
	m.Pool0Insurance, m.Pool1Insurance = entry.market.Pool0Insurance, entry.market.Pool1Insurance
	if err := validateMarket(m); err != nil {
		return model.Market{}, err
	}
	if e.cfg.Store != nil {
		if err := e.cfg.Store.Apply(ctx, model.Changeset{Markets: []model.Market{m}}); err != nil {
			return model.Market{}, fmt.Errorf("margin: persist market: %w", err)
		}
	}
	entry.market = m
	return m, nil
}

// RegisterReferrer lets an account register itself as a referrer.
func (e *Engine) RegisterReferrer(caller, referrer string) error {
	if referrer == "" || caller != referrer {
		return fmt.Errorf("%w: accounts register themselves", ErrUnauthorized)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referrers[referrer] = true
	return nil
}

// Market returns a copy of a market.
func (e *Engine) Market(id uint16) (model.Market, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.markets[id]
	if !ok {
		return model.Market{}, false
	}
	return entry.market, true
}

// Markets returns all markets ordered by id.
func (e *Engine) Markets() []model.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Market, 0, len(e.markets))
	for _, entry := range e.markets {
		out = append(out, entry.market)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pools returns the two pools of a market.
func (e *Engine) Pools(id uint16) (*pool.Pool, *pool.Pool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.markets[id]
	if !ok {
		return nil, nil, false
	}
	return entry.pools[0], entry.pools[1], true
}

// Trade returns a copy of an open trade.
func (e *Engine) Trade(key model.TradeKey) (model.Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[key]
	if !ok {
		return model.Trade{}, false
	}
	return *t, true
}

// TradesOf returns every open trade of a trader.
func (e *Engine) TradesOf(trader string) []model.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Trade
	for k, t := range e.trades {
		if k.Trader == trader {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// UpdatePrice refreshes the price snapshot of a market. Anyone may call it.
func (e *Engine) UpdatePrice(ctx context.Context, caller string, marketID uint16, dexData string) (priceguard.Snapshot, error) {
	m, ok := e.Market(marketID)
	if !ok {
		return priceguard.Snapshot{}, fmt.Errorf("%w: %d", ErrMarketNotFound, marketID)
	}
	if dexData == "" {
		dexData = m.DexData
	}
	snap, err := e.cfg.Guard.Update(ctx, m.Token0, m.Token1, dexData)
	if err != nil {
		return snap, err
	}
	ev := newEvent(model.EventPriceUpdate, caller, marketID, snap.Block, map[string]decimal.Decimal{
		"price": snap.Price, "avg_price": snap.AvgPrice,
	})
	if e.cfg.Store != nil {
		if err := e.cfg.Store.Apply(ctx, model.Changeset{Events: []model.Event{ev}}); err != nil {
			slog.Warn("price update event not persisted", "market", marketID, "error", err)
		}
	}
	if e.cfg.OnCommit != nil {
		e.cfg.OnCommit([]model.Event{ev})
	}
	return snap, nil
}

// ShouldUpdatePrice reports whether the market's snapshot needs a refresh.
func (e *Engine) ShouldUpdatePrice(ctx context.Context, marketID uint16, dexData string) (bool, error) {
	m, ok := e.Market(marketID)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrMarketNotFound, marketID)
	}
	if dexData == "" {
		dexData = m.DexData
	}
	return e.cfg.Guard.ShouldUpdate(ctx, m.Token0, m.Token1, dexData)
}

// PriceSnapshot returns the market's guarded price.
func (e *Engine) PriceSnapshot(marketID uint16) (priceguard.Snapshot, error) {
	m, ok := e.Market(marketID)
	if !ok {
		return priceguard.Snapshot{}, fmt.Errorf("%w: %d", ErrMarketNotFound, marketID)
	}
	snap, ok := e.cfg.Guard.Snapshot(m.Token0, m.Token1)
	if !ok {
		return priceguard.Snapshot{}, fmt.Errorf("%w: market %d was never priced", ErrPriceStale, marketID)
	}
	return snap, nil
}

// unit is one engine operation in flight.
type unit struct {
	e      *Engine
	ctx    context.Context
	now    uint64
	bank   *bank.Tx
	pools  [2]*pool.Tx
	market model.Market

	marketDirty bool
	trades      map[model.TradeKey]*model.Trade
	deleted     map[model.TradeKey]bool
	events      []model.Event
	after       []func()
}

// execute runs fn as a unit of work on one market. Locks are taken in the
// order engine, bank, pool0, pool1.
func (e *Engine) execute(ctx context.Context, kind string, marketID uint16, fn func(u *unit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrMarketNotFound, marketID)
	}
	btx := e.cfg.Bank.Begin()
	u := &unit{
		e:       e,
		ctx:     ctx,
		now:     e.cfg.Clock.Now(),
		bank:    btx,
		market:  entry.market,
		trades:  make(map[model.TradeKey]*model.Trade),
		deleted: make(map[model.TradeKey]bool),
	}
	u.pools[0] = entry.pools[0].Begin(btx)
	u.pools[1] = entry.pools[1].Begin(btx)

	err := fn(u)
	if err == nil {
		err = e.persist(ctx, u)
	}
	if err != nil {
		u.pools[1].Rollback()
		u.pools[0].Rollback()
		btx.Rollback()
		metrics.TradeFailures.WithLabelValues(kind).Inc()
		return err
	}

	if u.marketDirty {
		entry.market = u.market
	}
	for k, t := range u.trades {
		e.trades[k] = t
	}
	for k := range u.deleted {
		delete(e.trades, k)
	}
	u.pools[1].Commit()
	u.pools[0].Commit()
	btx.Commit()

	for _, f := range u.after {
		f()
	}
	metrics.TradesTotal.WithLabelValues(kind).Inc()
	metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if e.cfg.OnCommit != nil && len(u.events) > 0 {
		e.cfg.OnCommit(u.events)
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, u *unit) error {
	if e.cfg.Store == nil {
		return nil
	}
	cs := model.Changeset{
		Pools:    []model.PoolState{u.pools[0].State(), u.pools[1].State()},
		Balances: u.bank.Dirty(),
	}
	if u.marketDirty {
		cs.Markets = []model.Market{u.market}
	}
	for _, t := range u.trades {
		cs.Trades = append(cs.Trades, *t)
	}
	for k := range u.deleted {
		cs.DeletedTrades = append(cs.DeletedTrades, k)
	}
	cs.Events = append(cs.Events, u.pools[0].Events()...)
	cs.Events = append(cs.Events, u.pools[1].Events()...)
	cs.Events = append(cs.Events, u.events...)
	if err := e.cfg.Store.Apply(ctx, cs); err != nil {
		slog.Error("engine commit failed", "market", u.market.ID, "error", err)
		return fmt.Errorf("margin: persist: %w", err)
	}
	return nil
}

// trade returns the working copy of a trade, or nil.
func (u *unit) trade(key model.TradeKey) *model.Trade {
	if u.deleted[key] {
		return nil
	}
	if t, ok := u.trades[key]; ok {
		return t
	}
	t, ok := u.e.trades[key]
	if !ok {
		return nil
	}
	c := *t
	u.trades[key] = &c
	return &c
}

func (u *unit) openTrade(key model.TradeKey) (*model.Trade, error) {
	t := u.trade(key)
	if !t.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrHeldIsZero, key)
	}
	return t, nil
}

func (u *unit) putTrade(t *model.Trade) {
	delete(u.deleted, t.Key)
	u.trades[t.Key] = t
}

func (u *unit) deleteTrade(key model.TradeKey) {
	delete(u.trades, key)
	if _, ok := u.e.trades[key]; ok {
		u.deleted[key] = true
	}
}

func (u *unit) record(kind, account string, amounts map[string]decimal.Decimal) {
	u.events = append(u.events, newEvent(kind, account, u.market.ID, u.now, amounts))
}

// pull moves amount from an account into engine custody.
func (u *unit) pull(token, from string, amount decimal.Decimal) (decimal.Decimal, error) {
	received, err := u.bank.Transfer(token, from, u.e.cfg.Account, amount)
	if errors.Is(err, bank.ErrInsufficientBalance) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}
	return received, err
}

// pay moves amount out of engine custody.
func (u *unit) pay(token, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	_, err := u.bank.Transfer(token, u.e.cfg.Account, to, amount)
	return err
}

func (u *unit) checkGate() error {
	if u.market.Suspended {
		return fmt.Errorf("%w: %d", ErrMarketSuspended, u.market.ID)
	}
	g := u.e.gate
	if g != nil && (g.IsSuspended() || !g.MarginTradeAllowed(u.market.ID)) {
		return fmt.Errorf("%w: trading disabled for %d", ErrMarketSuspended, u.market.ID)
	}
	return nil
}

func (u *unit) dexData(override string) string {
	if override != "" {
		return override
	}
	return u.market.DexData
}

func newEvent(kind, account string, marketID uint16, block uint64, amounts map[string]decimal.Decimal) model.Event {
	return model.Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Account:  account,
		MarketID: marketID,
		Block:    block,
		Amounts:  amounts,
		Time:     time.Now().UTC(),
	}
}

func validateMarket(m model.Market) error {
	switch {
	case m.Token0 == "" || m.Token1 == "" || m.Token0 == m.Token1:
		return fmt.Errorf("%w: tokens %q/%q", ErrInvalidMarket, m.Token0, m.Token1)
	case m.MarginLimit <= 0:
		return fmt.Errorf("%w: margin limit %d", ErrInvalidMarket, m.MarginLimit)
	case m.FeesRate < 0 || m.FeesRate >= 10000:
		return fmt.Errorf("%w: fees rate %d", ErrInvalidMarket, m.FeesRate)
	case m.InsuranceRatio < 0 || m.InsuranceRatio > 100:
		return fmt.Errorf("%w: insurance ratio %d", ErrInvalidMarket, m.InsuranceRatio)
	case m.PriceDiffRatio < 0 || m.PriceDiffRatio > 100:
		return fmt.Errorf("%w: price diff ratio %d", ErrInvalidMarket, m.PriceDiffRatio)
	case !m.LiquidationPolicy.Valid():
		return fmt.Errorf("%w: liquidation policy %q", ErrInvalidMarket, m.LiquidationPolicy)
	}
	return nil
}

func marketLabel(id uint16) string { return strconv.Itoa(int(id)) }
