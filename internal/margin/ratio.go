package margin

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/priceguard"
)

// side resolves which token a trade holds and which pool it borrows from.
// Guard prices are quoted as token1 per token0.
type side struct {
	held, borrow       string
	heldIdx, borrowIdx int
	long1              bool
}

func sideOf(m model.Market, longToken1 bool) side {
	if longToken1 {
		return side{held: m.Token1, borrow: m.Token0, heldIdx: 1, borrowIdx: 0, long1: true}
	}
	return side{held: m.Token0, borrow: m.Token1, heldIdx: 0, borrowIdx: 1}
}

// heldValue converts an amount of the held token into borrow-token units.
func (s side) heldValue(held, price decimal.Decimal) decimal.Decimal {
	if s.long1 {
		return div(held, price)
	}
	return held.Mul(price).Truncate(bank.AmountScale)
}

// inHeld converts an amount of the borrow token into held-token units.
func (s side) inHeld(amount, price decimal.Decimal) decimal.Decimal {
	if s.long1 {
		return amount.Mul(price).Truncate(bank.AmountScale)
	}
	return div(amount, price)
}

// Ratio is the margin ratio of a trade in basis points at spot and at the
// guarded average price.
type Ratio struct {
	Current int64           `json:"current"`
	Avg     int64           `json:"avg"`
	Limit   int64           `json:"limit"`
	Owed    decimal.Decimal `json:"owed"`
	Held    decimal.Decimal `json:"held"`
	Spot    decimal.Decimal `json:"spot"`
	AvgSpot decimal.Decimal `json:"avg_price"`
}

// marginRatio = (value - owed) / owed in bps, floored at zero.
func marginRatio(value, owed decimal.Decimal) int64 {
	if !owed.IsPositive() {
		return MaxMarginRatio
	}
	r := value.Sub(owed).Mul(bps).DivRound(owed, 8)
	if !r.IsPositive() {
		return 0
	}
	if r.GreaterThanOrEqual(decimal.NewFromInt(MaxMarginRatio)) {
		return MaxMarginRatio
	}
	return r.IntPart()
}

func ratioOf(t *model.Trade, s side, owed decimal.Decimal, p priceguard.Prices, limit int64) Ratio {
	return Ratio{
		Current: marginRatio(s.heldValue(t.Held, p.Spot), owed),
		Avg:     marginRatio(s.heldValue(t.Held, p.Avg), owed),
		Limit:   limit,
		Owed:    owed,
		Held:    t.Held,
		Spot:    p.Spot,
		AvgSpot: p.Avg,
	}
}

// healthy reports whether r clears the limit under policy.
func healthy(policy model.LiquidationPolicy, r Ratio) bool {
	switch policy {
	case model.PolicySpot:
		return r.Current >= r.Limit
	case model.PolicyAvg:
		return r.Avg >= r.Limit
	default:
		return r.Current >= r.Limit && r.Avg >= r.Limit
	}
}

// breached reports whether r is liquidatable under policy.
func breached(policy model.LiquidationPolicy, r Ratio) bool {
	switch policy {
	case model.PolicySpot:
		return r.Current < r.Limit
	case model.PolicyAvg:
		return r.Avg < r.Limit
	default:
		return r.Current < r.Limit && r.Avg < r.Limit
	}
}

// MarginRatio reports the current and average margin ratios of a trade with
// interest simulated to the current block. It does not require a fresh
// price snapshot, only an established average.
func (e *Engine) MarginRatio(ctx context.Context, trader string, marketID uint16, longToken1 bool) (Ratio, error) {
	key := model.TradeKey{Trader: trader, MarketID: marketID, LongToken1: longToken1}
	e.mu.Lock()
	entry, ok := e.markets[key.MarketID]
	var t model.Trade
	if tp := e.trades[key]; tp != nil {
		t = *tp
	}
	e.mu.Unlock()
	if !ok {
		return Ratio{}, fmt.Errorf("%w: %d", ErrMarketNotFound, key.MarketID)
	}
	if !t.IsOpen() {
		return Ratio{}, fmt.Errorf("%w: %s", ErrHeldIsZero, key)
	}
	m := entry.market
	p, err := e.cfg.Guard.Prices(ctx, m.Token0, m.Token1, m.DexData)
	if err != nil {
		return Ratio{}, err
	}
	s := sideOf(m, key.LongToken1)
	owed, err := entry.pools[s.borrowIdx].BorrowBalanceCurrent(key.Trader)
	if err != nil {
		return Ratio{}, err
	}
	return ratioOf(&t, s, owed, p, m.MarginLimit), nil
}

// ratio computes the margin ratio of a working trade inside a unit.
func (u *unit) ratio(t *model.Trade, s side, p priceguard.Prices) (Ratio, error) {
	owed, err := u.pools[s.borrowIdx].BorrowBalanceCurrent(t.Key.Trader)
	if err != nil {
		return Ratio{}, err
	}
	return ratioOf(t, s, owed, p, u.market.MarginLimit), nil
}

// checkPrices runs the guard for the market pair.
func (u *unit) checkPrices(dexData string) (priceguard.Prices, error) {
	return u.e.cfg.Guard.Check(u.ctx, u.market.Token0, u.market.Token1, dexData, u.market.PriceDiffRatio)
}

func div(x, y decimal.Decimal) decimal.Decimal {
	if y.IsZero() {
		return decimal.Zero
	}
	return x.DivRound(y, bank.AmountScale+4).Truncate(bank.AmountScale)
}
