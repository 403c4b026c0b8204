// Package model defines the core domain types shared across the margin engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is one account's position inside a pool.
// Current borrow = BorrowPrincipal * pool.BorrowIndex / InterestIndex.
type AccountSnapshot struct {
	Shares          decimal.Decimal `json:"shares"`
	BorrowPrincipal decimal.Decimal `json:"borrow_principal"`
	InterestIndex   decimal.Decimal `json:"interest_index"`
}

// PoolState is the persisted ledger of a single-asset money market.
type PoolState struct {
	Name                string                     `json:"name" db:"name"`
	Asset               string                     `json:"asset" db:"asset"`
	Cash                decimal.Decimal            `json:"cash" db:"cash"`
	TotalBorrows        decimal.Decimal            `json:"total_borrows" db:"total_borrows"`
	TotalReserves       decimal.Decimal            `json:"total_reserves" db:"total_reserves"`
	TotalSupply         decimal.Decimal            `json:"total_supply" db:"total_supply"` // shares
	BorrowIndex         decimal.Decimal            `json:"borrow_index" db:"borrow_index"`
	AccrualBlock        uint64                     `json:"accrual_block" db:"accrual_block"`
	ReserveFactor       decimal.Decimal            `json:"reserve_factor" db:"reserve_factor"`
	InitialExchangeRate decimal.Decimal            `json:"initial_exchange_rate" db:"initial_exchange_rate"`
	BorrowCapFactor     decimal.Decimal            `json:"borrow_cap_factor" db:"borrow_cap_factor"`
	InterestModel       string                     `json:"interest_model" db:"interest_model"`
	Accounts            map[string]AccountSnapshot `json:"accounts,omitempty"`
}

// Clone returns a deep copy; the accounts map is never shared.
func (p PoolState) Clone() PoolState {
	c := p
	c.Accounts = make(map[string]AccountSnapshot, len(p.Accounts))
	for k, v := range p.Accounts {
		c.Accounts[k] = v
	}
	return c
}

// LiquidationPolicy selects which margin ratio gates liquidation.
type LiquidationPolicy string

const (
	// PolicyBoth: open needs spot and average ratios at or above the limit,
	// liquidation needs both below it.
	PolicyBoth LiquidationPolicy = "both"
	PolicySpot LiquidationPolicy = "spot"
	PolicyAvg  LiquidationPolicy = "avg"
)

// Valid reports whether p is a known policy.
func (p LiquidationPolicy) Valid() bool {
	switch p {
	case PolicyBoth, PolicySpot, PolicyAvg:
		return true
	}
	return false
}

// Market is a lending pool pair plus its trading parameters.
type Market struct {
	ID                uint16            `json:"id" db:"id"`
	Token0            string            `json:"token0" db:"token0"`
	Token1            string            `json:"token1" db:"token1"`
	Pool0             string            `json:"pool0" db:"pool0"`
	Pool1             string            `json:"pool1" db:"pool1"`
	MarginLimit       int64             `json:"margin_limit" db:"margin_limit"`         // bps
	FeesRate          int64             `json:"fees_rate" db:"fees_rate"`               // bps of deposit+borrow
	InsuranceRatio    int64             `json:"insurance_ratio" db:"insurance_ratio"`   // percent of charged fees
	PriceDiffRatio    int64             `json:"price_diff_ratio" db:"price_diff_ratio"` // percent spot vs avg
	Pool0Insurance    decimal.Decimal   `json:"pool0_insurance" db:"pool0_insurance"`
	Pool1Insurance    decimal.Decimal   `json:"pool1_insurance" db:"pool1_insurance"`
	LiquidationPolicy LiquidationPolicy `json:"liquidation_policy" db:"liquidation_policy"`
	DexData           string            `json:"dex_data" db:"dex_data"`
	Suspended         bool              `json:"suspended" db:"suspended"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// TradeKey identifies a trade: one per (trader, market, side).
type TradeKey struct {
	Trader     string `json:"trader"`
	MarketID   uint16 `json:"market_id"`
	LongToken1 bool   `json:"long_token1"`
}

func (k TradeKey) String() string {
	side := 0
	if k.LongToken1 {
		side = 1
	}
	return fmt.Sprintf("%s:%d:%d", k.Trader, k.MarketID, side)
}

// Trade is a leveraged position. Held is denominated in the long token,
// DepositFixedValue and MarketValueOpen in the borrowed token.
type Trade struct {
	Key               TradeKey        `json:"key"`
	DepositToken1     bool            `json:"deposit_token1"`
	Deposited         decimal.Decimal `json:"deposited"`
	Held              decimal.Decimal `json:"held"`
	DepositFixedValue decimal.Decimal `json:"deposit_fixed_value"`
	MarketValueOpen   decimal.Decimal `json:"market_value_open"`
	LastBlock         uint64          `json:"last_block"`
	LiqMarker         string          `json:"liq_marker,omitempty"`
	LiqBlock          uint64          `json:"liq_block,omitempty"`
}

// IsOpen reports whether the trade holds a position.
func (t *Trade) IsOpen() bool {
	return t != nil && t.Held.IsPositive()
}

// Balance is one token balance of one account.
type Balance struct {
	Token   string          `json:"token"`
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Event kinds recorded in the journal.
const (
	EventMint        = "mint"
	EventRedeem      = "redeem"
	EventBorrow      = "borrow"
	EventRepay       = "repay"
	EventBadDebt     = "bad_debt"
	EventOpen        = "open"
	EventClose       = "close"
	EventPayoff      = "payoff"
	EventLiqMark     = "liq_mark"
	EventLiqReset    = "liq_reset"
	EventLiquidate   = "liquidate"
	EventPriceUpdate = "price_update"
)

// Event is an immutable journal record of a committed state change.
// Once created, these are never modified or deleted.
type Event struct {
	ID       string                     `json:"id" db:"id"`
	Kind     string                     `json:"kind" db:"kind"`
	Account  string                     `json:"account" db:"account"`
	MarketID uint16                     `json:"market_id,omitempty" db:"market_id"`
	Pool     string                     `json:"pool,omitempty" db:"pool"`
	Block    uint64                     `json:"block" db:"block"`
	Amounts  map[string]decimal.Decimal `json:"amounts,omitempty"`
	Time     time.Time                  `json:"time" db:"time"`
}

// Changeset is everything one committed operation wrote.
type Changeset struct {
	Pools         []PoolState `json:"pools,omitempty"`
	Markets       []Market    `json:"markets,omitempty"`
	Trades        []Trade     `json:"trades,omitempty"`
	DeletedTrades []TradeKey  `json:"deleted_trades,omitempty"`
	Balances      []Balance   `json:"balances,omitempty"`
	Events        []Event     `json:"events,omitempty"`
}

// Empty reports whether the changeset carries no writes.
func (c *Changeset) Empty() bool {
	return len(c.Pools) == 0 && len(c.Markets) == 0 && len(c.Trades) == 0 &&
		len(c.DeletedTrades) == 0 && len(c.Balances) == 0 && len(c.Events) == 0
}

// Snapshot is the full persisted state, used to restore on startup.
type Snapshot struct {
	Pools    []PoolState
	Markets  []Market
	Trades   []Trade
	Balances []Balance
}
