// Package dex defines the swap venue contract the engine trades through and
// an in-memory constant-price venue used for development and tests.
package dex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/dexdata"
)

var (
	ErrNoPrice            = errors.New("dex: no price for pair")
	ErrInsufficientOutput = errors.New("dex: output below minimum")
	ErrExcessiveInput     = errors.New("dex: input above maximum")
	ErrInvalidAmount      = errors.New("dex: amount must be positive")
)

// PriceSource quotes how many quote tokens one base token is worth.
type PriceSource interface {
	Spot(ctx context.Context, base, quote, dexData string) (decimal.Decimal, error)
}

// Swapper executes swaps, moving tokens through the supplied ledger.
type Swapper interface {
	// Sell swaps exactly amountIn and returns what the seller received.
	Sell(ctx context.Context, ledger bank.Ledger, seller, tokenIn, tokenOut string, amountIn, minOut decimal.Decimal, dexData string) (decimal.Decimal, error)
	// Buy swaps for exactly amountOut and returns what the buyer spent.
	Buy(ctx context.Context, ledger bank.Ledger, buyer, tokenIn, tokenOut string, amountOut, maxIn decimal.Decimal, dexData string) (decimal.Decimal, error)
}

// Venue is a DEX that both quotes and swaps.
type Venue interface {
	PriceSource
	Swapper
}

type pair struct{ base, quote string }

var bps = decimal.NewFromInt(10000)

// Memory is a constant-price venue. It trades against its own account in
// the ledger, which must be funded with the tokens it pays out.
type Memory struct {
	account string
	feeBps  int64

	mu     sync.RWMutex
	prices map[pair]decimal.Decimal
}

// NewMemory creates a venue holding its inventory under account and taking
// feeBps of every swap.
func NewMemory(account string, feeBps int64) *Memory {
	return &Memory{account: account, feeBps: feeBps, prices: make(map[pair]decimal.Decimal)}
}

// Account is the ledger account the venue trades from.
func (m *Memory) Account() string { return m.account }

// SetPrice sets base priced in quote, and the inverse.
func (m *Memory) SetPrice(base, quote string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidAmount, price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair{base, quote}] = price
	m.prices[pair{quote, base}] = decimal.NewFromInt(1).DivRound(price, bank.AmountScale)
	return nil
}

func (m *Memory) Spot(ctx context.Context, base, quote, dexData string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	if err := validate(dexData, base, quote); err != nil {
		return decimal.Zero, err
	}
	return m.price(base, quote)
}

func (m *Memory) Sell(ctx context.Context, ledger bank.Ledger, seller, tokenIn, tokenOut string, amountIn, minOut decimal.Decimal, dexData string) (decimal.Decimal, error) {
	if !amountIn.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	price, err := m.Spot(ctx, tokenIn, tokenOut, dexData)
	if err != nil {
		return decimal.Zero, err
	}
	received, err := ledger.Transfer(tokenIn, seller, m.account, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	out := m.afterFee(received.Mul(price)).Truncate(bank.AmountScale)
	if out.LessThan(minOut) {
		return decimal.Zero, fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientOutput, out, minOut)
	}
	return ledger.Transfer(tokenOut, m.account, seller, out)
}

func (m *Memory) Buy(ctx context.Context, ledger bank.Ledger, buyer, tokenIn, tokenOut string, amountOut, maxIn decimal.Decimal, dexData string) (decimal.Decimal, error) {
	if !amountOut.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	price, err := m.Spot(ctx, tokenIn, tokenOut, dexData)
	if err != nil {
		return decimal.Zero, err
	}
	gross := amountOut
	if m.feeBps > 0 {
		gross = amountOut.Mul(bps).DivRound(bps.Sub(decimal.NewFromInt(m.feeBps)), bank.AmountScale+4)
	}
	in := gross.DivRound(price, bank.AmountScale+4).
		Shift(bank.AmountScale).Ceil().Shift(-bank.AmountScale)
	if in.GreaterThan(maxIn) {
		return decimal.Zero, fmt.Errorf("%w: needs %s, max %s", ErrExcessiveInput, in, maxIn)
	}
	if _, err := ledger.Transfer(tokenIn, buyer, m.account, in); err != nil {
		return decimal.Zero, err
	}
	if _, err := ledger.Transfer(tokenOut, m.account, buyer, amountOut); err != nil {
		return decimal.Zero, err
	}
	return in, nil
}

func (m *Memory) price(base, quote string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[pair{base, quote}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoPrice, base, quote)
	}
	return p, nil
}

func (m *Memory) afterFee(x decimal.Decimal) decimal.Decimal {
	if m.feeBps == 0 {
		return x
	}
	return x.Mul(bps.Sub(decimal.NewFromInt(m.feeBps))).Div(bps)
}

func validate(dexData, tokenIn, tokenOut string) error {
	if dexData == "" {
		return nil
	}
	return dexdata.Validate(dexData, tokenIn, tokenOut)
}
