// Package interest implements the utilization-driven interest rate models
// that price borrowing in a pool.
//
// Models are stateless: pool balances are passed as arguments, rates are
// returned per block. A model is selected by name so a pool can switch
// implementation through configuration without changing its ledger.
package interest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidParams is returned when a model parameter is out of range.
	ErrInvalidParams = errors.New("interest: invalid model parameters")

	// ErrUnknownModel is returned by New for an unregistered model name.
	ErrUnknownModel = errors.New("interest: unknown model")

	// Precision is the number of decimal places rates and indexes are kept at.
	Precision int32 = 16

	// DefaultBlocksPerYear assumes one block every 15 seconds.
	DefaultBlocksPerYear int64 = 2102400

	one = decimal.NewFromInt(1)
)

// Model names accepted by New.
const (
	JumpV1   = "jump-v1"
	LinearV1 = "linear-v1"
)

// Model prices borrowing and supplying for a pool.
type Model interface {
	// Name identifies the implementation and version.
	Name() string
	// BorrowRate returns the per-block borrow rate.
	BorrowRate(cash, borrows, reserves decimal.Decimal) decimal.Decimal
	// SupplyRate returns the per-block rate earned by suppliers.
	SupplyRate(cash, borrows, reserves, reserveFactor decimal.Decimal) decimal.Decimal
}

// Params are annualized model parameters, e.g. 0.05 for 5%.
type Params struct {
	BaseRate       decimal.Decimal `json:"base_rate" toml:"base_rate"`
	Multiplier     decimal.Decimal `json:"multiplier" toml:"multiplier"`
	JumpMultiplier decimal.Decimal `json:"jump_multiplier" toml:"jump_multiplier"`
	Kink           decimal.Decimal `json:"kink" toml:"kink"`
	BlocksPerYear  int64           `json:"blocks_per_year" toml:"blocks_per_year"`
}

// New builds the model registered under name.
func New(name string, p Params) (Model, error) {
	switch name {
	case JumpV1, "":
		return NewJumpRateModel(p)
	case LinearV1:
		p.JumpMultiplier = decimal.Zero
		p.Kink = decimal.Zero
		m, err := NewJumpRateModel(p)
		if err != nil {
			return nil, err
		}
		m.name = LinearV1
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
}

// Utilization computes borrows / (cash + borrows - reserves).
// Zero when nothing is borrowed or the pool holds no net liquidity.
func Utilization(cash, borrows, reserves decimal.Decimal) decimal.Decimal {
	if !borrows.IsPositive() {
		return decimal.Zero
	}
	total := cash.Add(borrows).Sub(reserves)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return div(borrows, total)
}

// JumpRateModel is the piecewise-linear kink model: the rate grows with
// Multiplier up to Kink, then with JumpMultiplier beyond it.
type JumpRateModel struct {
	name               string
	blocksPerYear      decimal.Decimal
	baseRatePerBlock   decimal.Decimal
	multiplierPerBlock decimal.Decimal
	jumpPerBlock       decimal.Decimal
	kink               decimal.Decimal
}

// NewJumpRateModel converts annual parameters to per-block values.
func NewJumpRateModel(p Params) (*JumpRateModel, error) {
	if p.BaseRate.IsNegative() || p.Multiplier.IsNegative() || p.JumpMultiplier.IsNegative() {
		return nil, fmt.Errorf("%w: rates must not be negative", ErrInvalidParams)
	}
	if p.Kink.IsNegative() || p.Kink.GreaterThan(one) {
		return nil, fmt.Errorf("%w: kink %s outside [0, 1]", ErrInvalidParams, p.Kink)
	}
	bpy := p.BlocksPerYear
	if bpy == 0 {
		bpy = DefaultBlocksPerYear
	}
	if bpy < 0 {
		return nil, fmt.Errorf("%w: blocks per year %d", ErrInvalidParams, bpy)
	}
	blocks := decimal.NewFromInt(bpy)
	return &JumpRateModel{
		name:               JumpV1,
		blocksPerYear:      blocks,
		baseRatePerBlock:   div(p.BaseRate, blocks),
		multiplierPerBlock: div(p.Multiplier, blocks),
		jumpPerBlock:       div(p.JumpMultiplier, blocks),
		kink:               p.Kink,
	}, nil
}

func (m *JumpRateModel) Name() string { return m.name }

// BlocksPerYear returns the annualization factor the model was built with.
func (m *JumpRateModel) BlocksPerYear() decimal.Decimal { return m.blocksPerYear }

// BorrowRate returns the per-block borrow rate at the pool's utilization.
func (m *JumpRateModel) BorrowRate(cash, borrows, reserves decimal.Decimal) decimal.Decimal {
	u := Utilization(cash, borrows, reserves)
	if m.kink.IsZero() || u.LessThanOrEqual(m.kink) {
		return u.Mul(m.multiplierPerBlock).Add(m.baseRatePerBlock).Truncate(Precision)
	}
	normal := m.kink.Mul(m.multiplierPerBlock).Add(m.baseRatePerBlock)
	excess := u.Sub(m.kink)
	return excess.Mul(m.jumpPerBlock).Add(normal).Truncate(Precision)
}

// SupplyRate = borrowRate * utilization * (1 - reserveFactor).
func (m *JumpRateModel) SupplyRate(cash, borrows, reserves, reserveFactor decimal.Decimal) decimal.Decimal {
	u := Utilization(cash, borrows, reserves)
	toPool := m.BorrowRate(cash, borrows, reserves).Mul(one.Sub(reserveFactor))
	return u.Mul(toPool).Truncate(Precision)
}

// div divides and truncates at Precision instead of rounding.
func div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Precision+4).Truncate(Precision)
}
