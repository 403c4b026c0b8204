package pool

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// AccrualDelta is the result of compounding a pool ledger up to a block.
type AccrualDelta struct {
	FromBlock      uint64
	ToBlock        uint64
	BorrowRate     decimal.Decimal // per block, at the pre-accrual utilization
	Interest       decimal.Decimal
	ReservesAdded  decimal.Decimal
	NewBorrowIndex decimal.Decimal
}

// Elapsed is the number of blocks compounded.
func (d AccrualDelta) Elapsed() uint64 { return d.ToBlock - d.FromBlock }

// Accrue computes the interest owed on s.TotalBorrows between s.AccrualBlock
// and now without touching s. Accruing twice at the same block yields an
// empty delta.
func Accrue(s model.PoolState, m interest.Model, now uint64) (AccrualDelta, error) {
	if now < s.AccrualBlock {
		return AccrualDelta{}, fmt.Errorf("%w: now %d, last accrual %d", ErrClockBehind, now, s.AccrualBlock)
	}
	index := s.BorrowIndex
	if !index.IsPositive() {
		index = one
	}
	delta := AccrualDelta{
		FromBlock:      s.AccrualBlock,
		ToBlock:        now,
		Interest:       decimal.Zero,
		ReservesAdded:  decimal.Zero,
		NewBorrowIndex: index,
	}
	if now == s.AccrualBlock {
		return delta, nil
	}

	delta.BorrowRate = m.BorrowRate(s.Cash, s.TotalBorrows, s.TotalReserves)
	simple := delta.BorrowRate.Mul(decimal.NewFromInt(int64(delta.Elapsed())))

	delta.Interest = s.TotalBorrows.Mul(simple).Truncate(interest.Precision)
	delta.ReservesAdded = delta.Interest.Mul(s.ReserveFactor).Truncate(interest.Precision)
	delta.NewBorrowIndex = index.Add(ceil(index.Mul(simple)))
	return delta, nil
}

// ApplyTo writes the delta into s.
func (d AccrualDelta) ApplyTo(s *model.PoolState) {
	s.TotalBorrows = s.TotalBorrows.Add(d.Interest)
	s.TotalReserves = s.TotalReserves.Add(d.ReservesAdded)
	s.BorrowIndex = d.NewBorrowIndex
	s.AccrualBlock = d.ToBlock
}

// ExchangeRate = (cash + borrows - reserves) / supply, or the initial rate
// while no shares exist. Never negative.
func ExchangeRate(s model.PoolState) decimal.Decimal {
	if !s.TotalSupply.IsPositive() {
		if s.InitialExchangeRate.IsPositive() {
			return s.InitialExchangeRate
		}
		return one
	}
	backing := s.Cash.Add(s.TotalBorrows).Sub(s.TotalReserves)
	if !backing.IsPositive() {
		return decimal.Zero
	}
	return backing.DivRound(s.TotalSupply, interest.Precision+4).Truncate(interest.Precision)
}

// BorrowBalance is principal * borrowIndex / interestIndex, rounded up.
func BorrowBalance(a model.AccountSnapshot, borrowIndex decimal.Decimal) decimal.Decimal {
	if !a.BorrowPrincipal.IsPositive() {
		return decimal.Zero
	}
	if !a.InterestIndex.IsPositive() || a.InterestIndex.Equal(borrowIndex) {
		return a.BorrowPrincipal
	}
	return ceil(a.BorrowPrincipal.Mul(borrowIndex).DivRound(a.InterestIndex, interest.Precision+4))
}

func ceil(x decimal.Decimal) decimal.Decimal {
	return x.Shift(interest.Precision).Ceil().Shift(-interest.Precision)
}
