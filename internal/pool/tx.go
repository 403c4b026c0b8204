package pool

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/model"
)

// RepayResult reports a forced settlement.
type RepayResult struct {
	Owed    decimal.Decimal `json:"owed"`
	Repaid  decimal.Decimal `json:"repaid"`
	BadDebt decimal.Decimal `json:"bad_debt"`
}

// Tx is an open unit of work on a pool. It mutates a private copy of the
// ledger; Commit publishes it, Rollback discards it. The pool stays locked
// until either is called.
type Tx struct {
	p         *Pool
	ledger    bank.Ledger
	state     model.PoolState
	nextModel interest.Model
	events    []model.Event
	done      bool
}

// Begin locks the pool and opens a transaction that moves tokens through
// ledger. Callers holding a bank transaction must have begun it first.
func (p *Pool) Begin(ledger bank.Ledger) *Tx {
	p.mu.Lock()
	return &Tx{p: p, ledger: ledger, state: p.state.Clone()}
}

// State returns a copy of the working ledger.
func (tx *Tx) State() model.PoolState { return tx.state.Clone() }

// Events returns the events recorded so far.
func (tx *Tx) Events() []model.Event { return tx.events }

// Commit publishes the working ledger and releases the pool.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	p := tx.p
	p.state = tx.state
	if tx.nextModel != nil {
		p.model = tx.nextModel
	}
	snapshot, events := p.state.Clone(), tx.events
	p.mu.Unlock()
	if p.onCommit != nil {
		p.onCommit(snapshot, events)
	}
}

// Rollback discards the working ledger and releases the pool.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.p.mu.Unlock()
}

// Accrue compounds the working ledger to the current block.
func (tx *Tx) Accrue() (AccrualDelta, error) { return tx.accrue() }

func (tx *Tx) accrue() (AccrualDelta, error) {
	if tx.done {
		return AccrualDelta{}, ErrTxClosed
	}
	delta, err := Accrue(tx.state, tx.p.model, tx.p.clock.Now())
	if err != nil {
		return delta, err
	}
	delta.ApplyTo(&tx.state)
	return delta, nil
}

// BorrowBalanceCurrent accrues and returns what account owes.
func (tx *Tx) BorrowBalanceCurrent(account string) (decimal.Decimal, error) {
	if _, err := tx.accrue(); err != nil {
		return decimal.Zero, err
	}
	return BorrowBalance(tx.state.Accounts[account], tx.state.BorrowIndex), nil
}

// AvailableForBorrow is the lendable cash in the working ledger.
func (tx *Tx) AvailableForBorrow() decimal.Decimal { return availableForBorrow(tx.state) }

func (tx *Tx) Mint(minter string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := tx.allowed(); err != nil {
		return decimal.Zero, err
	}
	if _, err := tx.accrue(); err != nil {
		return decimal.Zero, err
	}
	rate := ExchangeRate(tx.state)
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: exchange rate is zero", ErrMintTooSmall)
	}
	received, err := tx.ledger.Transfer(tx.state.Asset, minter, tx.state.Name, amount)
	if err != nil {
		return decimal.Zero, err
	}
	shares := received.DivRound(rate, bank.AmountScale+4).Truncate(bank.AmountScale)
	if !shares.IsPositive() {
		return decimal.Zero, ErrMintTooSmall
	}

	acct := tx.state.Accounts[minter]
	acct.Shares = acct.Shares.Add(shares)
	tx.state.Accounts[minter] = acct
	tx.state.TotalSupply = tx.state.TotalSupply.Add(shares)
	tx.state.Cash = tx.state.Cash.Add(received)

	tx.record(model.EventMint, minter, map[string]decimal.Decimal{
		"amount": received, "shares": shares, "exchange_rate": rate,
	})
	return shares, nil
}

func (tx *Tx) Redeem(redeemer string, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if _, err := tx.accrue(); err != nil {
		return decimal.Zero, err
	}
	rate := ExchangeRate(tx.state)
	out := shares.Mul(rate).Truncate(bank.AmountScale)
	if err := tx.redeem(redeemer, shares, out, rate); err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

// RedeemUnderlying returns the number of shares burned.
func (tx *Tx) RedeemUnderlying(redeemer string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if _, err := tx.accrue(); err != nil {
		return decimal.Zero, err
	}
	rate := ExchangeRate(tx.state)
	if !rate.IsPositive() {
		return decimal.Zero, ErrInsufficientCash
	}
	shares := amount.DivRound(rate, bank.AmountScale+4).
		Shift(bank.AmountScale).Ceil().Shift(-bank.AmountScale)
	if err := tx.redeem(redeemer, shares, amount, rate); err != nil {
		return decimal.Zero, err
	}
	return shares, nil
}

func (tx *Tx) redeem(redeemer string, shares, out, rate decimal.Decimal) error {
	acct := tx.state.Accounts[redeemer]
	if acct.Shares.LessThan(shares) {
		return fmt.Errorf("%w: has %s, redeeming %s", ErrInsufficientShares, acct.Shares, shares)
	}
	if tx.state.Cash.LessThan(out) {
		return fmt.Errorf("%w: cash %s, requested %s", ErrInsufficientCash, tx.state.Cash, out)
	}
	if _, err := tx.ledger.Transfer(tx.state.Asset, tx.state.Name, redeemer, out); err != nil {
		return err
	}
	acct.Shares = acct.Shares.Sub(shares)
	tx.put(redeemer, acct)
	tx.state.TotalSupply = tx.state.TotalSupply.Sub(shares)
	tx.state.Cash = tx.state.Cash.Sub(out)

	tx.record(model.EventRedeem, redeemer, map[string]decimal.Decimal{
		"amount": out, "shares": shares, "exchange_rate": rate,
	})
	return nil
}

// BorrowBehalf records amount of debt on borrower and pays it to the
// engine. Returns what the engine received after transfer tax.
func (tx *Tx) BorrowBehalf(caller, borrower string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := tx.authorize(caller, tx.p.engine); err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := tx.allowed(); err != nil {
		return decimal.Zero, err
	}
	if _, err := tx.accrue(); err != nil {
		return decimal.Zero, err
	}
	if avail := availableForBorrow(tx.state); amount.GreaterThan(avail) {
		return decimal.Zero, fmt.Errorf("%w: requested %s, available %s", ErrBorrowOutOfRange, amount, avail)
	}
	received, err := tx.ledger.Transfer(tx.state.Asset, tx.state.Name, caller, amount)
	if err != nil {
		return decimal.Zero, err
	}

	acct := tx.state.Accounts[borrower]
	current := BorrowBalance(acct, tx.state.BorrowIndex)
	acct.BorrowPrincipal = current.Add(amount)
	acct.InterestIndex = tx.state.BorrowIndex
	tx.state.Accounts[borrower] = acct
	tx.state.TotalBorrows = tx.state.TotalBorrows.Add(amount)
	tx.state.Cash = tx.state.Cash.Sub(amount)

	tx.record(model.EventBorrow, borrower, map[string]decimal.Decimal{
		"amount": amount, "received": received, "balance": acct.BorrowPrincipal,
	})
	return received, nil
}

func (tx *Tx) RepayBorrowBehalf(payer, borrower string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() && !amount.Equal(RepayMax) {
		return decimal.Zero, ErrInvalidAmount
	}
	owed, err := tx.BorrowBalanceCurrent(borrower)
	if err != nil {
		return decimal.Zero, err
	}
	repay := amount
	if amount.Equal(RepayMax) || amount.GreaterThan(owed) {
		repay = owed
	}
	if !repay.IsPositive() {
		return decimal.Zero, nil
	}
	received, err := tx.ledger.Transfer(tx.state.Asset, payer, tx.state.Name, repay)
	if err != nil {
		return decimal.Zero, err
	}
	if received.LessThan(repay) {
		return decimal.Zero, fmt.Errorf("%w: received %s of %s", ErrTransferFallthroughFailed, received, repay)
	}

	acct := tx.state.Accounts[borrower]
	acct.BorrowPrincipal = owed.Sub(repay)
	acct.InterestIndex = tx.state.BorrowIndex
	tx.put(borrower, acct)
	tx.state.TotalBorrows = floorZero(tx.state.TotalBorrows.Sub(repay))
	tx.state.Cash = tx.state.Cash.Add(received)

	tx.record(model.EventRepay, borrower, map[string]decimal.Decimal{
		"amount": repay, "balance": acct.BorrowPrincipal,
	})
	return repay, nil
}

// RepayBorrowEndByEngine clears borrower's debt completely regardless of how
// much payer covers. The uncovered part is removed from TotalBorrows without
// touching shares, which lowers the exchange rate.
func (tx *Tx) RepayBorrowEndByEngine(caller, payer, borrower string, amount decimal.Decimal) (RepayResult, error) {
	if err := tx.authorize(caller, tx.p.engine); err != nil {
		return RepayResult{}, err
	}
	if amount.IsNegative() {
		return RepayResult{}, ErrInvalidAmount
	}
	owed, err := tx.BorrowBalanceCurrent(borrower)
	if err != nil {
		return RepayResult{}, err
	}
	repay := decimal.Min(amount, owed)
	received := decimal.Zero
	if repay.IsPositive() {
		received, err = tx.ledger.Transfer(tx.state.Asset, payer, tx.state.Name, repay)
		if err != nil {
			return RepayResult{}, err
		}
	}
	res := RepayResult{Owed: owed, Repaid: received, BadDebt: floorZero(owed.Sub(received))}

	acct := tx.state.Accounts[borrower]
	acct.BorrowPrincipal = decimal.Zero
	acct.InterestIndex = tx.state.BorrowIndex
	tx.put(borrower, acct)
	tx.state.TotalBorrows = floorZero(tx.state.TotalBorrows.Sub(owed))
	tx.state.Cash = tx.state.Cash.Add(received)

	tx.record(model.EventRepay, borrower, map[string]decimal.Decimal{
		"amount": received, "balance": decimal.Zero,
	})
	if res.BadDebt.IsPositive() {
		tx.record(model.EventBadDebt, borrower, map[string]decimal.Decimal{
			"owed": owed, "repaid": received, "bad_debt": res.BadDebt,
		})
		slog.Warn("bad debt written off", "pool", tx.state.Name, "borrower", borrower,
			"owed", owed.String(), "bad_debt", res.BadDebt.String())
	}
	return res, nil
}

func (tx *Tx) AddReserves(from string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if _, err := tx.accrue(); err != nil {
		return err
	}
	received, err := tx.ledger.Transfer(tx.state.Asset, from, tx.state.Name, amount)
	if err != nil {
		return err
	}
	tx.state.Cash = tx.state.Cash.Add(received)
	tx.state.TotalReserves = tx.state.TotalReserves.Add(received)
	return nil
}

func (tx *Tx) ReduceReserves(caller, to string, amount decimal.Decimal) error {
	if err := tx.authorize(caller, tx.p.admin); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if _, err := tx.accrue(); err != nil {
		return err
	}
	if amount.GreaterThan(tx.state.TotalReserves) {
		return fmt.Errorf("%w: reserves %s, requested %s", ErrInsufficientReserves, tx.state.TotalReserves, amount)
	}
	if amount.GreaterThan(tx.state.Cash) {
		return fmt.Errorf("%w: cash %s, requested %s", ErrInsufficientCash, tx.state.Cash, amount)
	}
	if _, err := tx.ledger.Transfer(tx.state.Asset, tx.state.Name, to, amount); err != nil {
		return err
	}
	tx.state.Cash = tx.state.Cash.Sub(amount)
	tx.state.TotalReserves = tx.state.TotalReserves.Sub(amount)
	return nil
}

func (tx *Tx) allowed() error {
	if tx.p.gate != nil && !tx.p.gate.IsPoolAllowed(tx.state.Name) {
		return fmt.Errorf("%w: %s", ErrPoolPaused, tx.state.Name)
	}
	return nil
}

func (tx *Tx) authorize(caller, want string) error {
	if want == "" || caller != want {
		return fmt.Errorf("%w: %q", ErrUnauthorized, caller)
	}
	return nil
}

// put stores acct, dropping accounts that no longer hold anything.
func (tx *Tx) put(account string, acct model.AccountSnapshot) {
	if acct.Shares.IsZero() && acct.BorrowPrincipal.IsZero() {
		delete(tx.state.Accounts, account)
		return
	}
	tx.state.Accounts[account] = acct
}

func (tx *Tx) record(kind, account string, amounts map[string]decimal.Decimal) {
	tx.events = append(tx.events, model.Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Account: account,
		Pool:    tx.state.Name,
		Block:   tx.state.AccrualBlock,
		Amounts: amounts,
		Time:    time.Now().UTC(),
	})
}

func floorZero(x decimal.Decimal) decimal.Decimal {
	if x.IsNegative() {
		return decimal.Zero
	}
	return x
}
