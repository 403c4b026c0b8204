// Package pool implements the single-asset money market: lenders mint
// interest-bearing shares, borrowers draw the asset against the pool, and
// interest compounds per block through a borrow index.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/model"
)

var (
	ErrPoolPaused                = errors.New("pool: paused")
	ErrBorrowOutOfRange          = errors.New("pool: borrow out of range")
	ErrMintTooSmall              = errors.New("pool: mint too small")
	ErrInsufficientCash          = errors.New("pool: insufficient cash")
	ErrInsufficientShares        = errors.New("pool: insufficient shares")
	ErrInsufficientReserves      = errors.New("pool: insufficient reserves")
	ErrTransferFallthroughFailed = errors.New("pool: transfer fallthrough failed")
	ErrUnauthorized              = errors.New("pool: unauthorized")
	ErrClockBehind               = errors.New("pool: clock behind accrual block")
	ErrInvalidAmount             = errors.New("pool: invalid amount")
	ErrInvalidParam              = errors.New("pool: invalid parameter")
	ErrTxClosed                  = errors.New("pool: transaction already closed")
)

// RepayMax repays the full current debt when passed as a repay amount.
var RepayMax = decimal.NewFromInt(-1)

// Gate reports whether the controller currently allows a pool.
type Gate interface {
	IsPoolAllowed(pool string) bool
}

// Committer persists a change set atomically.
type Committer interface {
	Apply(ctx context.Context, cs model.Changeset) error
}

// Config wires a pool to its collaborators.
type Config struct {
	Name  string
	Asset string
	Model interest.Model
	Clock clock.Clock
	Gate  Gate
	Bank  *bank.Bank
	Store Committer
	// Engine is the only account allowed to call RepayBorrowEndByEngine.
	Engine string
	// Admin may move reserves and change risk parameters.
	Admin string

	ReserveFactor       decimal.Decimal
	InitialExchangeRate decimal.Decimal
	BorrowCapFactor     decimal.Decimal

	// OnCommit is called after every committed change, outside the pool lock.
	OnCommit func(model.PoolState, []model.Event)
}

// Pool is a single-asset money market. Every mutation runs under the bank
// lock followed by the pool lock.
type Pool struct {
	name  string
	asset string

	mu    sync.Mutex
	state model.PoolState
	model interest.Model

	clock    clock.Clock
	gate     Gate
	bank     *bank.Bank
	store    Committer
	engine   string
	admin    string
	onCommit func(model.PoolState, []model.Event)
}

// New creates an empty pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Name == "" || cfg.Asset == "" {
		return nil, fmt.Errorf("%w: name and asset are required", ErrInvalidParam)
	}
	if cfg.Model == nil || cfg.Clock == nil || cfg.Bank == nil {
		return nil, fmt.Errorf("%w: model, clock and bank are required", ErrInvalidParam)
	}
	if _, ok := cfg.Bank.Token(cfg.Asset); !ok {
		return nil, fmt.Errorf("%w: %s", bank.ErrUnknownToken, cfg.Asset)
	}
	if err := validReserveFactor(cfg.ReserveFactor); err != nil {
		return nil, err
	}
	initRate := cfg.InitialExchangeRate
	if initRate.IsZero() {
		initRate = one
	}
	capFactor := cfg.BorrowCapFactor
	if capFactor.IsZero() {
		capFactor = one
	}
	if err := validCapFactor(capFactor); err != nil {
		return nil, err
	}
	return &Pool{
		name:  cfg.Name,
		asset: cfg.Asset,
		state: model.PoolState{
			Name:                cfg.Name,
			Asset:               cfg.Asset,
			BorrowIndex:         one,
			AccrualBlock:        cfg.Clock.Now(),
			ReserveFactor:       cfg.ReserveFactor,
			InitialExchangeRate: initRate,
			BorrowCapFactor:     capFactor,
			InterestModel:       cfg.Model.Name(),
			Accounts:            make(map[string]model.AccountSnapshot),
		},
		model:    cfg.Model,
		clock:    cfg.Clock,
		gate:     cfg.Gate,
		bank:     cfg.Bank,
		store:    cfg.Store,
		engine:   cfg.Engine,
		admin:    cfg.Admin,
		onCommit: cfg.OnCommit,
	}, nil
}

func (p *Pool) Name() string  { return p.name }
func (p *Pool) Asset() string { return p.asset }

// Restore replaces the ledger with a persisted one. Used at startup.
func (p *Pool) Restore(s model.PoolState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s = s.Clone()
	s.Name, s.Asset = p.name, p.asset
	if !s.BorrowIndex.IsPositive() {
		s.BorrowIndex = one
	}
	if s.InitialExchangeRate.IsZero() {
		s.InitialExchangeRate = one
	}
	if s.BorrowCapFactor.IsZero() {
		s.BorrowCapFactor = one
	}
	p.state = s
}

// State returns a deep copy of the stored ledger.
func (p *Pool) State() model.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

// Mint deposits amount of the asset and credits shares to minter.
func (p *Pool) Mint(ctx context.Context, minter string, amount decimal.Decimal) (decimal.Decimal, error) {
	var shares decimal.Decimal
	err := p.run(ctx, func(tx *Tx) error {
		var err error
		shares, err = tx.Mint(minter, amount)
		return err
	})
	return shares, err
}

// Redeem burns shares and returns the underlying they are worth.
func (p *Pool) Redeem(ctx context.Context, redeemer string, shares decimal.Decimal) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := p.run(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Redeem(redeemer, shares)
		return err
	})
	return out, err
}

// RedeemUnderlying burns however many shares amount of underlying costs.
func (p *Pool) RedeemUnderlying(ctx context.Context, redeemer string, amount decimal.Decimal) (decimal.Decimal, error) {
	var burned decimal.Decimal
	err := p.run(ctx, func(tx *Tx) error {
		var err error
		burned, err = tx.RedeemUnderlying(redeemer, amount)
		return err
	})
	return burned, err
}

// BorrowBehalf records amount of debt on borrower and pays it to the
// engine, the only account allowed to borrow. Returns the amount received.
func (p *Pool) BorrowBehalf(ctx context.Context, caller, borrower string, amount decimal.Decimal) (decimal.Decimal, error) {
	var received decimal.Decimal
	err := p.run(ctx, func(tx *Tx) error {
		var err error
		received, err = tx.BorrowBehalf(caller, borrower, amount)
		return err
	})
	return received, err
}

// RepayBorrowBehalf repays borrower's debt from payer. Pass RepayMax to
// repay everything. Returns the amount applied to the debt.
func (p *Pool) RepayBorrowBehalf(ctx context.Context, payer, borrower string, amount decimal.Decimal) (decimal.Decimal, error) {
	var repaid decimal.Decimal
	err := p.run(ctx, func(tx *Tx) error {
		var err error
		repaid, err = tx.RepayBorrowBehalf(payer, borrower, amount)
		return err
	})
	return repaid, err
}

// RepayBorrowEndByEngine settles borrower's debt with whatever payer can
// transfer and writes the rest off. Only the engine account may call it.
func (p *Pool) RepayBorrowEndByEngine(ctx context.Context, caller, payer, borrower string, amount decimal.Decimal) (RepayResult, error) {
	var res RepayResult
	err := p.run(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.RepayBorrowEndByEngine(caller, payer, borrower, amount)
		return err
	})
	return res, err
}

// AccrueInterest compounds the ledger up to the current block.
func (p *Pool) AccrueInterest(ctx context.Context) (AccrualDelta, error) {
	var delta AccrualDelta
	err := p.run(ctx, func(tx *Tx) error {
		var err error
		delta, err = tx.accrue()
		return err
	})
	return delta, err
}

// AddReserves transfers amount from an account straight into reserves.
func (p *Pool) AddReserves(ctx context.Context, from string, amount decimal.Decimal) error {
	return p.run(ctx, func(tx *Tx) error {
		return tx.AddReserves(from, amount)
	})
}

// ReduceReserves pays reserves out to an account. Admin only.
func (p *Pool) ReduceReserves(ctx context.Context, caller, to string, amount decimal.Decimal) error {
	return p.run(ctx, func(tx *Tx) error {
		return tx.ReduceReserves(caller, to, amount)
	})
}

// SetReserveFactor changes the share of interest kept as reserves. Admin only.
func (p *Pool) SetReserveFactor(ctx context.Context, caller string, rf decimal.Decimal) error {
	return p.run(ctx, func(tx *Tx) error {
		if err := tx.authorize(caller, p.admin); err != nil {
			return err
		}
		if err := validReserveFactor(rf); err != nil {
			return err
		}
		if _, err := tx.accrue(); err != nil {
			return err
		}
		tx.state.ReserveFactor = rf
		return nil
	})
}

// SetBorrowCapFactor limits borrowing to a fraction of available cash. Admin only.
func (p *Pool) SetBorrowCapFactor(ctx context.Context, caller string, f decimal.Decimal) error {
	return p.run(ctx, func(tx *Tx) error {
		if err := tx.authorize(caller, p.admin); err != nil {
			return err
		}
		if err := validCapFactor(f); err != nil {
			return err
		}
		tx.state.BorrowCapFactor = f
		return nil
	})
}

// SetInterestModel swaps the rate model. Interest up to now is accrued
// under the old model first. Admin only.
func (p *Pool) SetInterestModel(ctx context.Context, caller string, m interest.Model) error {
	if m == nil {
		return fmt.Errorf("%w: nil interest model", ErrInvalidParam)
	}
	return p.run(ctx, func(tx *Tx) error {
		if err := tx.authorize(caller, p.admin); err != nil {
			return err
		}
		if _, err := tx.accrue(); err != nil {
			return err
		}
		tx.nextModel = m
		tx.state.InterestModel = m.Name()
		return nil
	})
}

// run executes fn in a standalone transaction: bank then pool are locked,
// the change set is persisted, and everything rolls back on any error.
func (p *Pool) run(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	btx := p.bank.Begin()
	tx := p.Begin(btx)
	if err := fn(tx); err != nil {
		tx.Rollback()
		btx.Rollback()
		return err
	}
	cs := model.Changeset{
		Pools:    []model.PoolState{tx.State()},
		Balances: btx.Dirty(),
		Events:   tx.Events(),
	}
	if p.store != nil {
		if err := p.store.Apply(ctx, cs); err != nil {
			tx.Rollback()
			btx.Rollback()
			slog.Error("pool commit failed", "pool", p.name, "error", err)
			return fmt.Errorf("pool: persist: %w", err)
		}
	}
	tx.Commit()
	btx.Commit()
	return nil
}

// Views. Current variants simulate accrual to the clock without mutating.

// ExchangeRateStored uses the ledger as of the last accrual.
func (p *Pool) ExchangeRateStored() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ExchangeRate(p.state)
}

func (p *Pool) ExchangeRateCurrent() (decimal.Decimal, error) {
	s, err := p.simulated()
	if err != nil {
		return decimal.Zero, err
	}
	return ExchangeRate(s), nil
}

func (p *Pool) BorrowBalanceStored(account string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BorrowBalance(p.state.Accounts[account], p.state.BorrowIndex)
}

func (p *Pool) BorrowBalanceCurrent(account string) (decimal.Decimal, error) {
	s, err := p.simulated()
	if err != nil {
		return decimal.Zero, err
	}
	return BorrowBalance(s.Accounts[account], s.BorrowIndex), nil
}

// SharesOf returns the share balance of an account.
func (p *Pool) SharesOf(account string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Accounts[account].Shares
}

// BalanceOfUnderlying values an account's shares at the current exchange rate.
func (p *Pool) BalanceOfUnderlying(account string) (decimal.Decimal, error) {
	s, err := p.simulated()
	if err != nil {
		return decimal.Zero, err
	}
	return s.Accounts[account].Shares.Mul(ExchangeRate(s)).Truncate(bank.AmountScale), nil
}

func (p *Pool) AvailableForBorrow() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return availableForBorrow(p.state)
}

func (p *Pool) BorrowRatePerBlock() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.BorrowRate(p.state.Cash, p.state.TotalBorrows, p.state.TotalReserves)
}

func (p *Pool) SupplyRatePerBlock() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.SupplyRate(p.state.Cash, p.state.TotalBorrows, p.state.TotalReserves, p.state.ReserveFactor)
}

func (p *Pool) Utilization() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return interest.Utilization(p.state.Cash, p.state.TotalBorrows, p.state.TotalReserves)
}

func (p *Pool) simulated() (model.PoolState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state.Clone()
	delta, err := Accrue(s, p.model, p.clock.Now())
	if err != nil {
		return s, err
	}
	delta.ApplyTo(&s)
	return s, nil
}

func availableForBorrow(s model.PoolState) decimal.Decimal {
	free := s.Cash.Sub(s.TotalReserves)
	if !free.IsPositive() {
		return decimal.Zero
	}
	return free.Mul(s.BorrowCapFactor).Truncate(bank.AmountScale)
}

func validReserveFactor(rf decimal.Decimal) error {
	if rf.IsNegative() || rf.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: reserve factor %s outside [0, 1)", ErrInvalidParam, rf)
	}
	return nil
}

func validCapFactor(f decimal.Decimal) error {
	if !f.IsPositive() || f.GreaterThan(one) {
		return fmt.Errorf("%w: borrow cap factor %s outside (0, 1]", ErrInvalidParam, f)
	}
	return nil
}
