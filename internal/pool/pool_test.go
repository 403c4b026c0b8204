package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type gateFunc func(string) bool

func (g gateFunc) IsPoolAllowed(p string) bool { return g(p) }

type failingStore struct{ calls int }

func (s *failingStore) Apply(context.Context, model.Changeset) error {
	s.calls++
	return errors.New("disk full")
}

type fixture struct {
	bank  *bank.Bank
	clock *clock.Manual
	pool  *Pool
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	b := bank.New()
	for _, tok := range []bank.Token{{Symbol: "USDC"}, {Symbol: "TAX", TransferTaxBps: 100}} {
		if err := b.Register(tok); err != nil {
			t.Fatal(err)
		}
	}
	m, err := interest.NewJumpRateModel(interest.Params{
		BaseRate: d(0.05), Multiplier: d(0.1), JumpMultiplier: d(0.2), Kink: d(0.5),
	})
	if err != nil {
		t.Fatal(err)
	}
	c := clock.NewManual(100)
	cfg := Config{
		Name:          "pool-usdc",
		Asset:         "USDC",
		Model:         m,
		Clock:         c,
		Bank:          b,
		Engine:        "engine",
		Admin:         "admin",
		ReserveFactor: d(0.1),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	for _, acct := range []string{"alice", "bob", "carol", "engine"} {
		b.Faucet(cfg.Asset, acct, d(100000))
	}
	return &fixture{bank: b, clock: c, pool: p}
}

func TestMintRedeem_RoundTripIsExact(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	shares, err := f.pool.Mint(ctx, "alice", d(1000))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := f.pool.Mint(ctx, "bob", d(250)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.clock.Advance(50) // no borrows, no interest

	out, err := f.pool.Redeem(ctx, "alice", shares)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !out.Equal(d(1000)) {
		t.Errorf("expected exactly 1000 back, got %s", out)
	}
	if !f.bank.BalanceOf("USDC", "alice").Equal(d(100000)) {
		t.Errorf("alice balance should be restored, got %s", f.bank.BalanceOf("USDC", "alice"))
	}
	if !f.pool.SharesOf("alice").IsZero() {
		t.Errorf("alice should hold no shares")
	}
}

func TestMint_Paused(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Gate = gateFunc(func(string) bool { return false })
	})
	_, err := f.pool.Mint(context.Background(), "alice", d(10))
	if !errors.Is(err, ErrPoolPaused) {
		t.Errorf("expected ErrPoolPaused, got %v", err)
	}
	if !f.bank.BalanceOf("USDC", "alice").Equal(d(100000)) {
		t.Error("paused mint must not move funds")
	}
}

func TestExchangeRate_MatchesLedgerAfterAccrual(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pool.Mint(ctx, "alice", d(10000))
	if _, err := f.pool.BorrowBehalf(ctx, "engine", "bob", d(5000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.clock.Advance(100000)
	if _, err := f.pool.AccrueInterest(ctx); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	s := f.pool.State()
	want := s.Cash.Add(s.TotalBorrows).Sub(s.TotalReserves).DivRound(s.TotalSupply, 20).Truncate(interest.Precision)
	got := f.pool.ExchangeRateStored()
	if !got.Equal(want) {
		t.Errorf("exchange rate %s does not match recomputation %s", got, want)
	}
	if !got.GreaterThan(d(1)) {
		t.Errorf("exchange rate should grow with interest, got %s", got)
	}
	if !s.TotalReserves.IsPositive() {
		t.Error("reserves should accumulate from interest")
	}
}

func TestBorrowRepayMax_ClosesExactly(t *testing.T) {
	ctx := context.Background()
	for _, elapsed := range []uint64{0, 1, 777, 2102400} {
		f := newFixture(t, nil)
		f.pool.Mint(ctx, "alice", d(10000))
		if _, err := f.pool.BorrowBehalf(ctx, "engine", "bob", d(3333.33)); err != nil {
			t.Fatalf("borrow: %v", err)
		}
		f.clock.Advance(elapsed)

		if _, err := f.pool.RepayBorrowBehalf(ctx, "bob", "bob", RepayMax); err != nil {
			t.Fatalf("repay after %d blocks: %v", elapsed, err)
		}
		s := f.pool.State()
		if !s.TotalBorrows.IsZero() {
			t.Errorf("after %d blocks: expected total borrows 0, got %s", elapsed, s.TotalBorrows)
		}
		if !f.pool.BorrowBalanceStored("bob").IsZero() {
			t.Errorf("after %d blocks: expected bob's debt 0, got %s", elapsed, f.pool.BorrowBalanceStored("bob"))
		}
	}
}

func TestBorrow_OutOfRange(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BorrowCapFactor = d(0.5) })
	ctx := context.Background()
	f.pool.Mint(ctx, "alice", d(1000))

	if got := f.pool.AvailableForBorrow(); !got.Equal(d(500)) {
		t.Fatalf("expected 500 available, got %s", got)
	}
	if _, err := f.pool.BorrowBehalf(ctx, "engine", "bob", d(500.01)); !errors.Is(err, ErrBorrowOutOfRange) {
		t.Errorf("expected ErrBorrowOutOfRange, got %v", err)
	}
	if _, err := f.pool.BorrowBehalf(ctx, "engine", "bob", d(500)); err != nil {
		t.Errorf("borrow at the cap should succeed: %v", err)
	}
}

func TestRedeem_InsufficientCash(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	shares, _ := f.pool.Mint(ctx, "alice", d(1000))
	f.pool.BorrowBehalf(ctx, "engine", "bob", d(900))

	if _, err := f.pool.Redeem(ctx, "alice", shares); !errors.Is(err, ErrInsufficientCash) {
		t.Errorf("expected ErrInsufficientCash, got %v", err)
	}
	if _, err := f.pool.RedeemUnderlying(ctx, "carol", d(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	burned, err := f.pool.RedeemUnderlying(ctx, "alice", d(100))
	if err != nil {
		t.Fatalf("redeem underlying: %v", err)
	}
	if !burned.Equal(d(100)) {
		t.Errorf("expected 100 shares burned at rate 1, got %s", burned)
	}
}

func TestRepay_TransferTaxFallsThrough(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Name, c.Asset = "pool-tax", "TAX"
	})
	ctx := context.Background()
	f.pool.Mint(ctx, "alice", d(1000))
	f.pool.BorrowBehalf(ctx, "engine", "bob", d(100))
	before := f.pool.State()
	bobBefore := f.bank.BalanceOf("TAX", "bob")

	_, err := f.pool.RepayBorrowBehalf(ctx, "bob", "bob", d(50))
	if !errors.Is(err, ErrTransferFallthroughFailed) {
		t.Fatalf("expected ErrTransferFallthroughFailed, got %v", err)
	}
	after := f.pool.State()
	if !after.TotalBorrows.Equal(before.TotalBorrows) || !after.Cash.Equal(before.Cash) {
		t.Error("failed repay must leave the pool untouched")
	}
	if !f.bank.BalanceOf("TAX", "bob").Equal(bobBefore) {
		t.Error("failed repay must leave balances untouched")
	}
}

func TestRepayBorrowEndByEngine_WritesOffShortfall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pool.Mint(ctx, "alice", d(1000))
	f.pool.BorrowBehalf(ctx, "engine", "engine", d(500))
	rateBefore := f.pool.ExchangeRateStored()

	if _, err := f.pool.RepayBorrowEndByEngine(ctx, "mallory", "engine", "engine", d(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	res, err := f.pool.RepayBorrowEndByEngine(ctx, "engine", "engine", "engine", d(200))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Owed.Equal(d(500)) || !res.Repaid.Equal(d(200)) || !res.BadDebt.Equal(d(300)) {
		t.Errorf("unexpected result %+v", res)
	}
	s := f.pool.State()
	if !s.TotalBorrows.IsZero() {
		t.Errorf("debt should be cleared from total borrows, got %s", s.TotalBorrows)
	}
	if !f.pool.BorrowBalanceStored("engine").IsZero() {
		t.Errorf("borrower should owe nothing after settlement")
	}
	rateAfter := f.pool.ExchangeRateStored()
	if !rateAfter.LessThan(rateBefore) {
		t.Errorf("exchange rate should fall on bad debt: before %s, after %s", rateBefore, rateAfter)
	}
	if !rateAfter.Equal(d(0.7)) {
		t.Errorf("expected exchange rate 0.7, got %s", rateAfter)
	}
}

func TestReserves_AdminOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pool.Mint(ctx, "alice", d(1000))
	if err := f.pool.AddReserves(ctx, "bob", d(50)); err != nil {
		t.Fatalf("add reserves: %v", err)
	}
	if err := f.pool.ReduceReserves(ctx, "bob", "bob", d(10)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.pool.ReduceReserves(ctx, "admin", "admin", d(60)); !errors.Is(err, ErrInsufficientReserves) {
		t.Errorf("expected ErrInsufficientReserves, got %v", err)
	}
	if err := f.pool.ReduceReserves(ctx, "admin", "admin", d(50)); err != nil {
		t.Fatalf("reduce reserves: %v", err)
	}
	if !f.bank.BalanceOf("USDC", "admin").Equal(d(50)) {
		t.Errorf("admin should receive reserves, got %s", f.bank.BalanceOf("USDC", "admin"))
	}
	if !f.pool.ExchangeRateStored().Equal(d(1)) {
		t.Error("reserve movements must not change the exchange rate")
	}
}

func TestSetters_RequireAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.pool.SetReserveFactor(ctx, "alice", d(0.2)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.pool.SetReserveFactor(ctx, "admin", d(1)); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("expected ErrInvalidParam, got %v", err)
	}
	linear, _ := interest.New(interest.LinearV1, interest.Params{BaseRate: d(0.02), Multiplier: d(0.3)})
	if err := f.pool.SetInterestModel(ctx, "admin", linear); err != nil {
		t.Fatalf("set model: %v", err)
	}
	if got := f.pool.State().InterestModel; got != interest.LinearV1 {
		t.Errorf("expected model %s, got %s", interest.LinearV1, got)
	}
}

func TestStoreFailure_RollsBack(t *testing.T) {
	st := &failingStore{}
	f := newFixture(t, func(c *Config) { c.Store = st })

	_, err := f.pool.Mint(context.Background(), "alice", d(100))
	if err == nil {
		t.Fatal("expected persist error")
	}
	if st.calls != 1 {
		t.Errorf("expected one apply attempt, got %d", st.calls)
	}
	if !f.pool.State().Cash.IsZero() || !f.pool.SharesOf("alice").IsZero() {
		t.Error("pool must be rolled back")
	}
	if !f.bank.BalanceOf("USDC", "alice").Equal(d(100000)) {
		t.Error("bank must be rolled back")
	}
}

func TestOnCommit_ReceivesEvents(t *testing.T) {
	var got []model.Event
	f := newFixture(t, func(c *Config) {
		c.OnCommit = func(_ model.PoolState, ev []model.Event) { got = append(got, ev...) }
	})
	f.pool.Mint(context.Background(), "alice", d(100))
	if len(got) != 1 || got[0].Kind != model.EventMint || got[0].Pool != "pool-usdc" {
		t.Fatalf("expected one mint event, got %+v", got)
	}
}

func TestBorrow_EngineOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pool.Mint(ctx, "alice", d(1000))

	for _, tc := range []struct{ caller, borrower string }{
		{"mallory", "mallory"},
		{"mallory", "alice"},
		{"", ""},
	} {
		if _, err := f.pool.BorrowBehalf(ctx, tc.caller, tc.borrower, d(999)); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%q borrowing for %q: expected ErrUnauthorized, got %v", tc.caller, tc.borrower, err)
		}
	}
	if got := f.bank.BalanceOf("USDC", "mallory"); !got.IsZero() {
		t.Errorf("unauthorized borrow paid out %s", got)
	}
	if s := f.pool.State(); !s.TotalBorrows.IsZero() || !s.Cash.Equal(d(1000)) {
		t.Errorf("unauthorized borrow changed the pool: %+v", s)
	}

	engineBefore := f.bank.BalanceOf("USDC", "engine")
	got, err := f.pool.BorrowBehalf(ctx, "engine", "alice", d(100))
	if err != nil {
		t.Fatalf("engine borrow: %v", err)
	}
	if !got.Equal(d(100)) {
		t.Errorf("expected 100 received, got %s", got)
	}
	if after := f.bank.BalanceOf("USDC", "engine"); !after.Equal(engineBefore.Add(d(100))) {
		t.Errorf("engine should receive the loan: %s -> %s", engineBefore, after)
	}
	if debt := f.pool.BorrowBalanceStored("alice"); !debt.Equal(d(100)) {
		t.Errorf("expected alice to owe 100, got %s", debt)
	}
}

func TestBorrow_ReturnsAmountAfterTax(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Name, c.Asset = "pool-tax", "TAX"
	})
	ctx := context.Background()
	f.pool.Mint(ctx, "alice", d(1000))

	got, err := f.pool.BorrowBehalf(ctx, "engine", "bob", d(100))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if !got.Equal(d(99)) {
		t.Errorf("expected 99 received after 1%% tax, got %s", got)
	}
	if debt := f.pool.BorrowBalanceStored("bob"); !debt.Equal(d(100)) {
		t.Errorf("debt is the amount lent, expected 100, got %s", debt)
	}
}
