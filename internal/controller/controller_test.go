package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/margin"
	"github.com/levmarket/margin-engine/internal/metrics"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/pool"
	"github.com/levmarket/margin-engine/internal/priceguard"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newController(t *testing.T) (*Controller, *margin.Engine, *bank.Bank) {
	t.Helper()
	b := bank.New()
	for _, sym := range []string{"WETH", "USDC", "LINK"} {
		if err := b.Register(bank.Token{Symbol: sym}); err != nil {
			t.Fatal(err)
		}
	}
	c := clock.NewManual(1)
	venue := dex.NewMemory("dex", 0)
	e, err := margin.New(margin.Config{
		Account: "engine", Treasury: "treasury", Controller: "controller",
		Bank: b, Clock: c, Guard: priceguard.New(venue, c, priceguard.DefaultConfig()), Swapper: venue,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := New(Config{Admin: "admin", Account: "controller", Bank: b, Clock: c, Engine: e})
	if err != nil {
		t.Fatal(err)
	}
	return ctl, e, b
}

func wethUSDC() CreateMarketParams {
	params := interest.Params{BaseRate: d(0.02), Multiplier: d(0.1), JumpMultiplier: d(1), Kink: d(0.8)}
	return CreateMarketParams{
		Token0: "WETH", Token1: "USDC",
		InterestModel: interest.JumpV1, Interest0: params, Interest1: params,
		ReserveFactor: d(0.1), MarginLimit: 1000, FeesRate: 30, InsuranceRatio: 10, PriceDiffRatio: 10,
	}
}

func TestCreateMarket(t *testing.T) {
	ctl, e, _ := newController(t)
	ctx := context.Background()

	m, err := ctl.CreateMarket(ctx, "admin", wethUSDC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ID != 1 || m.Pool0 != "pool-1-WETH" || m.Pool1 != "pool-1-USDC" {
		t.Errorf("unexpected market %+v", m)
	}
	if m.LiquidationPolicy != model.PolicyBoth {
		t.Errorf("expected default policy both, got %q", m.LiquidationPolicy)
	}
	p0, p1, ok := e.Pools(1)
	if !ok || p0.Asset() != "WETH" || p1.Asset() != "USDC" {
		t.Fatal("engine should know the market's pools")
	}
	if _, err := ctl.Pool("pool-1-USDC"); err != nil {
		t.Errorf("controller should index pools: %v", err)
	}
	if got := ctl.PoolNames(); len(got) != 2 {
		t.Errorf("expected 2 pools, got %v", got)
	}

	second := wethUSDC()
	second.Token0 = "LINK"
	m2, err := ctl.CreateMarket(ctx, "admin", second)
	if err != nil {
		t.Fatal(err)
	}
	if m2.ID != 2 {
		t.Errorf("expected the next id 2, got %d", m2.ID)
	}
}

func TestCreateMarket_Rejections(t *testing.T) {
	ctl, _, _ := newController(t)
	ctx := context.Background()
	if _, err := ctl.CreateMarket(ctx, "admin", wethUSDC()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		caller  string
		mutate  func(*CreateMarketParams)
		wantErr error
	}{
		{"not admin", "alice", nil, ErrUnauthorized},
		{"identical tokens", "admin", func(p *CreateMarketParams) { p.Token1 = "WETH" }, ErrIdenticalTokens},
		{"same pair", "admin", nil, ErrPairExists},
		{"reversed pair", "admin", func(p *CreateMarketParams) { p.Token0, p.Token1 = "USDC", "WETH" }, ErrPairExists},
		{"unknown model", "admin", func(p *CreateMarketParams) { p.Token0 = "LINK"; p.InterestModel = "curve-v9" }, interest.ErrUnknownModel},
		{"bad limit", "admin", func(p *CreateMarketParams) { p.Token0 = "LINK"; p.MarginLimit = 0 }, margin.ErrInvalidMarket},
		{"unknown token", "admin", func(p *CreateMarketParams) { p.Token0 = "DOGE" }, bank.ErrUnknownToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := wethUSDC()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			if _, err := ctl.CreateMarket(ctx, tt.caller, p); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// A failed create releases the pair.
	p := wethUSDC()
	p.Token0 = "LINK"
	if _, err := ctl.CreateMarket(ctx, "admin", p); err != nil {
		t.Errorf("LINK/USDC should be free after failed attempts: %v", err)
	}
}

func TestSwitches(t *testing.T) {
	ctl, e, b := newController(t)
	ctx := context.Background()
	if _, err := ctl.CreateMarket(ctx, "admin", wethUSDC()); err != nil {
		t.Fatal(err)
	}
	b.Faucet("USDC", "alice", d(1000))
	p, _ := ctl.Pool("pool-1-USDC")

	if err := ctl.SetPoolAllowed("alice", "pool-1-USDC", false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := ctl.SetPoolAllowed("admin", "pool-9-USDC", false); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("expected ErrPoolNotFound, got %v", err)
	}
	if err := ctl.SetPoolAllowed("admin", "pool-1-USDC", false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Mint(ctx, "alice", d(100)); !errors.Is(err, pool.ErrPoolPaused) {
		t.Errorf("expected ErrPoolPaused, got %v", err)
	}
	ctl.SetPoolAllowed("admin", "pool-1-USDC", true)
	if _, err := p.Mint(ctx, "alice", d(100)); err != nil {
		t.Errorf("mint after resume: %v", err)
	}

	if err := ctl.SetSuspended("admin", true); err != nil {
		t.Fatal(err)
	}
	if ctl.IsPoolAllowed("pool-1-USDC") || !ctl.IsSuspended() {
		t.Error("global suspension should pause every pool")
	}
	ctl.SetSuspended("admin", false)

	if err := ctl.SetMarginTradeAllowed("admin", 7, false); !errors.Is(err, margin.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
	ctl.SetMarginTradeAllowed("admin", 1, false)
	if ctl.MarginTradeAllowed(1) {
		t.Error("trading switch ignored")
	}

	m, err := ctl.SetMarginLimit(ctx, "admin", 1, 2500)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := e.Market(1); got.MarginLimit != 2500 || m.MarginLimit != 2500 {
		t.Errorf("margin limit not applied: %d", got.MarginLimit)
	}
	if _, err := ctl.SetMarketSuspended(ctx, "admin", 1, true); err != nil {
		t.Fatal(err)
	}
	if got, _ := e.Market(1); !got.Suspended {
		t.Error("market should be suspended")
	}

	if err := ctl.SetReserveFactor(ctx, "admin", "pool-1-USDC", d(0.2)); err != nil {
		t.Fatal(err)
	}
	if got := p.State().ReserveFactor; !got.Equal(d(0.2)) {
		t.Errorf("expected reserve factor 0.2, got %s", got)
	}
	if err := ctl.SetInterestParams(ctx, "admin", "pool-1-USDC", interest.LinearV1, interest.Params{BaseRate: d(0.03), Multiplier: d(0.2)}); err != nil {
		t.Fatal(err)
	}
	if got := p.State().InterestModel; got != interest.LinearV1 {
		t.Errorf("expected %s, got %s", interest.LinearV1, got)
	}
}

func TestExposureLimiter(t *testing.T) {
	before := testutil.ToFloat64(metrics.ExposureRejections.WithLabelValues("token"))
	l := NewExposureLimiter(Limit{PerMarket: d(1000), Aggregate: d(2000)})

	tests := []struct {
		name    string
		token   string
		debt    decimal.Decimal
		others  []margin.Exposure
		wantErr error
	}{
		{"within limits", "USDC", d(100), nil, nil},
		{"per market exceeded", "USDC", d(1050), nil, ErrMarketExposureExceeded},
		{"at the per market limit", "USDC", d(1000), nil, nil},
		{
			name:  "aggregate exceeded",
			token: "USDC",
			debt:  d(200),
			others: []margin.Exposure{
				{MarketID: 2, Token: "USDC", Amount: d(800)},
				{MarketID: 3, Token: "USDC", Amount: d(800)},
				{MarketID: 4, Token: "USDC", Amount: d(300)},
			},
			wantErr: ErrTokenExposureExceeded,
		},
		{
			name:  "other tokens do not count",
			token: "USDC",
			debt:  d(900),
			others: []margin.Exposure{
				{MarketID: 2, Token: "WETH", Amount: d(1900)},
				{MarketID: 3, Token: "USDC", Amount: d(900)},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.Check(1, tt.token, tt.debt, tt.others); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if got := testutil.ToFloat64(metrics.ExposureRejections.WithLabelValues("token")) - before; got != 1 {
		t.Errorf("expected one token rejection counted, got %v", got)
	}

	l.SetLimit("WETH", Limit{})
	if err := l.Check(1, "WETH", d(1e9), nil); err != nil {
		t.Errorf("zero limit means unlimited, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	ctl, e, b := newController(t)
	ctx := context.Background()
	m, err := ctl.CreateMarket(ctx, "admin", wethUSDC())
	if err != nil {
		t.Fatal(err)
	}
	b.Faucet("USDC", "alice", d(1000))
	p, _ := ctl.Pool(m.Pool1)
	if _, err := p.Mint(ctx, "alice", d(400)); err != nil {
		t.Fatal(err)
	}
	snap := model.Snapshot{
		Pools:    []model.PoolState{p.State()},
		Markets:  e.Markets(),
		Balances: []model.Balance{{Token: "USDC", Account: "alice", Amount: d(600)}},
	}

	fresh, e2, b2 := newController(t)
	if err := fresh.Restore(snap, map[uint16]CreateMarketParams{1: wethUSDC()}); err != nil {
		t.Fatal(err)
	}
	if _, ok := e2.Market(1); !ok {
		t.Fatal("market not restored")
	}
	rp, err := fresh.Pool(m.Pool1)
	if err != nil {
		t.Fatal(err)
	}
	if got := rp.SharesOf("alice"); !got.Equal(d(400)) {
		t.Errorf("expected 400 shares, got %s", got)
	}
	if got := b2.BalanceOf("USDC", "alice"); !got.Equal(d(600)) {
		t.Errorf("expected restored balance 600, got %s", got)
	}
	if _, err := fresh.CreateMarket(ctx, "admin", wethUSDC()); !errors.Is(err, ErrPairExists) {
		t.Errorf("restored pair should be taken, got %v", err)
	}
}
