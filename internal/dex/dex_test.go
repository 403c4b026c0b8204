package dex

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/dexdata"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func setup(t *testing.T, feeBps int64) (*bank.Bank, *Memory) {
	t.Helper()
	b := bank.New()
	b.Register(bank.Token{Symbol: "USDC"})
	b.Register(bank.Token{Symbol: "WETH"})
	m := NewMemory("dex", feeBps)
	b.Faucet("USDC", "dex", d(1000000))
	b.Faucet("WETH", "dex", d(1000))
	b.Faucet("USDC", "alice", d(10000))
	if err := m.SetPrice("WETH", "USDC", d(2000)); err != nil {
		t.Fatal(err)
	}
	return b, m
}

func TestSpot_Inverse(t *testing.T) {
	_, m := setup(t, 0)
	ctx := context.Background()
	p, err := m.Spot(ctx, "USDC", "WETH", "")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Equal(d(0.0005)) {
		t.Errorf("expected 0.0005, got %s", p)
	}
	if _, err := m.Spot(ctx, "USDC", "DOGE", ""); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
	if _, err := m.Spot(ctx, "USDC", "WETH", "univ3-2500"); !errors.Is(err, dexdata.ErrInvalidFee) {
		t.Errorf("expected descriptor validation, got %v", err)
	}
}

func TestSell_MinOut(t *testing.T) {
	b, m := setup(t, 30)
	ctx := context.Background()

	_, err := m.Sell(ctx, b, "alice", "USDC", "WETH", d(2000), d(1), "memory")
	if !errors.Is(err, ErrInsufficientOutput) {
		t.Fatalf("expected ErrInsufficientOutput, got %v", err)
	}
	out, err := m.Sell(ctx, b, "alice", "USDC", "WETH", d(2000), d(0.99), "memory")
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !out.Equal(d(0.997)) {
		t.Errorf("expected 0.997 after 30 bps fee, got %s", out)
	}
	if !b.BalanceOf("WETH", "alice").Equal(d(0.997)) {
		t.Errorf("alice should hold the output")
	}
}

func TestBuy_ExactOutput(t *testing.T) {
	b, m := setup(t, 0)
	ctx := context.Background()

	if _, err := m.Buy(ctx, b, "alice", "USDC", "WETH", d(1), d(1999), ""); !errors.Is(err, ErrExcessiveInput) {
		t.Fatalf("expected ErrExcessiveInput, got %v", err)
	}
	in, err := m.Buy(ctx, b, "alice", "USDC", "WETH", d(1), d(2000), "")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !in.Equal(d(2000)) {
		t.Errorf("expected 2000 spent, got %s", in)
	}
	if !b.BalanceOf("USDC", "alice").Equal(d(8000)) || !b.BalanceOf("WETH", "alice").Equal(d(1)) {
		t.Errorf("unexpected balances after buy")
	}
}
