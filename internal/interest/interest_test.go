package interest

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fixtureParams() Params {
	return Params{
		BaseRate:       d(0.05),
		Multiplier:     d(0.1),
		JumpMultiplier: d(0.2),
		Kink:           d(0.5),
		BlocksPerYear:  2102400,
	}
}

func TestUtilization(t *testing.T) {
	tests := []struct {
		name                    string
		cash, borrows, reserves float64
		want                    float64
	}{
		{"no borrows", 1000, 0, 0, 0},
		{"half", 5000, 5000, 0, 0.5},
		{"reserves reduce denominator", 400, 500, 100, 0.625},
		{"no liquidity", 0, 100, 200, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Utilization(d(tt.cash), d(tt.borrows), d(tt.reserves))
			if !got.Equal(d(tt.want)) {
				t.Errorf("expected %v, got %s", tt.want, got)
			}
		})
	}
}

func TestBorrowRate_TenPercentAtKink(t *testing.T) {
	m, err := NewJumpRateModel(fixtureParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 10,000 deposited, 5,000 borrowed: cash 5,000, borrows 5,000.
	perBlock := m.BorrowRate(d(5000), d(5000), decimal.Zero)
	annual := perBlock.Mul(decimal.NewFromInt(2102400))

	if annual.Sub(d(0.1)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("expected ≈ 0.1 annual borrow rate, got %s", annual)
	}
	if annual.GreaterThan(d(0.1)) {
		t.Errorf("truncation should keep annual rate at or below 0.1, got %s", annual)
	}
}

func TestBorrowRate_Regions(t *testing.T) {
	m, _ := NewJumpRateModel(fixtureParams())
	blocks := decimal.NewFromInt(2102400)
	tol := d(0.000001)

	tests := []struct {
		name          string
		cash, borrows float64
		wantAnnual    float64
	}{
		{"idle pool pays base", 1000, 0, 0.05},
		{"below kink", 7500, 2500, 0.075},      // 0.05 + 0.1*0.25
		{"above kink jumps", 2500, 7500, 0.15}, // 0.10 + 0.2*0.25
		{"fully utilized", 0, 1000, 0.20},      // 0.10 + 0.2*0.5
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.BorrowRate(d(tt.cash), d(tt.borrows), decimal.Zero).Mul(blocks)
			if got.Sub(d(tt.wantAnnual)).Abs().GreaterThan(tol) {
				t.Errorf("expected ≈ %v, got %s", tt.wantAnnual, got)
			}
		})
	}
}

func TestSupplyRate(t *testing.T) {
	m, _ := NewJumpRateModel(fixtureParams())
	blocks := decimal.NewFromInt(2102400)

	// u = 0.5, borrow 10%, reserve factor 20% → 0.1 * 0.5 * 0.8 = 0.04.
	got := m.SupplyRate(d(5000), d(5000), decimal.Zero, d(0.2)).Mul(blocks)
	if got.Sub(d(0.04)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("expected ≈ 0.04 supply rate, got %s", got)
	}
	if !m.SupplyRate(d(5000), decimal.Zero, decimal.Zero, d(0.2)).IsZero() {
		t.Error("supply rate should be zero with no borrows")
	}
}

func TestNew_SelectsVersion(t *testing.T) {
	linear, err := New(LinearV1, fixtureParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if linear.Name() != LinearV1 {
		t.Errorf("expected %s, got %s", LinearV1, linear.Name())
	}
	// No jump: full utilization is base + multiplier.
	got := linear.BorrowRate(decimal.Zero, d(1000), decimal.Zero).Mul(decimal.NewFromInt(2102400))
	if got.Sub(d(0.15)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("expected ≈ 0.15 without jump, got %s", got)
	}

	if _, err := New("quadratic-v9", fixtureParams()); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestNewJumpRateModel_InvalidParams(t *testing.T) {
	p := fixtureParams()
	p.Kink = d(1.5)
	if _, err := NewJumpRateModel(p); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams for kink > 1, got %v", err)
	}

	p = fixtureParams()
	p.BaseRate = d(-0.01)
	if _, err := NewJumpRateModel(p); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams for negative base, got %v", err)
	}
}
