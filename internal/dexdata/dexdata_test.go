package dexdata

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	desc, err := Parse("univ3-3000:WETH>USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Dex != DexUniV3 {
		t.Errorf("expected dex=univ3, got %s", desc.Dex)
	}
	if desc.Fee != 3000 {
		t.Errorf("expected fee=3000, got %d", desc.Fee)
	}
	if len(desc.Path) != 2 || desc.Path[0] != "WETH" || desc.Path[1] != "USDC" {
		t.Errorf("unexpected path %v", desc.Path)
	}
	if desc.Hops() != 1 {
		t.Errorf("expected 1 hop, got %d", desc.Hops())
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"UNIV2",            // upper case id
		"univ2-",           // dangling fee separator
		"univ2:WETH",       // single-token path
		"univ3-3000:A>",    // empty hop
		"univ3-3000:A>B C", // whitespace
	}
	for _, raw := range tests {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("expected ErrInvalidDescriptor for %q, got %v", raw, err)
		}
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"sushi", ErrUnsupportedDex},
		{"univ3", ErrInvalidFee},
		{"univ3-2500", ErrInvalidFee},
		{"univ2-3000", ErrInvalidFee},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.raw); !errors.Is(err, tt.want) {
			t.Errorf("%q: expected %v, got %v", tt.raw, tt.want, err)
		}
	}
}

func TestValidate_Path(t *testing.T) {
	if err := Validate("univ2:A>W>B", "A", "B"); err != nil {
		t.Errorf("multi-hop path should validate: %v", err)
	}
	if err := Validate("univ2:A>W>B", "B", "A"); err != nil {
		t.Errorf("reverse direction should validate: %v", err)
	}
	if err := Validate("univ2:A>W>C", "A", "B"); !errors.Is(err, ErrPathMismatch) {
		t.Errorf("expected ErrPathMismatch, got %v", err)
	}
	if err := Validate("univ2:A>B>A>B", "A", "B"); !errors.Is(err, ErrPathMismatch) {
		t.Errorf("expected ErrPathMismatch for a cycle, got %v", err)
	}
	if err := Validate("memory", "A", "B"); err != nil {
		t.Errorf("pathless descriptor should validate: %v", err)
	}
}
