// Package dexdata parses and validates the routing descriptor forwarded to
// the swap venue. The engine never rewrites a descriptor; it only checks it.
package dexdata

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Supported venue identifiers.
const (
	DexUniV2  = "univ2"
	DexUniV3  = "univ3"
	DexMemory = "memory"
)

var validDexes = map[string]bool{
	DexUniV2:  true,
	DexUniV3:  true,
	DexMemory: true,
}

// univ3 pools exist only at these fee tiers (hundredths of a bip).
var univ3Fees = map[int]bool{100: true, 500: true, 3000: true, 10000: true}

// descriptorRegex matches: {dex}[-{fee}][:{path}]
// Example: univ3-3000:WETH>USDC
var descriptorRegex = regexp.MustCompile(
	`^([a-z][a-z0-9]*)(?:-(\d+))?(?::([A-Za-z0-9_.]+(?:>[A-Za-z0-9_.]+)+))?$`,
)

var (
	ErrInvalidDescriptor = errors.New("dexdata: invalid descriptor format")
	ErrUnsupportedDex    = errors.New("dexdata: unsupported dex")
	ErrInvalidFee        = errors.New("dexdata: invalid fee tier")
	ErrPathMismatch      = errors.New("dexdata: path does not connect the pair")
)

// Descriptor is a parsed routing descriptor.
type Descriptor struct {
	Raw  string   `json:"raw"`
	Dex  string   `json:"dex"`
	Fee  int      `json:"fee,omitempty"`
	Path []string `json:"path,omitempty"`
}

// Parse parses and validates a descriptor string.
// Format: {dex}[-{fee}][:{tokenA}>{tokenB}[>...]]
func Parse(raw string) (*Descriptor, error) {
	matches := descriptorRegex.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {dex}[-{fee}][:{path}])", ErrInvalidDescriptor, raw)
	}

	dex := matches[1]
	if !validDexes[dex] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDex, dex)
	}
	out := &Descriptor{Raw: raw, Dex: dex}

	if matches[2] != "" {
		fee, err := strconv.Atoi(matches[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFee, matches[2])
		}
		out.Fee = fee
	}
	if dex == DexUniV3 && !univ3Fees[out.Fee] {
		return nil, fmt.Errorf("%w: %d for %s", ErrInvalidFee, out.Fee, dex)
	}
	if dex != DexUniV3 && out.Fee != 0 {
		return nil, fmt.Errorf("%w: %s takes no fee tier", ErrInvalidFee, dex)
	}

	if matches[3] != "" {
		out.Path = strings.Split(matches[3], ">")
	}
	return out, nil
}

// Connects reports an error unless the path, when present, starts at
// tokenIn and ends at tokenOut without revisiting a token.
func (d *Descriptor) Connects(tokenIn, tokenOut string) error {
	if len(d.Path) == 0 {
		return nil
	}
	if d.Path[0] != tokenIn || d.Path[len(d.Path)-1] != tokenOut {
		return fmt.Errorf("%w: %s does not route %s to %s", ErrPathMismatch, strings.Join(d.Path, ">"), tokenIn, tokenOut)
	}
	seen := make(map[string]bool, len(d.Path))
	for _, tok := range d.Path {
		if seen[tok] {
			return fmt.Errorf("%w: %s repeats %s", ErrPathMismatch, strings.Join(d.Path, ">"), tok)
		}
		seen[tok] = true
	}
	return nil
}

// Hops is the number of swaps the route takes.
func (d *Descriptor) Hops() int {
	if len(d.Path) < 2 {
		return 1
	}
	return len(d.Path) - 1
}

// Validate parses raw and checks it routes tokenIn to tokenOut. Paths are
// direction-specific, so a path written in the opposite direction is also
// accepted: the same market descriptor serves both opening and closing.
func Validate(raw, tokenIn, tokenOut string) error {
	desc, err := Parse(raw)
	if err != nil {
		return err
	}
	if err := desc.Connects(tokenIn, tokenOut); err != nil {
		if desc.Connects(tokenOut, tokenIn) == nil {
			return nil
		}
		return err
	}
	return nil
}
