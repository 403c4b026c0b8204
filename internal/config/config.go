// Package config loads the service settings: environment variables for the
// process and an optional TOML bootstrap file for tokens and markets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/controller"
	"github.com/levmarket/margin-engine/internal/priceguard"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config holds the process settings read from the environment.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	CacheTTL      time.Duration
	BlockInterval time.Duration
	AdminAccount  string
	MarketsFile   string
	RatePerMin    int
}

// FromEnv reads Config from the environment, applying defaults.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	cfg := Config{
		Port:         get("PORT", "8080"),
		DatabaseURL:  get("DATABASE_URL", ""),
		RedisURL:     get("REDIS_URL", ""),
		AdminAccount: get("ADMIN_ACCOUNT", "admin"),
		MarketsFile:  get("MARKETS_FILE", ""),
	}

	var err error
	if cfg.BlockInterval, err = time.ParseDuration(get("BLOCK_INTERVAL", "15s")); err != nil || cfg.BlockInterval <= 0 {
		return Config{}, fmt.Errorf("%w: BLOCK_INTERVAL %q", ErrInvalidConfig, get("BLOCK_INTERVAL", ""))
	}
	if cfg.CacheTTL, err = time.ParseDuration(get("CACHE_TTL", "30s")); err != nil {
		return Config{}, fmt.Errorf("%w: CACHE_TTL: %v", ErrInvalidConfig, err)
	}
	if cfg.RatePerMin, err = strconv.Atoi(get("RATE_PER_MIN", "120")); err != nil || cfg.RatePerMin < 0 {
		return Config{}, fmt.Errorf("%w: RATE_PER_MIN %q", ErrInvalidConfig, get("RATE_PER_MIN", ""))
	}
	return cfg, nil
}

// Accounts names the service identities.
type Accounts struct {
	Engine     string `toml:"engine"`
	Treasury   string `toml:"treasury"`
	Controller string `toml:"controller"`
	Dex        string `toml:"dex"`
}

// Price seeds the in-memory venue.
type Price struct {
	Base  string          `toml:"base"`
	Quote string          `toml:"quote"`
	Price decimal.Decimal `toml:"price"`
}

// Grant credits a development balance on first start.
type Grant struct {
	Token   string          `toml:"token"`
	Account string          `toml:"account"`
	Amount  decimal.Decimal `toml:"amount"`
}

// Exposure configures the controller's borrow limits.
type Exposure struct {
	Default controller.Limit            `toml:"default"`
	Tokens  map[string]controller.Limit `toml:"tokens"`
}

// Bootstrap is the TOML file declaring what the service runs.
type Bootstrap struct {
	Accounts         Accounts                        `toml:"accounts"`
	ReferralDiscount int64                           `toml:"referral_discount"`
	ReferralReward   int64                           `toml:"referral_reward"`
	DexFeeBps        int64                           `toml:"dex_fee_bps"`
	Guard            priceguard.Config               `toml:"guard"`
	Tokens           []bank.Token                    `toml:"tokens"`
	Prices           []Price                         `toml:"prices"`
	Faucet           []Grant                         `toml:"faucet"`
	Markets          []controller.CreateMarketParams `toml:"markets"`
	Exposure         Exposure                        `toml:"exposure"`
}

// DefaultBootstrap is used when no file is configured: the service accounts
// and guard defaults with no tokens or markets.
func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		Accounts: Accounts{
			Engine:     "engine",
			Treasury:   "treasury",
			Controller: "controller",
			Dex:        "dex",
		},
		Guard: priceguard.DefaultConfig(),
	}
}

// LoadBootstrap decodes path over DefaultBootstrap. An empty path returns
// the defaults. Unknown keys are rejected.
func LoadBootstrap(path string) (Bootstrap, error) {
	b := DefaultBootstrap()
	if path == "" {
		return b, nil
	}
	meta, err := toml.DecodeFile(path, &b)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Bootstrap{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}
	b.assignIDs()
	if err := b.Validate(); err != nil {
		return Bootstrap{}, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Validate checks cross references the components cannot check alone.
func (b Bootstrap) Validate() error {
	a := b.Accounts
	if a.Engine == "" || a.Treasury == "" || a.Controller == "" {
		return fmt.Errorf("%w: engine, treasury and controller accounts are required", ErrInvalidConfig)
	}
	tokens := make(map[string]bool, len(b.Tokens))
	for _, t := range b.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("%w: token without symbol", ErrInvalidConfig)
		}
		if tokens[t.Symbol] {
			return fmt.Errorf("%w: duplicate token %s", ErrInvalidConfig, t.Symbol)
		}
		tokens[t.Symbol] = true
	}
	known := func(sym string) error {
		if !tokens[sym] {
			return fmt.Errorf("%w: unknown token %q", ErrInvalidConfig, sym)
		}
		return nil
	}
	ids := make(map[uint16]bool, len(b.Markets))
	for i, m := range b.Markets {
		if err := known(m.Token0); err != nil {
			return fmt.Errorf("market %d: %w", i, err)
		}
		if err := known(m.Token1); err != nil {
			return fmt.Errorf("market %d: %w", i, err)
		}
		if ids[m.ID] {
			return fmt.Errorf("%w: duplicate market id %d", ErrInvalidConfig, m.ID)
		}
		ids[m.ID] = true
	}
	for _, p := range b.Prices {
		if err := known(p.Base); err != nil {
			return fmt.Errorf("price: %w", err)
		}
		if err := known(p.Quote); err != nil {
			return fmt.Errorf("price: %w", err)
		}
		if !p.Price.IsPositive() {
			return fmt.Errorf("%w: price %s/%s must be positive", ErrInvalidConfig, p.Base, p.Quote)
		}
	}
	for _, g := range b.Faucet {
		if err := known(g.Token); err != nil {
			return fmt.Errorf("faucet: %w", err)
		}
	}
	return nil
}

// MarketParams indexes the configured markets by id.
func (b Bootstrap) MarketParams() map[uint16]controller.CreateMarketParams {
	out := make(map[uint16]controller.CreateMarketParams, len(b.Markets))
	for _, m := range b.Markets {
		out[m.ID] = m
	}
	return out
}

// assignIDs gives markets without an id the one the controller would pick
// when creating them in file order.
func (b *Bootstrap) assignIDs() {
	var next uint16 = 1
	for i := range b.Markets {
		if b.Markets[i].ID == 0 {
			b.Markets[i].ID = next
		}
		if b.Markets[i].ID >= next {
			next = b.Markets[i].ID + 1
		}
	}
}
