package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/model"
)

// Schema creates the tables PostgresStore reads and writes. It is safe to
// run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	name                  TEXT PRIMARY KEY,
	asset                 TEXT NOT NULL,
	cash                  NUMERIC NOT NULL,
	total_borrows         NUMERIC NOT NULL,
	total_reserves        NUMERIC NOT NULL,
	total_supply          NUMERIC NOT NULL,
	borrow_index          NUMERIC NOT NULL,
	accrual_block         BIGINT NOT NULL,
	reserve_factor        NUMERIC NOT NULL,
	initial_exchange_rate NUMERIC NOT NULL,
	borrow_cap_factor     NUMERIC NOT NULL,
	interest_model        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_accounts (
	pool             TEXT NOT NULL REFERENCES pools (name),
	account          TEXT NOT NULL,
	shares           NUMERIC NOT NULL,
	borrow_principal NUMERIC NOT NULL,
	interest_index   NUMERIC NOT NULL,
	PRIMARY KEY (pool, account)
);

CREATE TABLE IF NOT EXISTS markets (
	id                 INTEGER PRIMARY KEY,
	token0             TEXT NOT NULL,
	token1             TEXT NOT NULL,
	pool0              TEXT NOT NULL,
	pool1              TEXT NOT NULL,
	margin_limit       BIGINT NOT NULL,
	fees_rate          BIGINT NOT NULL,
	insurance_ratio    BIGINT NOT NULL,
	price_diff_ratio   BIGINT NOT NULL,
	pool0_insurance    NUMERIC NOT NULL,
	pool1_insurance    NUMERIC NOT NULL,
	liquidation_policy TEXT NOT NULL,
	dex_data           TEXT NOT NULL,
	suspended          BOOLEAN NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	trader              TEXT NOT NULL,
	market_id           INTEGER NOT NULL,
	long_token1         BOOLEAN NOT NULL,
	deposit_token1      BOOLEAN NOT NULL,
	deposited           NUMERIC NOT NULL,
	held                NUMERIC NOT NULL,
	deposit_fixed_value NUMERIC NOT NULL,
	market_value_open   NUMERIC NOT NULL,
	last_block          BIGINT NOT NULL,
	liq_marker          TEXT NOT NULL DEFAULT '',
	liq_block           BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (trader, market_id, long_token1)
);

CREATE TABLE IF NOT EXISTS balances (
	token   TEXT NOT NULL,
	account TEXT NOT NULL,
	amount  NUMERIC NOT NULL,
	PRIMARY KEY (token, account)
);

CREATE TABLE IF NOT EXISTS events (
	seq       BIGSERIAL PRIMARY KEY,
	id        TEXT NOT NULL UNIQUE,
	kind      TEXT NOT NULL,
	account   TEXT NOT NULL,
	market_id INTEGER NOT NULL,
	pool      TEXT NOT NULL,
	block     BIGINT NOT NULL,
	amounts   JSONB NOT NULL,
	time      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS events_account_idx ON events (account, seq);
CREATE INDEX IF NOT EXISTS events_market_idx ON events (market_id, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Apply writes the change set in a single transaction.
func (s *PostgresStore) Apply(ctx context.Context, cs model.Changeset) error {
	if cs.Empty() {
		return nil
	}
	batch, err := changesetBatch(cs)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply changeset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func changesetBatch(cs model.Changeset) (*pgx.Batch, error) {
	b := &pgx.Batch{}
	for _, p := range cs.Pools {
		b.Queue(
			`INSERT INTO pools (name, asset, cash, total_borrows, total_reserves, total_supply, borrow_index,
			                    accrual_block, reserve_factor, initial_exchange_rate, borrow_cap_factor, interest_model)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
			         $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)
			 ON CONFLICT (name) DO UPDATE SET
			     cash = EXCLUDED.cash, total_borrows = EXCLUDED.total_borrows,
			     total_reserves = EXCLUDED.total_reserves, total_supply = EXCLUDED.total_supply,
			     borrow_index = EXCLUDED.borrow_index, accrual_block = EXCLUDED.accrual_block,
			     reserve_factor = EXCLUDED.reserve_factor, borrow_cap_factor = EXCLUDED.borrow_cap_factor,
			     interest_model = EXCLUDED.interest_model`,
			p.Name, p.Asset, p.Cash.String(), p.TotalBorrows.String(), p.TotalReserves.String(),
			p.TotalSupply.String(), p.BorrowIndex.String(), int64(p.AccrualBlock),
			p.ReserveFactor.String(), p.InitialExchangeRate.String(), p.BorrowCapFactor.String(), p.InterestModel,
		)
		// The pool drops accounts that reach zero; their rows go too.
		accounts := make([]string, 0, len(p.Accounts))
		for account := range p.Accounts {
			accounts = append(accounts, account)
		}
		b.Queue(`DELETE FROM pool_accounts WHERE pool = $1 AND NOT (account = ANY($2))`, p.Name, accounts)
		for account, a := range p.Accounts {
			b.Queue(
				`INSERT INTO pool_accounts (pool, account, shares, borrow_principal, interest_index)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
				 ON CONFLICT (pool, account) DO UPDATE SET
				     shares = EXCLUDED.shares, borrow_principal = EXCLUDED.borrow_principal,
				     interest_index = EXCLUDED.interest_index`,
				p.Name, account, a.Shares.String(), a.BorrowPrincipal.String(), a.InterestIndex.String(),
			)
		}
	}
	for _, m := range cs.Markets {
		b.Queue(
			`INSERT INTO markets (id, token0, token1, pool0, pool1, margin_limit, fees_rate, insurance_ratio,
			                      price_diff_ratio, pool0_insurance, pool1_insurance, liquidation_policy,
			                      dex_data, suspended, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)
			 ON CONFLICT (id) DO UPDATE SET
			     margin_limit = EXCLUDED.margin_limit, fees_rate = EXCLUDED.fees_rate,
			     insurance_ratio = EXCLUDED.insurance_ratio, price_diff_ratio = EXCLUDED.price_diff_ratio,
			     pool0_insurance = EXCLUDED.pool0_insurance, pool1_insurance = EXCLUDED.pool1_insurance,
			     liquidation_policy = EXCLUDED.liquidation_policy, dex_data = EXCLUDED.dex_data,
			     suspended = EXCLUDED.suspended`,
			int32(m.ID), m.Token0, m.Token1, m.Pool0, m.Pool1, m.MarginLimit, m.FeesRate, m.InsuranceRatio,
			m.PriceDiffRatio, m.Pool0Insurance.String(), m.Pool1Insurance.String(), string(m.LiquidationPolicy),
			m.DexData, m.Suspended, m.CreatedAt,
		)
	}
	for _, t := range cs.Trades {
		b.Queue(
			`INSERT INTO trades (trader, market_id, long_token1, deposit_token1, deposited, held,
			                     deposit_fixed_value, market_value_open, last_block, liq_marker, liq_block)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)
			 ON CONFLICT (trader, market_id, long_token1) DO UPDATE SET
			     deposit_token1 = EXCLUDED.deposit_token1, deposited = EXCLUDED.deposited, held = EXCLUDED.held,
			     deposit_fixed_value = EXCLUDED.deposit_fixed_value, market_value_open = EXCLUDED.market_value_open,
			     last_block = EXCLUDED.last_block, liq_marker = EXCLUDED.liq_marker, liq_block = EXCLUDED.liq_block`,
			t.Key.Trader, int32(t.Key.MarketID), t.Key.LongToken1, t.DepositToken1,
			t.Deposited.String(), t.Held.String(), t.DepositFixedValue.String(), t.MarketValueOpen.String(),
			int64(t.LastBlock), t.LiqMarker, int64(t.LiqBlock),
		)
	}
	for _, k := range cs.DeletedTrades {
		b.Queue(`DELETE FROM trades WHERE trader = $1 AND market_id = $2 AND long_token1 = $3`,
			k.Trader, int32(k.MarketID), k.LongToken1)
	}
	for _, bal := range cs.Balances {
		b.Queue(
			`INSERT INTO balances (token, account, amount) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (token, account) DO UPDATE SET amount = EXCLUDED.amount`,
			bal.Token, bal.Account, bal.Amount.String(),
		)
	}
	for _, e := range cs.Events {
		amounts, err := json.Marshal(e.Amounts)
		if err != nil {
			return nil, fmt.Errorf("encode event %s amounts: %w", e.ID, err)
		}
		b.Queue(
			`INSERT INTO events (id, kind, account, market_id, pool, block, amounts, time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8)`,
			e.ID, e.Kind, e.Account, int32(e.MarketID), e.Pool, int64(e.Block), string(amounts), e.Time,
		)
	}
	return b, nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	var err error
	if snap.Pools, err = s.loadPools(ctx); err != nil {
		return snap, err
	}
	if snap.Markets, err = s.loadMarkets(ctx); err != nil {
		return snap, err
	}
	if snap.Trades, err = s.loadTrades(ctx); err != nil {
		return snap, err
	}
	if snap.Balances, err = s.loadBalances(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *PostgresStore) loadPools(ctx context.Context) ([]model.PoolState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, asset, cash::TEXT, total_borrows::TEXT, total_reserves::TEXT, total_supply::TEXT,
		        borrow_index::TEXT, accrual_block, reserve_factor::TEXT, initial_exchange_rate::TEXT,
		        borrow_cap_factor::TEXT, interest_model
		 FROM pools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	defer rows.Close()

	var pools []model.PoolState
	index := make(map[string]int)
	for rows.Next() {
		var p model.PoolState
		var cash, borrows, reserves, supply, borrowIndex, reserveFactor, initialRate, capFactor string
		var block int64
		if err := rows.Scan(&p.Name, &p.Asset, &cash, &borrows, &reserves, &supply,
			&borrowIndex, &block, &reserveFactor, &initialRate, &capFactor, &p.InterestModel); err != nil {
			return nil, err
		}
		var n numerics
		p.Cash = n.parse(cash)
		p.TotalBorrows = n.parse(borrows)
		p.TotalReserves = n.parse(reserves)
		p.TotalSupply = n.parse(supply)
		p.BorrowIndex = n.parse(borrowIndex)
		p.ReserveFactor = n.parse(reserveFactor)
		p.InitialExchangeRate = n.parse(initialRate)
		p.BorrowCapFactor = n.parse(capFactor)
		if n.err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.Name, n.err)
		}
		p.AccrualBlock = uint64(block)
		p.Accounts = make(map[string]model.AccountSnapshot)
		index[p.Name] = len(pools)
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	accRows, err := s.pool.Query(ctx,
		`SELECT pool, account, shares::TEXT, borrow_principal::TEXT, interest_index::TEXT FROM pool_accounts`)
	if err != nil {
		return nil, fmt.Errorf("load pool accounts: %w", err)
	}
	defer accRows.Close()
	for accRows.Next() {
		var name, account, shares, principal, interestIndex string
		if err := accRows.Scan(&name, &account, &shares, &principal, &interestIndex); err != nil {
			return nil, err
		}
		i, ok := index[name]
		if !ok {
			continue
		}
		var n numerics
		a := model.AccountSnapshot{
			Shares:          n.parse(shares),
			BorrowPrincipal: n.parse(principal),
			InterestIndex:   n.parse(interestIndex),
		}
		if n.err != nil {
			return nil, fmt.Errorf("pool %s account %s: %w", name, account, n.err)
		}
		pools[i].Accounts[account] = a
	}
	return pools, accRows.Err()
}

func (s *PostgresStore) loadMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, token0, token1, pool0, pool1, margin_limit, fees_rate, insurance_ratio, price_diff_ratio,
		        pool0_insurance::TEXT, pool1_insurance::TEXT, liquidation_policy, dex_data, suspended, created_at
		 FROM markets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var id int32
		var ins0, ins1, policy string
		if err := rows.Scan(&id, &m.Token0, &m.Token1, &m.Pool0, &m.Pool1, &m.MarginLimit, &m.FeesRate,
			&m.InsuranceRatio, &m.PriceDiffRatio, &ins0, &ins1, &policy, &m.DexData, &m.Suspended,
			&m.CreatedAt); err != nil {
			return nil, err
		}
		var n numerics
		m.ID = uint16(id)
		m.Pool0Insurance = n.parse(ins0)
		m.Pool1Insurance = n.parse(ins1)
		if n.err != nil {
			return nil, fmt.Errorf("market %d: %w", m.ID, n.err)
		}
		m.LiquidationPolicy = model.LiquidationPolicy(policy)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) loadTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trader, market_id, long_token1, deposit_token1, deposited::TEXT, held::TEXT,
		        deposit_fixed_value::TEXT, market_value_open::TEXT, last_block, liq_marker, liq_block
		 FROM trades ORDER BY market_id, trader, long_token1`)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var marketID int32
		var lastBlock, liqBlock int64
		var deposited, held, fixed, open string
		if err := rows.Scan(&t.Key.Trader, &marketID, &t.Key.LongToken1, &t.DepositToken1, &deposited, &held,
			&fixed, &open, &lastBlock, &t.LiqMarker, &liqBlock); err != nil {
			return nil, err
		}
		t.Key.MarketID = uint16(marketID)
		t.LastBlock, t.LiqBlock = uint64(lastBlock), uint64(liqBlock)
		var n numerics
		t.Deposited = n.parse(deposited)
		t.Held = n.parse(held)
		t.DepositFixedValue = n.parse(fixed)
		t.MarketValueOpen = n.parse(open)
		if n.err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.Key, n.err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) loadBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, account, amount::TEXT FROM balances ORDER BY token, account`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var amount string
		if err := rows.Scan(&b.Token, &b.Account, &amount); err != nil {
			return nil, err
		}
		var n numerics
		if b.Amount = n.parse(amount); n.err != nil {
			return nil, fmt.Errorf("balance %s/%s: %w", b.Token, b.Account, n.err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, account string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, account, market_id, pool, block, amounts, time
		 FROM events WHERE account = $1 ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListMarketEvents(ctx context.Context, marketID uint16) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, account, market_id, pool, block, amounts, time
		 FROM events WHERE market_id = $1 ORDER BY seq`, int32(marketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var marketID int32
		var block int64
		var amounts []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.Account, &marketID, &e.Pool, &block, &amounts, &e.Time); err != nil {
			return nil, err
		}
		e.MarketID, e.Block = uint16(marketID), uint64(block)
		if err := json.Unmarshal(amounts, &e.Amounts); err != nil {
			return nil, fmt.Errorf("decode event %s amounts: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// numerics parses NUMERIC columns read back as TEXT, keeping the first error.
type numerics struct {
	err error
}

func (n *numerics) parse(s string) decimal.Decimal {
	if n.err != nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		n.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return v
}
