package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/model"
)

type balanceKey struct {
	token, account string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	pools    map[string]model.PoolState
	markets  map[uint16]model.Market
	trades   map[model.TradeKey]model.Trade
	balances map[balanceKey]decimal.Decimal
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[string]model.PoolState),
		markets:  make(map[uint16]model.Market),
		trades:   make(map[model.TradeKey]model.Trade),
		balances: make(map[balanceKey]decimal.Decimal),
	}
}

func (s *MemoryStore) Apply(ctx context.Context, cs model.Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store copies to avoid sharing the accounts map with the live pool.
	for _, p := range cs.Pools {
		s.pools[p.Name] = p.Clone()
	}
	for _, m := range cs.Markets {
		s.markets[m.ID] = m
	}
	for _, t := range cs.Trades {
		s.trades[t.Key] = t
	}
	for _, k := range cs.DeletedTrades {
		delete(s.trades, k)
	}
	for _, b := range cs.Balances {
		s.balances[balanceKey{b.Token, b.Account}] = b.Amount
	}
	s.events = append(s.events, cs.Events...)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap model.Snapshot
	for _, p := range s.pools {
		snap.Pools = append(snap.Pools, p.Clone())
	}
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].Name < snap.Pools[j].Name })

	for _, m := range s.markets {
		snap.Markets = append(snap.Markets, m)
	}
	sort.Slice(snap.Markets, func(i, j int) bool { return snap.Markets[i].ID < snap.Markets[j].ID })

	for _, t := range s.trades {
		snap.Trades = append(snap.Trades, t)
	}
	sort.Slice(snap.Trades, func(i, j int) bool { return snap.Trades[i].Key.String() < snap.Trades[j].Key.String() })

	for k, amt := range s.balances {
		snap.Balances = append(snap.Balances, model.Balance{Token: k.token, Account: k.account, Amount: amt})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if a.Token != b.Token {
			return a.Token < b.Token
		}
		return a.Account < b.Account
	})
	return snap, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, account string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListMarketEvents(_ context.Context, marketID uint16) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}
