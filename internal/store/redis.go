package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/levmarket/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for event lists. Writes go to the primary store and invalidate the
// affected lists; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, cs model.Changeset) error {
	if err := s.primary.Apply(ctx, cs); err != nil {
		return err
	}
	if keys := invalidatedKeys(cs); len(keys) > 0 {
		// Stale lists expire with the TTL if this fails.
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("event cache invalidation failed", "keys", len(keys), "error", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListEvents(ctx context.Context, account string) ([]model.Event, error) {
	return s.cachedEvents(ctx, eventsKey(account), func() ([]model.Event, error) {
		return s.primary.ListEvents(ctx, account)
	})
}

func (s *CachedStore) ListMarketEvents(ctx context.Context, marketID uint16) ([]model.Event, error) {
	return s.cachedEvents(ctx, marketEventsKey(marketID), func() ([]model.Event, error) {
		return s.primary.ListMarketEvents(ctx, marketID)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadSnapshot(ctx context.Context) (model.Snapshot, error) {
	return s.primary.LoadSnapshot(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachedEvents(ctx context.Context, key string, load func() ([]model.Event, error)) ([]model.Event, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	// Cache miss: read from primary.
	events, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return events, nil
}

// invalidatedKeys lists the cached event lists a change set appends to.
func invalidatedKeys(cs model.Changeset) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, e := range cs.Events {
		add(eventsKey(e.Account))
		add(marketEventsKey(e.MarketID))
	}
	return keys
}

func eventsKey(account string) string  { return fmt.Sprintf("events:account:%s", account) }
func marketEventsKey(id uint16) string { return fmt.Sprintf("events:market:%d", id) }
