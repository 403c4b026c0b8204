// Package store defines the persistence interface for the margin engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for event lists), and in-memory (for testing).
package store

import (
	"context"

	"github.com/levmarket/margin-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Apply persists one committed operation atomically: pools, markets
	// and trades are upserted, deleted trades removed, balances set and
	// events appended.
	Apply(ctx context.Context, cs model.Changeset) error

	// LoadSnapshot returns the full state used to restore on startup.
	LoadSnapshot(ctx context.Context) (model.Snapshot, error)

	// ListEvents returns the journal of one account, oldest first.
	ListEvents(ctx context.Context, account string) ([]model.Event, error)

	// ListMarketEvents returns the journal of one market, oldest first.
	ListMarketEvents(ctx context.Context, marketID uint16) ([]model.Event, error)
}
