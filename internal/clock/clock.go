// Package clock provides the block-height time source used for interest
// accrual and price freshness.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current block height. Implementations must be monotonic.
type Clock interface {
	Now() uint64
}

// Manual is a clock advanced explicitly. Used in tests and replays.
type Manual struct {
	mu    sync.Mutex
	block uint64
}

// NewManual creates a manual clock at the given height.
func NewManual(start uint64) *Manual {
	return &Manual{block: start}
}

func (m *Manual) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block
}

// Advance moves the clock forward by n blocks and returns the new height.
func (m *Manual) Advance(n uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block += n
	return m.block
}

// Set moves the clock to height h. Heights behind the current one are ignored.
func (m *Manual) Set(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h > m.block {
		m.block = h
	}
}

// Wall derives block height from wall time: one block per Interval since Genesis.
type Wall struct {
	Genesis  time.Time
	Interval time.Duration
	now      func() time.Time
}

// NewWall creates a wall clock. A non-positive interval defaults to 15s.
func NewWall(genesis time.Time, interval time.Duration) *Wall {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Wall{Genesis: genesis, Interval: interval, now: time.Now}
}

func (w *Wall) Now() uint64 {
	elapsed := w.now().Sub(w.Genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / w.Interval)
}
