// README: Shared board of OPEN offers, at most one per order across every node.
package dispatch

import (
	"context"
	"sync"
	"time"

	"relay/internal/clock"
	"relay/internal/types"
)

// boardGrace keeps a board entry alive slightly past its offer's expiry so
// the owning node's timer still finds it unless the offer was settled.
const boardGrace = 5 * time.Second

// Board publishes the open offer for an order. Open succeeds only when the
// order has no live entry; entries lapse after their ttl so a crashed node
// cannot pin an order.
type Board interface {
	Open(ctx context.Context, off Offer, ttl time.Duration) (bool, error)
	Current(ctx context.Context, orderID types.ID) (Offer, bool, error)
	ForRider(ctx context.Context, rider types.ID) (Offer, bool, error)
	Close(ctx context.Context, orderID, offerID types.ID) error
}

type boardEntry struct {
	offer Offer
	until time.Time
}

// MemoryBoard serves a single process, or several services sharing it in tests.
type MemoryBoard struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[types.ID]boardEntry
}

func NewMemoryBoard(clk clock.Clock) *MemoryBoard {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryBoard{clock: clk, entries: make(map[types.ID]boardEntry)}
}

func (b *MemoryBoard) Open(_ context.Context, off Offer, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.liveLocked(off.OrderID); ok {
		return false, nil
	}
	b.entries[off.OrderID] = boardEntry{offer: off, until: b.clock.Now().Add(ttl)}
	return true, nil
}

func (b *MemoryBoard) Current(_ context.Context, orderID types.ID) (Offer, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.liveLocked(orderID)
	return e.offer, ok, nil
}

func (b *MemoryBoard) ForRider(_ context.Context, rider types.ID) (Offer, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for orderID, e := range b.entries {
		if e.offer.RiderID != rider {
			continue
		}
		if live, ok := b.liveLocked(orderID); ok {
			return live.offer, true, nil
		}
	}
	return Offer{}, false, nil
}

func (b *MemoryBoard) Close(_ context.Context, orderID, offerID types.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[orderID]; ok && e.offer.ID == offerID {
		delete(b.entries, orderID)
	}
	return nil
}

func (b *MemoryBoard) liveLocked(orderID types.ID) (boardEntry, bool) {
	e, ok := b.entries[orderID]
	if !ok {
		return boardEntry{}, false
	}
	if !b.clock.Now().Before(e.until) {
		delete(b.entries, orderID)
		return boardEntry{}, false
	}
	return e, true
}
