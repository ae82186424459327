// Package venue holds the order-book bookkeeping shared by every
// exchange-specific client, plus the common reconnect/backoff parameters
// every client's state machine obeys (spec.md §4.1).
package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Side identifies which half of the book a level belongs to.
type Side int

const (
	Bid Side = iota
	Ask
)

// Backoff and staleness constants shared by every venue client's state
// machine, per spec.md §4.1/§5. STALE_TIME and MAX_WS_RECONNECTS are
// per-run configuration (config.Config), not constants, but the fixed
// backoffs below are specified as fixed, not configurable.
const (
	ReconnectBackoffSeconds       = 5
	ExternalDisconnectThrottleSec = 60
)

// LocalOrderBook is the internal-to-a-venue-client book described in
// spec.md §3: two price->size string maps plus an opaque sequence cursor.
// It is not safe for concurrent use; each venue client owns exactly one
// and touches it only from its own goroutine.
type LocalOrderBook struct {
	Bids    map[string]string
	Asks    map[string]string
	LastSeq int64

	mu sync.Mutex // guards the maps against the occasional cross-goroutine debug read
}

// NewLocalOrderBook returns an empty book with no sequence cursor set.
func NewLocalOrderBook() *LocalOrderBook {
	return &LocalOrderBook{
		Bids: make(map[string]string),
		Asks: make(map[string]string),
	}
}

// Reset clears both sides and the cursor, as happens on every
// venue (re)connect per spec.md §3's lifecycle note.
func (b *LocalOrderBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Bids = make(map[string]string)
	b.Asks = make(map[string]string)
	b.LastSeq = 0
}

// ApplyLevel sets or removes one price level. A size of "0" (or any value
// that parses to zero) removes the level rather than storing a zero size,
// per spec.md §3. Applying a zero-size level that is already absent is a
// no-op, making removal idempotent as required by spec.md §8.
func (b *LocalOrderBook) ApplyLevel(side Side, price, size string) error {
	qty, err := decimal.NewFromString(size)
	if err != nil {
		return fmt.Errorf("venue: bad size %q: %w", size, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	levels := b.sideLocked(side)
	if qty.IsZero() {
		delete(levels, price)
		return nil
	}
	levels[price] = size
	return nil
}

func (b *LocalOrderBook) sideLocked(side Side) map[string]string {
	if side == Bid {
		return b.Bids
	}
	return b.Asks
}

// BestBid returns the highest bid price by numeric value, parsing every
// key with shopspring/decimal rather than trusting map iteration or
// string ordering.
func (b *LocalOrderBook) BestBid() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bestOf(b.Bids, true)
}

// BestAsk returns the lowest ask price by numeric value.
func (b *LocalOrderBook) BestAsk() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bestOf(b.Asks, false)
}

func bestOf(levels map[string]string, wantMax bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for priceStr := range levels {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		if !found {
			best = price
			found = true
			continue
		}
		if wantMax && price.GreaterThan(best) {
			best = price
		}
		if !wantMax && price.LessThan(best) {
			best = price
		}
	}
	return best, found
}

// IsCrossed reports whether the book's best bid is >= its best ask, the
// desync signal described in spec.md §3/§8. An empty or one-sided book is
// never considered crossed.
func (b *LocalOrderBook) IsCrossed() bool {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if !hasBid || !hasAsk {
		return false
	}
	return bid.GreaterThanOrEqual(ask)
}

// Depth returns the number of levels currently held on each side, mostly
// useful for Kraken's top-N truncation and for tests.
func (b *LocalOrderBook) Depth() (bids, asks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Bids), len(b.Asks)
}

// TruncateTop keeps only the top n levels of side, ranked best-first
// (highest price for bids, lowest for asks), dropping the rest. Used by
// Kraken's book channel, which specifies top-N-by-price truncation after
// every update rather than an unbounded book (spec.md §4.2.D).
func (b *LocalOrderBook) TruncateTop(side Side, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	levels := b.sideLocked(side)
	if len(levels) <= n {
		return
	}

	type entry struct {
		key   string
		price decimal.Decimal
	}
	entries := make([]entry, 0, len(levels))
	for k := range levels {
		price, err := decimal.NewFromString(k)
		if err != nil {
			continue
		}
		entries = append(entries, entry{key: k, price: price})
	}

	sort.Slice(entries, func(i, j int) bool {
		if side == Bid {
			return entries[i].price.GreaterThan(entries[j].price)
		}
		return entries[i].price.LessThan(entries[j].price)
	})

	if len(entries) <= n {
		return
	}
	for _, e := range entries[n:] {
		delete(levels, e.key)
	}
}
