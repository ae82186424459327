// Package aggregator holds the single piece of state shared by every
// venue client and the opportunity loop: each venue's most recent best
// bid/ask and connection status for one trading symbol.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trading-bot/internal/logging"
)

// Status is a venue's connection state as tracked by the aggregator.
type Status string

const (
	// Connected means the venue's client has a live, in-sync order book
	// and Bid/Ask on its Quote are trustworthy.
	Connected Status = "connected"
	// Disconnected means the venue's client has lost its session (or was
	// asked to by the opportunity loop) and is reconnecting.
	Disconnected Status = "disconnected"
	// Stopped means the venue's client exhausted MAX_WS_RECONNECTS and
	// will not try again for the lifetime of the process.
	Stopped Status = "stopped"
)

// Quote is one venue's most recently published best bid/ask.
type Quote struct {
	BidPrice   decimal.Decimal `json:"bid"`
	AskPrice   decimal.Decimal `json:"ask"`
	LastUpdate time.Time       `json:"last_update"`
	Status     Status          `json:"status"`
}

// hasPrices reports whether both sides of the quote are populated.
func (q Quote) hasPrices() bool {
	return !q.BidPrice.IsZero() && !q.AskPrice.IsZero()
}

// VenueQuote names the venue a Quote came from, for the two sides of a
// detected opportunity.
type VenueQuote struct {
	Venue string
	Price decimal.Decimal
	Ts    time.Time
}

// Publisher receives a snapshot after every aggregator mutation. It is the
// seam the status publisher (internal/status) hangs off of; the aggregator
// does not know or care how the snapshot is persisted.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot)
}

// Snapshot is the serializable view of the aggregator's state at a point in
// time, matching the wire shape in spec.md §4.5.
type Snapshot struct {
	Symbol     string           `json:"symbol"`
	LastUpdate time.Time        `json:"last_update"`
	Exchanges  map[string]Quote `json:"exchanges"`
}

// Aggregator is the per-symbol shared state described in spec.md §4.3.
// Its three read/write operations are safe for concurrent use by multiple
// venue-client goroutines plus the opportunity loop; a per-venue write is
// confined to that venue's own goroutine, with the opportunity loop the
// single cross-cutting writer (status only).
type Aggregator struct {
	symbol string
	log    *logging.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
	order  []string // venue names in first-seen order, for tie-breaking

	pubMu     sync.RWMutex
	publisher Publisher
}

// New creates an empty Aggregator for the given symbol.
func New(symbol string) *Aggregator {
	return &Aggregator{
		symbol: symbol,
		log:    logging.WithComponent("aggregator").WithField("symbol", symbol),
		quotes: make(map[string]Quote),
	}
}

// SetPublisher attaches (or clears, with nil) the status publisher that
// receives a Snapshot after every mutation.
func (a *Aggregator) SetPublisher(p Publisher) {
	a.pubMu.Lock()
	a.publisher = p
	a.pubMu.Unlock()
}

// UpdatePrice publishes a new best bid/ask for venue and marks it Connected.
// Per spec.md §3's AggregatorState invariants, the caller (the venue
// client) is responsible for never calling this with a crossed or
// non-positive pair; UpdatePrice defends the invariant anyway by refusing
// such updates rather than trusting every caller.
func (a *Aggregator) UpdatePrice(ctx context.Context, venue string, bid, ask decimal.Decimal) {
	if bid.LessThanOrEqual(decimal.Zero) || ask.LessThanOrEqual(decimal.Zero) || bid.GreaterThan(ask) {
		a.log.Warn("refusing crossed or non-positive quote", "venue", venue, "bid", bid.String(), "ask", ask.String())
		return
	}

	a.mu.Lock()
	a.recordOrder(venue)
	a.quotes[venue] = Quote{
		BidPrice:   bid,
		AskPrice:   ask,
		LastUpdate: time.Now(),
		Status:     Connected,
	}
	a.mu.Unlock()

	a.publish(ctx)
}

// SetStatus transitions venue's status without touching its prices. If the
// venue has no entry yet, one is created with nil prices.
func (a *Aggregator) SetStatus(ctx context.Context, venue string, status Status) {
	a.mu.Lock()
	a.recordOrder(venue)
	q := a.quotes[venue]
	q.Status = status
	a.quotes[venue] = q
	a.mu.Unlock()

	a.publish(ctx)
}

// recordOrder appends venue to the first-seen order the first time it is
// written. Callers must hold a.mu for writing.
func (a *Aggregator) recordOrder(venue string) {
	if _, ok := a.quotes[venue]; !ok {
		a.order = append(a.order, venue)
	}
}

// GetStatus returns venue's current status and whether it has ever been
// seen at all.
func (a *Aggregator) GetStatus(venue string) (Status, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.quotes[venue]
	if !ok {
		return "", false
	}
	return q.Status, true
}

// ConnectedCount returns how many venues currently report Connected.
func (a *Aggregator) ConnectedCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, q := range a.quotes {
		if q.Status == Connected {
			n++
		}
	}
	return n
}

// GetBestOpportunity returns the highest bid and lowest ask among venues
// currently Connected with populated prices, per spec.md §4.3. Ties are
// broken by first-seen order (a.order), matching the original Python's
// plain dict, which is insertion-ordered by construction.
func (a *Aggregator) GetBestOpportunity() (bestBid VenueQuote, bestAsk VenueQuote, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	haveBid, haveAsk := false, false
	for _, v := range a.order {
		q := a.quotes[v]
		if q.Status != Connected || !q.hasPrices() {
			continue
		}
		if q.BidPrice.GreaterThan(decimal.Zero) {
			if !haveBid || q.BidPrice.GreaterThan(bestBid.Price) {
				bestBid = VenueQuote{Venue: v, Price: q.BidPrice, Ts: q.LastUpdate}
				haveBid = true
			}
		}
		if q.AskPrice.GreaterThan(decimal.Zero) {
			if !haveAsk || q.AskPrice.LessThan(bestAsk.Price) {
				bestAsk = VenueQuote{Venue: v, Price: q.AskPrice, Ts: q.LastUpdate}
				haveAsk = true
			}
		}
	}

	return bestBid, bestAsk, haveBid && haveAsk
}

// Snapshot returns a copy of the current state for logging or publishing.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	exchanges := make(map[string]Quote, len(a.quotes))
	for k, v := range a.quotes {
		exchanges[k] = v
	}
	return Snapshot{
		Symbol:     a.symbol,
		LastUpdate: time.Now(),
		Exchanges:  exchanges,
	}
}

func (a *Aggregator) publish(ctx context.Context) {
	a.pubMu.RLock()
	p := a.publisher
	a.pubMu.RUnlock()
	if p == nil {
		return
	}
	p.Publish(ctx, a.Snapshot())
}
