// Package opportunity implements the periodic evaluator described in
// spec.md §4.4: it reads the shared aggregator, computes the fee-adjusted
// spread between the richest bid and the cheapest ask, and emits a log
// record when a positive opportunity is found.
package opportunity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"binance-trading-bot/internal/aggregator"
	"binance-trading-bot/internal/logging"
)

const tickPeriod = 500 * time.Millisecond

// Opportunity is one emitted detection, matching spec.md §3.
type Opportunity struct {
	BuyVenue     string
	BuyPrice     decimal.Decimal
	BuyTs        time.Time
	SellVenue    string
	SellPrice    decimal.Decimal
	SellTs       time.Time
	FeeAdjProfit decimal.Decimal
	DetectedAt   time.Time
}

// firstOpportunity tracks the (buy_venue, sell_venue) pair of the first
// detection in a run of consecutive positive detections, per spec.md §3
// and §4.4 step 6. It is kept exactly as specified: recorded but not
// acted upon further (spec.md §9 Open Questions).
type firstOpportunity struct {
	set       bool
	buyVenue  string
	sellVenue string
}

func (f *firstOpportunity) clear() {
	f.set = false
	f.buyVenue = ""
	f.sellVenue = ""
}

// observe records pair as the first opportunity if none is set yet, or
// resets the tracker if pair differs from the one already stored.
func (f *firstOpportunity) observe(buyVenue, sellVenue string) {
	if !f.set {
		f.set = true
		f.buyVenue = buyVenue
		f.sellVenue = sellVenue
		return
	}
	if f.buyVenue != buyVenue || f.sellVenue != sellVenue {
		f.buyVenue = buyVenue
		f.sellVenue = sellVenue
	}
}

// Loop is the opportunity evaluator. TakerFee is the multiplicative fee
// applied to the executing side of a trade before comparing prices.
type Loop struct {
	agg       *aggregator.Aggregator
	takerFee  decimal.Decimal
	staleTime time.Duration
	log       *logging.Logger

	first firstOpportunity
}

// New builds a Loop for agg with the given fee and staleness threshold.
func New(agg *aggregator.Aggregator, takerFee float64, staleTime time.Duration) *Loop {
	return &Loop{
		agg:       agg,
		takerFee:  decimal.NewFromFloat(takerFee),
		staleTime: staleTime,
		log:       logging.WithComponent("opportunity"),
	}
}

// Run ticks every 500ms until ctx is canceled, per spec.md §4.4.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.agg.ConnectedCount() < 2 {
		return
	}

	bestBid, bestAsk, ok := l.agg.GetBestOpportunity()
	if !ok {
		return
	}

	one := decimal.NewFromInt(1)
	adjBid := bestBid.Price.Mul(one.Sub(l.takerFee)).Round(2)
	adjAsk := bestAsk.Price.Mul(one.Add(l.takerFee)).Round(2)
	profit := adjBid.Sub(adjAsk)

	if profit.LessThanOrEqual(decimal.Zero) {
		l.first.clear()
		return
	}

	now := time.Now()
	if l.isStale(now, bestBid.Ts, bestAsk.Ts) {
		l.markOlderDisconnected(ctx, bestBid, bestAsk)
		return
	}

	l.first.observe(bestAsk.Venue, bestBid.Venue)

	opp := Opportunity{
		BuyVenue:     bestAsk.Venue,
		BuyPrice:     bestAsk.Price,
		BuyTs:        bestAsk.Ts,
		SellVenue:    bestBid.Venue,
		SellPrice:    bestBid.Price,
		SellTs:       bestBid.Ts,
		FeeAdjProfit: profit,
		DetectedAt:   now,
	}
	l.emit(opp)
}

// isStale implements spec.md §4.4 step 5's three-way staleness check.
func (l *Loop) isStale(now, bidTs, askTs time.Time) bool {
	if absDuration(bidTs.Sub(askTs)) > l.staleTime {
		return true
	}
	if now.Sub(bidTs) > l.staleTime {
		return true
	}
	if now.Sub(askTs) > l.staleTime {
		return true
	}
	return false
}

// markOlderDisconnected sets the status of whichever of the two venues has
// the older timestamp to Disconnected, which will cause that venue's
// client to reconnect, per spec.md §4.4 step 5 and §8 invariant 5.
func (l *Loop) markOlderDisconnected(ctx context.Context, bestBid, bestAsk aggregator.VenueQuote) {
	older := bestBid.Venue
	if bestAsk.Ts.Before(bestBid.Ts) {
		older = bestAsk.Venue
	}
	l.log.Warn("stale quote detected, forcing reconnect", "venue", older)
	l.agg.SetStatus(ctx, older, aggregator.Disconnected)
}

func (l *Loop) emit(opp Opportunity) {
	l.log.Info("arbitrage opportunity detected", l.logFields(opp)...)
}

// logFields builds the key/value pairs for one emitted opportunity record,
// split out from emit so the record's contents can be asserted on directly.
// spec.md §4.4 step 7 requires the full aggregator snapshot to ride along
// with every detection, matching original_source's json.dumps(watcher.prices).
func (l *Loop) logFields(opp Opportunity) []interface{} {
	return []interface{}{
		"id", uuid.NewString(),
		"buy_venue", opp.BuyVenue,
		"buy_price", opp.BuyPrice.String(),
		"sell_venue", opp.SellVenue,
		"sell_price", opp.SellPrice.String(),
		"profit", opp.FeeAdjProfit.String(),
		"detected_at", opp.DetectedAt.Format(time.RFC3339Nano),
		"persistent", l.first.set && l.first.buyVenue == opp.BuyVenue && l.first.sellVenue == opp.SellVenue,
		"snapshot", l.agg.Snapshot(),
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
