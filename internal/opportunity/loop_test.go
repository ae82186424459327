package opportunity

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"binance-trading-bot/internal/aggregator"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestTickNoOpportunityBelowFee reproduces spec.md §8 boundary scenario 5's
// first half: venue A bid 100.00/ask 100.10, venue B bid 100.30/ask
// 100.40, fee 0.001. The fee-adjusted spread must not be positive enough
// to emit, and must not flip either venue's status.
func TestTickNoOpportunityBelowFee(t *testing.T) {
	agg := aggregator.New("BTC")
	ctx := context.Background()
	agg.UpdatePrice(ctx, "a", dec("100.00"), dec("100.10"))
	agg.UpdatePrice(ctx, "b", dec("100.30"), dec("100.40"))

	l := New(agg, 0.001, time.Hour)
	l.tick(ctx)

	statusA, _ := agg.GetStatus("a")
	statusB, _ := agg.GetStatus("b")
	if statusA != aggregator.Connected || statusB != aggregator.Connected {
		t.Fatalf("a sub-threshold spread must not disconnect either venue, got a=%v b=%v", statusA, statusB)
	}
}

// TestTickEmitsWhenProfitableAfterFee reproduces the second half of
// boundary scenario 5: venue B's bid rises to 100.50, producing a
// fee-adjusted profit of 0.20 that must be detected. B's ask sits at
// 100.60 so its quote is not crossed (the aggregator refuses crossed
// quotes); A's 100.10 stays the best ask.
func TestTickEmitsWhenProfitableAfterFee(t *testing.T) {
	agg := aggregator.New("BTC")
	ctx := context.Background()
	agg.UpdatePrice(ctx, "a", dec("100.00"), dec("100.10"))
	agg.UpdatePrice(ctx, "b", dec("100.50"), dec("100.60"))

	l := New(agg, 0.001, time.Hour)

	bestBid, bestAsk, ok := agg.GetBestOpportunity()
	if !ok {
		t.Fatalf("expected an opportunity pair to exist")
	}
	one := decimal.NewFromInt(1)
	adjBid := bestBid.Price.Mul(one.Sub(l.takerFee)).Round(2)
	adjAsk := bestAsk.Price.Mul(one.Add(l.takerFee)).Round(2)
	profit := adjBid.Sub(adjAsk)

	if !profit.Equal(dec("0.20")) {
		t.Fatalf("expected fee-adjusted profit 0.20, got %s", profit.String())
	}

	l.tick(ctx)
	if !l.first.set || l.first.buyVenue != "a" || l.first.sellVenue != "b" {
		t.Fatalf("expected firstOpportunity to record buy=a sell=b, got %+v", l.first)
	}
}

// TestTickStalenessForcesDisconnect reproduces boundary scenario 6: when
// the two venues' timestamps diverge by more than staleTime, tick must
// mark the older one Disconnected rather than emitting an opportunity.
func TestTickStalenessForcesDisconnect(t *testing.T) {
	agg := aggregator.New("BTC")
	ctx := context.Background()
	agg.UpdatePrice(ctx, "a", dec("100.00"), dec("100.10"))
	time.Sleep(10 * time.Millisecond)
	agg.UpdatePrice(ctx, "b", dec("100.50"), dec("100.60"))

	l := New(agg, 0.001, 5*time.Millisecond)
	l.tick(ctx)

	statusA, _ := agg.GetStatus("a")
	if statusA != aggregator.Disconnected {
		t.Fatalf("expected the older (stale) venue 'a' to be marked Disconnected, got %v", statusA)
	}
}

func TestTickRequiresAtLeastTwoConnectedVenues(t *testing.T) {
	agg := aggregator.New("BTC")
	ctx := context.Background()
	agg.UpdatePrice(ctx, "a", dec("100.00"), dec("100.10"))

	l := New(agg, 0.001, time.Hour)
	l.tick(ctx) // must not panic with only one connected venue

	status, _ := agg.GetStatus("a")
	if status != aggregator.Connected {
		t.Fatalf("a single connected venue must be left untouched, got %v", status)
	}
}

func TestFirstOpportunityClearsWhenProfitDisappears(t *testing.T) {
	var f firstOpportunity
	f.observe("a", "b")
	if !f.set {
		t.Fatalf("expected observe to set the tracker")
	}
	f.clear()
	if f.set {
		t.Fatalf("expected clear to reset the tracker")
	}
}

// TestLogFieldsIncludesAggregatorSnapshot reproduces spec.md §4.4 step 7:
// every emitted opportunity record must carry the full aggregator
// snapshot, matching original_source's json.dumps(watcher.prices).
func TestLogFieldsIncludesAggregatorSnapshot(t *testing.T) {
	agg := aggregator.New("BTC")
	ctx := context.Background()
	agg.UpdatePrice(ctx, "a", dec("100.00"), dec("100.10"))
	agg.UpdatePrice(ctx, "b", dec("100.50"), dec("100.60"))

	l := New(agg, 0.001, time.Hour)
	opp := Opportunity{
		BuyVenue:     "a",
		BuyPrice:     dec("100.10"),
		SellVenue:    "b",
		SellPrice:    dec("100.50"),
		FeeAdjProfit: dec("0.20"),
		DetectedAt:   time.Now(),
	}

	fields := l.logFields(opp)
	var snapshot aggregator.Snapshot
	found := false
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "snapshot" {
			snapshot, found = fields[i+1].(aggregator.Snapshot)
			break
		}
	}
	if !found {
		t.Fatalf("expected a \"snapshot\" field in the emitted log record, got %+v", fields)
	}
	if _, ok := snapshot.Exchanges["a"]; !ok {
		t.Fatalf("expected the snapshot to include venue a, got %+v", snapshot)
	}
	if _, ok := snapshot.Exchanges["b"]; !ok {
		t.Fatalf("expected the snapshot to include venue b, got %+v", snapshot)
	}
}

func TestIsStaleThreeWayCheck(t *testing.T) {
	l := New(aggregator.New("BTC"), 0, time.Second)
	now := time.Now()

	if l.isStale(now, now, now) {
		t.Fatalf("identical fresh timestamps must not be stale")
	}
	if !l.isStale(now, now.Add(-2*time.Second), now) {
		t.Fatalf("a bid far older than staleTime must be stale")
	}
	if !l.isStale(now, now, now.Add(-2*time.Second)) {
		t.Fatalf("an ask far older than staleTime must be stale")
	}
	if !l.isStale(now, now.Add(-600*time.Millisecond), now.Add(600*time.Millisecond)) {
		t.Fatalf("a bid/ask pair far apart from each other must be stale even if both are near now")
	}
}
