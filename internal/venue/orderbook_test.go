package venue

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplyLevelAddsAndRemoves(t *testing.T) {
	book := NewLocalOrderBook()

	if err := book.ApplyLevel(Bid, "100.00", "1.5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := book.Bids["100.00"]; !ok {
		t.Fatalf("expected level 100.00 to be present")
	}

	if err := book.ApplyLevel(Bid, "100.00", "0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := book.Bids["100.00"]; ok {
		t.Fatalf("expected level 100.00 to be removed after zero size")
	}
}

func TestApplyLevelRemoveIsIdempotent(t *testing.T) {
	book := NewLocalOrderBook()
	book.ApplyLevel(Bid, "100.00", "1.5")
	book.ApplyLevel(Bid, "100.00", "0")
	if err := book.ApplyLevel(Bid, "100.00", "0"); err != nil {
		t.Fatalf("unexpected error applying a second zero-size remove: %v", err)
	}
	if _, ok := book.Bids["100.00"]; ok {
		t.Fatalf("level should remain absent")
	}
}

func TestBestBidAskNumericOrdering(t *testing.T) {
	book := NewLocalOrderBook()
	// Deliberately insert in an order where lexicographic string sort
	// would pick the wrong "best" to prove numeric parsing is used.
	book.ApplyLevel(Bid, "99.5", "1")
	book.ApplyLevel(Bid, "100.25", "1")
	book.ApplyLevel(Bid, "9.75", "1")

	bid, ok := book.BestBid()
	if !ok || !bid.Equal(decimal.RequireFromString("100.25")) {
		t.Fatalf("expected best bid 100.25, got %v (ok=%v)", bid, ok)
	}

	book.ApplyLevel(Ask, "100.30", "1")
	book.ApplyLevel(Ask, "100.10", "1")
	ask, ok := book.BestAsk()
	if !ok || !ask.Equal(decimal.RequireFromString("100.10")) {
		t.Fatalf("expected best ask 100.10, got %v (ok=%v)", ask, ok)
	}
}

func TestIsCrossedDetectsDesync(t *testing.T) {
	book := NewLocalOrderBook()
	book.ApplyLevel(Bid, "100.10", "1")
	book.ApplyLevel(Ask, "100.00", "1")

	if !book.IsCrossed() {
		t.Fatalf("expected book to be detected as crossed")
	}
}

func TestIsCrossedFalseWhenOneSided(t *testing.T) {
	book := NewLocalOrderBook()
	book.ApplyLevel(Bid, "100.00", "1")

	if book.IsCrossed() {
		t.Fatalf("a one-sided book must never be reported as crossed")
	}
}

func TestTruncateTopKeepsBestNBids(t *testing.T) {
	book := NewLocalOrderBook()
	prices := []string{"10", "20", "30", "40", "50"}
	for _, p := range prices {
		book.ApplyLevel(Bid, p, "1")
	}

	book.TruncateTop(Bid, 3)

	bids, _ := book.Depth()
	if bids != 3 {
		t.Fatalf("expected 3 bid levels after truncation, got %d", bids)
	}
	for _, want := range []string{"30", "40", "50"} {
		if _, ok := book.Bids[want]; !ok {
			t.Fatalf("expected level %s to survive truncation to top 3 bids", want)
		}
	}
}

func TestTruncateTopKeepsBestNAsks(t *testing.T) {
	book := NewLocalOrderBook()
	prices := []string{"10", "20", "30", "40", "50"}
	for _, p := range prices {
		book.ApplyLevel(Ask, p, "1")
	}

	book.TruncateTop(Ask, 2)

	_, asks := book.Depth()
	if asks != 2 {
		t.Fatalf("expected 2 ask levels after truncation, got %d", asks)
	}
	for _, want := range []string{"10", "20"} {
		if _, ok := book.Asks[want]; !ok {
			t.Fatalf("expected level %s to survive truncation to top 2 asks", want)
		}
	}
}

func TestResetClearsBookAndCursor(t *testing.T) {
	book := NewLocalOrderBook()
	book.ApplyLevel(Bid, "100.00", "1")
	book.LastSeq = 42

	book.Reset()

	bids, asks := book.Depth()
	if bids != 0 || asks != 0 || book.LastSeq != 0 {
		t.Fatalf("expected empty book and zero cursor after reset, got bids=%d asks=%d seq=%d", bids, asks, book.LastSeq)
	}
}
