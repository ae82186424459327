package binance

import (
	"testing"

	"binance-trading-bot/internal/venue"
)

// TestApplyGapFillBoundaryScenario reproduces spec.md §8's boundary
// scenario: lastUpdateId=100 from the REST snapshot, with buffered WS
// events U=99/u=99 (fully covered, dropped), U=100/u=101 (straddles and
// is applied first), and U=102/u=104 (applied after). Final cursor must
// land on 104.
func TestApplyGapFillBoundaryScenario(t *testing.T) {
	book := venue.NewLocalOrderBook()

	events := []depthEvent{
		{FirstUpdateID: 99, FinalUpdateID: 99, Bids: [][]string{{"1.00", "1"}}},
		{FirstUpdateID: 100, FinalUpdateID: 101, Bids: [][]string{{"100.00", "2"}}},
		{FirstUpdateID: 102, FinalUpdateID: 104, Asks: [][]string{{"100.50", "3"}}},
	}

	applyGapFill(book, events, 100)

	if book.LastSeq != 104 {
		t.Fatalf("expected final cursor 104, got %d", book.LastSeq)
	}
	if _, ok := book.Bids["1.00"]; ok {
		t.Fatalf("event fully covered by the snapshot (u<=100) must not be applied")
	}
	if _, ok := book.Bids["100.00"]; !ok {
		t.Fatalf("the straddling event must be applied")
	}
	if _, ok := book.Asks["100.50"]; !ok {
		t.Fatalf("events after the straddling one must also be applied")
	}
}

// TestApplyGapFillDropsEventsBeforeStraddle covers the case where no
// buffered event straddles the snapshot boundary at all: nothing should
// be applied and the cursor should stay at the snapshot's value.
func TestApplyGapFillDropsEventsBeforeStraddle(t *testing.T) {
	book := venue.NewLocalOrderBook()

	events := []depthEvent{
		{FirstUpdateID: 50, FinalUpdateID: 60, Bids: [][]string{{"1.00", "1"}}},
	}

	applyGapFill(book, events, 100)

	if book.LastSeq != 100 {
		t.Fatalf("expected cursor to remain at the snapshot value 100, got %d", book.LastSeq)
	}
	if _, ok := book.Bids["1.00"]; ok {
		t.Fatalf("an event entirely before the snapshot window must not be applied")
	}
}

func TestApplyLevelsSkipsMalformedEntries(t *testing.T) {
	book := venue.NewLocalOrderBook()
	applyLevels(book, [][]string{{"100.00"}, {"101.00", "1"}}, venue.Bid)

	if _, ok := book.Bids["100.00"]; ok {
		t.Fatalf("a malformed [price] entry with no size must be skipped")
	}
	if _, ok := book.Bids["101.00"]; !ok {
		t.Fatalf("a well-formed entry must still be applied")
	}
}
