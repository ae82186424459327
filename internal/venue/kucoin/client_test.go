package kucoin

import (
	"testing"

	"binance-trading-bot/internal/venue"
)

// TestApplyGapFillBoundaryScenario mirrors Binance's buffered-event
// gap-fill test but for KuCoin's sequenceStart/sequenceEnd contract
// (spec.md §4.2.E): a snapshot sequence of 100, a change fully covered by
// it (dropped), a straddling change applied first, then a subsequent
// change applied after.
func TestApplyGapFillBoundaryScenario(t *testing.T) {
	book := venue.NewLocalOrderBook()

	changes := []l2Change{
		mkChange(90, 99, [][]string{{"1.00", "1"}}, nil),
		mkChange(100, 101, [][]string{{"100.00", "2"}}, nil),
		mkChange(102, 104, nil, [][]string{{"100.50", "3"}}),
	}

	applyGapFill(book, changes, 100)

	if book.LastSeq != 104 {
		t.Fatalf("expected final cursor 104, got %d", book.LastSeq)
	}
	if _, ok := book.Bids["1.00"]; ok {
		t.Fatalf("a change fully covered by the snapshot must not be applied")
	}
	if _, ok := book.Bids["100.00"]; !ok {
		t.Fatalf("the straddling change must be applied")
	}
	if _, ok := book.Asks["100.50"]; !ok {
		t.Fatalf("changes after the straddling one must also be applied")
	}
}

func TestApplyGapFillNoStraddleLeavesCursorAtSnapshot(t *testing.T) {
	book := venue.NewLocalOrderBook()
	changes := []l2Change{mkChange(50, 60, [][]string{{"1.00", "1"}}, nil)}

	applyGapFill(book, changes, 100)

	if book.LastSeq != 100 {
		t.Fatalf("expected cursor to remain at the snapshot value, got %d", book.LastSeq)
	}
	if _, ok := book.Bids["1.00"]; ok {
		t.Fatalf("a change entirely before the snapshot window must not be applied")
	}
}

func mkChange(start, end int64, bids, asks [][]string) l2Change {
	var ch l2Change
	ch.SequenceStart = start
	ch.SequenceEnd = end
	ch.Changes.Bids = bids
	ch.Changes.Asks = asks
	return ch
}
