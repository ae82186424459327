package kraken

import (
	"encoding/json"
	"strconv"
	"testing"

	"binance-trading-bot/internal/venue"
)

func TestVerifyChecksumEmptyFieldSkipsVerification(t *testing.T) {
	c := &Client{}
	book := venue.NewLocalOrderBook()
	book.ApplyLevel(venue.Bid, "100.00", "1")

	if err := c.verifyChecksum(book, json.Number("")); err != nil {
		t.Fatalf("an empty checksum field must be treated as nothing to verify, got %v", err)
	}
}

func TestVerifyChecksumDetectsMismatch(t *testing.T) {
	c := &Client{}
	book := venue.NewLocalOrderBook()
	book.ApplyLevel(venue.Bid, "100.00", "1.00000000")
	book.ApplyLevel(venue.Ask, "100.10", "2.00000000")

	if err := c.verifyChecksum(book, json.Number("123456789")); err == nil {
		t.Fatalf("expected a checksum mismatch error against a fabricated value")
	}
}

func TestVerifyChecksumAcceptsMatchingValue(t *testing.T) {
	c := &Client{}
	book := venue.NewLocalOrderBook()
	book.ApplyLevel(venue.Bid, "100.00", "1.00000000")
	book.ApplyLevel(venue.Ask, "100.10", "2.00000000")

	asks, bids := topLevels(book)
	want := computeChecksum(asks, bids)

	if err := c.verifyChecksum(book, json.Number(strconv.FormatUint(uint64(want), 10))); err != nil {
		t.Fatalf("expected a matching checksum to verify cleanly, got %v", err)
	}
}

func TestRestPairMapsBTCToXBT(t *testing.T) {
	c := New(nil, "BTC", 3)
	if c.restPair != "XBTUSDT" {
		t.Fatalf("expected BTC to map to Kraken's XBTUSDT REST pair, got %q", c.restPair)
	}
	if c.wsPair != "BTC/USDT" {
		t.Fatalf("expected the WS pair to stay BTC/USDT, got %q", c.wsPair)
	}
}

func TestRestPairPassesThroughOtherSymbols(t *testing.T) {
	c := New(nil, "ETH", 3)
	if c.restPair != "ETHUSDT" {
		t.Fatalf("expected ETH to pass through unchanged, got %q", c.restPair)
	}
}
