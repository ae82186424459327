package kraken

import (
	"hash/crc32"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// cleanDigits strips the decimal point and any leading zeros from a
// Kraken-formatted price or quantity string, per the documented checksum
// rule in spec.md §4.2.D / §9: "concatenating cleaned price/qty strings of
// top-10 asks then top-10 bids". An all-zero result collapses to "0"
// rather than the empty string.
func cleanDigits(s string) string {
	s = strings.ReplaceAll(s, ".", "")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// checksumLevel is one (price, qty) pair as received on the wire, kept as
// strings so cleanDigits operates on exactly what the venue sent.
type checksumLevel struct {
	price string
	qty   string
}

// computeChecksum reproduces Kraken's documented CRC32 book checksum: the
// top 10 asks ascending by price, then the top 10 bids descending by
// price, each level's price and quantity cleaned and concatenated, the
// whole string fed through CRC32. Levels beyond the top 10 per side are
// ignored, matching the documented rule; nothing here is guessed beyond
// it.
func computeChecksum(asks, bids []checksumLevel) uint32 {
	sortedAsks := sortByPrice(asks, true)
	sortedBids := sortByPrice(bids, false)

	var b strings.Builder
	writeTop(&b, sortedAsks, 10)
	writeTop(&b, sortedBids, 10)

	return crc32.ChecksumIEEE([]byte(b.String()))
}

func writeTop(b *strings.Builder, levels []checksumLevel, n int) {
	if len(levels) > n {
		levels = levels[:n]
	}
	for _, l := range levels {
		b.WriteString(cleanDigits(l.price))
		b.WriteString(cleanDigits(l.qty))
	}
}

func sortByPrice(levels []checksumLevel, ascending bool) []checksumLevel {
	out := make([]checksumLevel, 0, len(levels))
	type parsed struct {
		checksumLevel
		price decimal.Decimal
	}
	parsedLevels := make([]parsed, 0, len(levels))
	for _, l := range levels {
		price, err := decimal.NewFromString(l.price)
		if err != nil {
			continue
		}
		parsedLevels = append(parsedLevels, parsed{checksumLevel: l, price: price})
	}

	sort.Slice(parsedLevels, func(i, j int) bool {
		if ascending {
			return parsedLevels[i].price.LessThan(parsedLevels[j].price)
		}
		return parsedLevels[i].price.GreaterThan(parsedLevels[j].price)
	})

	for _, p := range parsedLevels {
		out = append(out, p.checksumLevel)
	}
	return out
}
