package kraken

import (
	"hash/crc32"
	"testing"
)

func TestCleanDigitsStripsDotAndLeadingZeros(t *testing.T) {
	cases := map[string]string{
		"5541.30":      "554130",
		"0.00050000":   "50000",
		"00100.00":     "10000",
		"0.00000000":   "0",
		"0":            "0",
		"123":          "123",
	}
	for in, want := range cases {
		if got := cleanDigits(in); got != want {
			t.Errorf("cleanDigits(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestComputeChecksumWorkedExample builds the same concatenated string by
// hand (top-10 asks ascending, then top-10 bids descending, cleaned
// price+qty per level) and verifies computeChecksum matches its CRC32,
// per the rule documented in spec.md §9.
func TestComputeChecksumWorkedExample(t *testing.T) {
	asks := []checksumLevel{
		{price: "5541.30", qty: "2.50000000"},
		{price: "5541.40", qty: "0.50000000"},
	}
	bids := []checksumLevel{
		{price: "5541.20", qty: "1.00000000"},
		{price: "5541.10", qty: "3.00000000"},
	}

	// Already in the expected sorted order (asks ascending, bids
	// descending), so the expected string is a direct concatenation.
	expected := "554130" + "250000000" +
		"554140" + "50000000" +
		"554120" + "100000000" +
		"554110" + "300000000"

	want := crc32.ChecksumIEEE([]byte(expected))
	got := computeChecksum(asks, bids)

	if got != want {
		t.Fatalf("computeChecksum mismatch: got %d want %d (expected string %q)", got, want, expected)
	}
}

func TestComputeChecksumSortsOutOfOrderInput(t *testing.T) {
	// Same levels as above but submitted in reverse/mixed order; the
	// checksum must be identical since computeChecksum sorts internally.
	asksInOrder := []checksumLevel{
		{price: "5541.30", qty: "2.50000000"},
		{price: "5541.40", qty: "0.50000000"},
	}
	asksShuffled := []checksumLevel{
		{price: "5541.40", qty: "0.50000000"},
		{price: "5541.30", qty: "2.50000000"},
	}
	bids := []checksumLevel{
		{price: "5541.20", qty: "1.00000000"},
		{price: "5541.10", qty: "3.00000000"},
	}

	a := computeChecksum(asksInOrder, bids)
	b := computeChecksum(asksShuffled, bids)
	if a != b {
		t.Fatalf("expected checksum to be independent of input order, got %d vs %d", a, b)
	}
}

// TestComputeChecksumTruncatesBeyondTopTen verifies that asks past the
// 10th-lowest price are excluded from the checksum entirely, rather than
// merely reordered.
func TestComputeChecksumTruncatesBeyondTopTen(t *testing.T) {
	var asks []checksumLevel
	for i := 1; i <= 10; i++ {
		asks = append(asks, checksumLevel{price: priceAt(i), qty: "1.00000000"})
	}
	withTenLevels := computeChecksum(asks, nil)

	// An 11th ask priced above all the others (lowest-10-kept for asks)
	// must not change the result.
	asksWithExtra := append(append([]checksumLevel{}, asks...), checksumLevel{price: priceAt(11), qty: "1.00000000"})
	withEleventh := computeChecksum(asksWithExtra, nil)

	if withTenLevels != withEleventh {
		t.Fatalf("an 11th ask beyond the top 10 by price must not affect the checksum")
	}
}

// priceAt returns a distinct, strictly increasing price for i=1..N.
func priceAt(i int) string {
	return "5541." + [11]string{"", "01", "02", "03", "04", "05", "06", "07", "08", "09", "99"}[i]
}
