package spdif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// burstStream builds n bursts at the canonical 6144-byte spacing, with the
// space between preambles zero-stuffed.
func burstStream(n int) []byte {
	buf := make([]byte, n*BurstSpacingBytes)
	for i := 0; i < n; i++ {
		copy(buf[i*BurstSpacingBytes:], Preamble[:])
	}
	return buf
}

func TestFindPreambles(t *testing.T) {
	buf := burstStream(3)
	offsets := FindPreambles(buf)
	require.Equal(t, []int{0, 6144, 12288}, offsets)

	for _, d := range Spacings(offsets) {
		assert.Equal(t, BurstSpacingBytes, d)
	}
}

func TestFindPreamblesNone(t *testing.T) {
	assert.Empty(t, FindPreambles(make([]byte, 8192)))
	assert.Empty(t, FindPreambles(Preamble[:3]))
}

func TestAligned(t *testing.T) {
	assert.True(t, Aligned(0))
	assert.True(t, Aligned(6144))
	assert.False(t, Aligned(6145))
	assert.False(t, Aligned(2))
}

func TestScannerWholeChunks(t *testing.T) {
	var s Scanner
	n := s.Feed(burstStream(4))
	assert.Equal(t, 4, n)
	assert.Equal(t, uint64(4), s.Bursts())
}

func TestScannerSplitAcrossChunks(t *testing.T) {
	buf := burstStream(2)

	// Split in the middle of the second preamble.
	cut := BurstSpacingBytes + 2
	var s Scanner
	got := s.Feed(buf[:cut])
	got += s.Feed(buf[cut:])
	assert.Equal(t, 2, got, "preamble split across reads must still count")
}

func TestScannerEverySplitPoint(t *testing.T) {
	buf := make([]byte, 64)
	copy(buf[30:], Preamble[:])

	for cut := 1; cut < len(buf); cut++ {
		var s Scanner
		total := s.Feed(buf[:cut])
		total += s.Feed(buf[cut:])
		require.Equalf(t, 1, total, "split at %d", cut)
	}
}

func TestScannerTinyChunks(t *testing.T) {
	buf := make([]byte, 16)
	copy(buf[5:], Preamble[:])

	var s Scanner
	total := 0
	for i := 0; i < len(buf); i++ {
		total += s.Feed(buf[i : i+1])
	}
	assert.Equal(t, 1, total)
}

func TestScannerNoFalsePositives(t *testing.T) {
	// Repeated first-preamble bytes must not be miscounted.
	var s Scanner
	chunk := []byte{0x72, 0x72, 0xF8, 0x72, 0xF8, 0x1F, 0x72, 0xF8, 0x1F, 0x00}
	assert.Equal(t, 0, s.Feed(chunk))
	assert.Equal(t, 0, s.Feed(chunk))
}
