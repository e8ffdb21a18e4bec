// Package spdif contains the IEC 61937 framing constants and the stream
// scanner used to validate and account for AC-3 bursts riding inside the
// 2-channel S16 PCM carrier.
package spdif

// IEC 61937 burst preamble words Pa=0xF872 and Pb=0x4E1F, as they appear on
// the little-endian wire.
var Preamble = [4]byte{0x72, 0xF8, 0x1F, 0x4E}

const (
	// FrameBytes is the size of one stereo S16 carrier frame. Every buffer
	// this system produces or consumes is a whole number of these.
	FrameBytes = 4

	// BurstSpacingBytes separates consecutive AC-3 burst preambles in a
	// 48 kHz carrier: 1536 samples per AC-3 frame x 4 bytes per stereo
	// frame.
	BurstSpacingBytes = 6144
)

// Aligned reports whether n is a whole number of carrier frames.
func Aligned(n int) bool {
	return n%FrameBytes == 0
}

// FindPreambles returns the byte offsets of every burst preamble in buf.
func FindPreambles(buf []byte) []int {
	var offsets []int
	for i := 0; i+len(Preamble) <= len(buf); i++ {
		if buf[i] == Preamble[0] && buf[i+1] == Preamble[1] &&
			buf[i+2] == Preamble[2] && buf[i+3] == Preamble[3] {
			offsets = append(offsets, i)
		}
	}
	return offsets
}

// Spacings returns the distances between consecutive preamble offsets.
func Spacings(offsets []int) []int {
	if len(offsets) < 2 {
		return nil
	}
	out := make([]int, len(offsets)-1)
	for i := 1; i < len(offsets); i++ {
		out[i-1] = offsets[i] - offsets[i-1]
	}
	return out
}

// Scanner counts burst preambles across an incrementally delivered byte
// stream. It keeps the last three bytes of every chunk so a preamble split
// across two reads is still seen. Used by the encoder reader to account for
// bursts without buffering the stream; allocation-free after construction.
type Scanner struct {
	carry  [3]byte
	ncarry int
	bursts uint64
}

// Feed scans one chunk and returns the number of preambles found in it
// (including any completed across the previous chunk boundary).
func (s *Scanner) Feed(chunk []byte) int {
	if len(chunk) == 0 {
		return 0
	}

	found := 0

	// Complete a preamble that may straddle the carried tail.
	if s.ncarry > 0 {
		var joined [6]byte
		n := copy(joined[:], s.carry[:s.ncarry])
		n += copy(joined[n:], chunk)
		for i := 0; i+len(Preamble) <= n && i < s.ncarry; i++ {
			if joined[i] == Preamble[0] && joined[i+1] == Preamble[1] &&
				joined[i+2] == Preamble[2] && joined[i+3] == Preamble[3] {
				found++
			}
		}
	}

	for i := 0; i+len(Preamble) <= len(chunk); i++ {
		if chunk[i] == Preamble[0] && chunk[i+1] == Preamble[1] &&
			chunk[i+2] == Preamble[2] && chunk[i+3] == Preamble[3] {
			found++
		}
	}

	n := len(chunk)
	if n >= 3 {
		copy(s.carry[:], chunk[n-3:])
		s.ncarry = 3
	} else {
		// Short chunk: shift the existing carry and append.
		var joined [6]byte
		m := copy(joined[:], s.carry[:s.ncarry])
		m += copy(joined[m:], chunk)
		start := 0
		if m > 3 {
			start = m - 3
		}
		s.ncarry = copy(s.carry[:], joined[start:m])
	}

	s.bursts += uint64(found)
	return found
}

// Bursts returns the total number of preambles seen so far.
func (s *Scanner) Bursts() uint64 {
	return s.bursts
}
