package sink

import (
	"github.com/zsiec/ac3live/profile"
	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/spdif"
)

// Playback is variant A: the in-graph playback callback. The graph's RT
// thread calls Fill for every quantum; Fill reads whatever the output ring
// holds and zero-pads the remainder so the carrier clock never slips.
// No allocation, no locks, no logging.
type Playback struct {
	out  *ring.Ring[byte]
	c    *Counters
	prof *profile.Profiler
}

// NewPlayback creates the playback callback state. counters must be
// non-nil; prof may be nil.
func NewPlayback(out *ring.Ring[byte], counters *Counters, prof *profile.Profiler) *Playback {
	return &Playback{out: out, c: counters, prof: prof}
}

// Fill writes up to len(buf) bytes of carrier data into buf, zero-filling
// any shortfall, and returns the number of bytes valid (always a whole
// number of stereo frames). Safe to call from a real-time callback.
func (p *Playback) Fill(buf []byte) int {
	n := len(buf) - len(buf)%spdif.FrameBytes

	// The ring only ever holds whole carrier frames, so a bounded read of
	// an aligned length comes back aligned.
	read := p.out.Read(buf[:n])
	if read < n {
		zero(buf[read:n])
		p.c.Underruns.Add(1)
	}
	if read > 0 {
		p.c.BytesOut.Add(uint64(read))
		p.prof.RecordArrival(profile.SinkDrain)
	}
	return n
}
