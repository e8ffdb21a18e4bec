// Package sink drains the encoded output ring to its final destination.
// Three variants share one contract: reads are whole 4-byte stereo carrier
// frames, blocking is bounded so the shutdown token is re-checked promptly,
// and underflow is filled with silence whenever an external clock drives the
// sink.
//
// Variant A (Playback) is a real-time callback driven by the audio graph.
// Variants B (ALSAWriter) and C (StdoutWriter) are ordinary worker threads.
package sink

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Worker is the interface the session uses to supervise the thread-driven
// variants. Run blocks until shutdown is requested (or a fatal write error)
// and returns only after the sink has been quiesced.
type Worker interface {
	Run() error
}

// Counters are the sink-side relaxed counters shared with the stats
// snapshot.
type Counters struct {
	BytesOut   atomic.Uint64
	Underruns  atomic.Uint64
	WriteStall atomic.Uint64
}

// ParseDevice splits an ALSA device string into card and device numbers.
// Accepted forms: "hw:1,2", "hw:1" (device 0), "1,2", "1".
func ParseDevice(s string) (card, device uint, err error) {
	spec := strings.TrimPrefix(s, "hw:")
	if spec == "" {
		return 0, 0, fmt.Errorf("empty ALSA device %q", s)
	}
	parts := strings.SplitN(spec, ",", 2)

	c, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("ALSA device %q: bad card: %w", s, err)
	}
	var d uint64
	if len(parts) == 2 {
		if d, err = strconv.ParseUint(parts[1], 10, 32); err != nil {
			return 0, 0, fmt.Errorf("ALSA device %q: bad device: %w", s, err)
		}
	}
	return uint(c), uint(d), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
