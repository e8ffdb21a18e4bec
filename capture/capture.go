// Package capture turns raw audio-graph quanta into 6-channel float frames
// and deposits them in the input ring. Process runs on the graph's real-time
// thread: it never allocates, never locks, never logs, and its cost is
// bounded by the quantum size. Malformed buffers are counted and skipped,
// never fatal.
package capture

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/zsiec/ac3live/profile"
	"github.com/zsiec/ac3live/ring"
)

const (
	// Channels is the fixed input channel count, ordered FL FR FC LFE SL SR.
	Channels = 6
	// SampleBytes is the width of one little-endian float32 sample.
	SampleBytes = 4
	// FrameBytes is one interleaved 6-channel frame.
	FrameBytes = Channels * SampleBytes
)

// Plane describes one data plane of a quantum as delivered by the graph.
// Offset/Size/Stride address the valid region inside Data; none of them are
// trusted and every access is bounds-checked against len(Data).
type Plane struct {
	Data   []byte
	Offset uint32
	Size   uint32
	Stride uint32
}

// Counters are the capture-side relaxed counters, shared with the stats
// snapshot. All increments happen on the RT thread; reads happen anywhere.
type Counters struct {
	FramesPushed      atomic.Uint64
	InputOverruns     atomic.Uint64
	ParseErrors       atomic.Uint64
	UnsupportedLayout atomic.Uint64
}

// Writer parses quanta and pushes whole frames into the input ring.
type Writer struct {
	in   *ring.Ring[float32]
	c    *Counters
	prof *profile.Profiler
}

// NewWriter creates a capture writer. counters must be non-nil; prof may be
// nil to disable profiling.
func NewWriter(in *ring.Ring[float32], counters *Counters, prof *profile.Profiler) *Writer {
	return &Writer{in: in, c: counters, prof: prof}
}

// Process ingests one quantum. Layout is selected by the plane count:
// 1 plane is interleaved 6-channel data, 2/6/8 planes are planar. Anything
// else increments UnsupportedLayout and is skipped.
func (w *Writer) Process(planes []Plane) {
	switch len(planes) {
	case 1:
		w.processInterleaved(&planes[0])
	case 2, 6, 8:
		w.processPlanar(planes)
	default:
		w.c.UnsupportedLayout.Add(1)
	}
}

// validEnd returns the exclusive end of the plane's valid region, clipped to
// the backing slice. Returns 0 if the offset itself is out of range.
func validEnd(p *Plane) uint32 {
	n := uint64(len(p.Data))
	off := uint64(p.Offset)
	if off > n {
		return 0
	}
	end := off + uint64(p.Size)
	if end > n {
		end = n
	}
	return uint32(end)
}

func sampleAt(p *Plane, byteOff uint32) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p.Data[byteOff:]))
}

func (w *Writer) processInterleaved(p *Plane) {
	stride := p.Stride
	if stride == 0 {
		w.c.ParseErrors.Add(1)
		return
	}

	end := validEnd(p)

	// First pass: count frames that pass the bounds and alignment rules.
	// A bad frame terminates the batch; earlier frames still go through.
	frames := uint32(0)
	terminated := false
	for {
		base := uint64(p.Offset) + uint64(frames)*uint64(stride)
		if base+FrameBytes > uint64(end) {
			break
		}
		if base%SampleBytes != 0 {
			terminated = true
			break
		}
		frames++
	}
	if terminated {
		w.c.ParseErrors.Add(1)
	}
	if frames == 0 {
		return
	}

	room := uint32(w.in.AvailableWrite() / Channels)
	push := frames
	if push > room {
		w.c.InputOverruns.Add(uint64(push - room))
		push = room
	}
	if push == 0 {
		return
	}

	v := w.in.ReserveUpTo(int(push) * Channels)
	idx := 0
	for i := uint32(0); i < push; i++ {
		base := p.Offset + i*stride
		for ch := uint32(0); ch < Channels; ch++ {
			viewSet(&v, idx, sampleAt(p, base+ch*SampleBytes))
			idx++
		}
	}
	w.in.Commit(idx)
	w.c.FramesPushed.Add(uint64(push))
	w.prof.RecordArrival(profile.CaptureEnqueue)
}

func (w *Writer) processPlanar(planes []Plane) {
	// Surplus channels of an 8-plane quantum are dropped; a stereo quantum
	// fills FL/FR and zero-pads the rest.
	used := len(planes)
	if used > Channels {
		used = Channels
	}

	frames := uint32(math.MaxUint32)
	for i := 0; i < used; i++ {
		p := &planes[i]
		if p.Offset%SampleBytes != 0 {
			w.c.ParseErrors.Add(1)
			return
		}
		end := validEnd(p)
		var f uint32
		if end > p.Offset {
			f = (end - p.Offset) / SampleBytes
		}
		if f < frames {
			frames = f
		}
	}
	if frames == 0 {
		return
	}

	room := uint32(w.in.AvailableWrite() / Channels)
	push := frames
	if push > room {
		w.c.InputOverruns.Add(uint64(push - room))
		push = room
	}
	if push == 0 {
		return
	}

	v := w.in.ReserveUpTo(int(push) * Channels)
	idx := 0
	for i := uint32(0); i < push; i++ {
		for ch := 0; ch < Channels; ch++ {
			var s float32
			if ch < used {
				p := &planes[ch]
				s = sampleAt(p, p.Offset+i*SampleBytes)
			}
			viewSet(&v, idx, s)
			idx++
		}
	}
	w.in.Commit(idx)
	w.c.FramesPushed.Add(uint64(push))
	w.prof.RecordArrival(profile.CaptureEnqueue)
}

// viewSet writes one sample at a logical index of a split view.
func viewSet(v *ring.SplitView[float32], idx int, s float32) {
	if idx < len(v.First) {
		v.First[idx] = s
	} else {
		v.Second[idx-len(v.First)] = s
	}
}
