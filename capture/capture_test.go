package capture

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ac3live/ring"
)

func newWriter(frames int) (*Writer, *ring.Ring[float32], *Counters) {
	r := ring.New[float32](frames * Channels)
	c := &Counters{}
	return NewWriter(r, c, nil), r, c
}

func putFloat(buf []byte, off int, f float32) {
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
}

// interleavedPlane builds a dense interleaved plane of the given frames,
// sample value = frame*10 + channel.
func interleavedPlane(frames int) Plane {
	buf := make([]byte, frames*FrameBytes)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < Channels; ch++ {
			putFloat(buf, i*FrameBytes+ch*SampleBytes, float32(i*10+ch))
		}
	}
	return Plane{Data: buf, Offset: 0, Size: uint32(len(buf)), Stride: FrameBytes}
}

func drainFrames(t *testing.T, r *ring.Ring[float32]) [][]float32 {
	t.Helper()
	avail := r.AvailableRead()
	require.Zero(t, avail%Channels, "ring must hold whole frames")
	buf := make([]float32, avail)
	require.Equal(t, avail, r.Read(buf))
	frames := make([][]float32, 0, avail/Channels)
	for i := 0; i < avail; i += Channels {
		frames = append(frames, buf[i:i+Channels])
	}
	return frames
}

func TestInterleavedDense(t *testing.T) {
	w, r, c := newWriter(64)
	w.Process([]Plane{interleavedPlane(4)})

	frames := drainFrames(t, r)
	require.Len(t, frames, 4)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, frames[0])
	assert.Equal(t, []float32{30, 31, 32, 33, 34, 35}, frames[3])
	assert.Equal(t, uint64(4), c.FramesPushed.Load())
	assert.Zero(t, c.ParseErrors.Load())
}

func TestInterleavedWithStrideAndOffset(t *testing.T) {
	const frames = 3
	const stride = FrameBytes + 8 // 8 bytes of inter-frame padding
	const offset = 16

	buf := make([]byte, offset+frames*stride)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < Channels; ch++ {
			putFloat(buf, offset+i*stride+ch*SampleBytes, float32(100*i+ch))
		}
	}

	w, r, c := newWriter(64)
	w.Process([]Plane{{Data: buf, Offset: offset, Size: uint32(len(buf) - offset), Stride: stride}})

	got := drainFrames(t, r)
	require.Len(t, got, frames)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, got[0])
	assert.Equal(t, []float32{200, 201, 202, 203, 204, 205}, got[2])
	assert.Zero(t, c.ParseErrors.Load())
}

func TestInterleavedZeroStride(t *testing.T) {
	w, r, c := newWriter(16)
	p := interleavedPlane(2)
	p.Stride = 0
	w.Process([]Plane{p})

	assert.Zero(t, r.AvailableRead())
	assert.Equal(t, uint64(1), c.ParseErrors.Load())
}

func TestInterleavedMisalignedOffset(t *testing.T) {
	w, r, c := newWriter(16)
	p := interleavedPlane(2)
	p.Offset = 2 // not a multiple of the sample width
	w.Process([]Plane{p})

	assert.Zero(t, r.AvailableRead())
	assert.Equal(t, uint64(1), c.ParseErrors.Load())
}

func TestInterleavedSizeBeyondBacking(t *testing.T) {
	// Size lies about the region: only what fits inside Data is parsed.
	w, r, c := newWriter(16)
	p := interleavedPlane(2)
	p.Size = uint32(len(p.Data)) + 1000
	w.Process([]Plane{p})

	require.Len(t, drainFrames(t, r), 2)
	assert.Zero(t, c.ParseErrors.Load())
}

func TestInterleavedTruncatedTail(t *testing.T) {
	// 2.5 frames of valid bytes parse as 2 whole frames, no error.
	w, r, c := newWriter(16)
	p := interleavedPlane(3)
	p.Size = uint32(2*FrameBytes + FrameBytes/2)
	w.Process([]Plane{p})

	require.Len(t, drainFrames(t, r), 2)
	assert.Zero(t, c.ParseErrors.Load())
}

func planarPlanes(n, frames int) []Plane {
	planes := make([]Plane, n)
	for ch := 0; ch < n; ch++ {
		buf := make([]byte, frames*SampleBytes)
		for i := 0; i < frames; i++ {
			putFloat(buf, i*SampleBytes, float32(ch*1000+i))
		}
		planes[ch] = Plane{Data: buf, Offset: 0, Size: uint32(len(buf)), Stride: SampleBytes}
	}
	return planes
}

func TestPlanarSixChannels(t *testing.T) {
	w, r, c := newWriter(64)
	w.Process(planarPlanes(6, 3))

	frames := drainFrames(t, r)
	require.Len(t, frames, 3)
	assert.Equal(t, []float32{0, 1000, 2000, 3000, 4000, 5000}, frames[0])
	assert.Equal(t, []float32{2, 1002, 2002, 3002, 4002, 5002}, frames[2])
	assert.Zero(t, c.ParseErrors.Load())
}

func TestPlanarStereoZeroPads(t *testing.T) {
	w, r, _ := newWriter(64)
	w.Process(planarPlanes(2, 2))

	frames := drainFrames(t, r)
	require.Len(t, frames, 2)
	// FL/FR carried, FC/LFE/SL/SR zeroed.
	assert.Equal(t, []float32{0, 1000, 0, 0, 0, 0}, frames[0])
	assert.Equal(t, []float32{1, 1001, 0, 0, 0, 0}, frames[1])
}

func TestPlanarEightChannelsDropsSurplus(t *testing.T) {
	w, r, _ := newWriter(64)
	w.Process(planarPlanes(8, 2))

	frames := drainFrames(t, r)
	require.Len(t, frames, 2)
	assert.Equal(t, []float32{0, 1000, 2000, 3000, 4000, 5000}, frames[0])
}

func TestPlanarShortestPlaneWins(t *testing.T) {
	w, r, _ := newWriter(64)
	planes := planarPlanes(6, 4)
	planes[3].Size = 2 * SampleBytes // LFE plane has only 2 samples
	w.Process(planes)

	assert.Len(t, drainFrames(t, r), 2)
}

func TestUnsupportedLayout(t *testing.T) {
	w, r, c := newWriter(16)
	w.Process(planarPlanes(3, 2))
	w.Process(planarPlanes(5, 2))
	w.Process(nil)

	assert.Zero(t, r.AvailableRead())
	assert.Equal(t, uint64(3), c.UnsupportedLayout.Load())
}

func TestOverrunDropsNewestAndCounts(t *testing.T) {
	w, r, c := newWriter(4)
	room := uint64(r.Capacity() / Channels) // capacity rounds up to a power of two
	w.Process([]Plane{interleavedPlane(10)})

	assert.Len(t, drainFrames(t, r), int(room))
	assert.Equal(t, 10-room, c.InputOverruns.Load())
	assert.Equal(t, room, c.FramesPushed.Load())
}

func TestOverrunFullRing(t *testing.T) {
	w, r, c := newWriter(2)
	w.Process([]Plane{interleavedPlane(2)})
	require.Equal(t, 2*Channels, r.AvailableRead())

	w.Process([]Plane{interleavedPlane(3)})
	assert.Equal(t, uint64(3), c.InputOverruns.Load())
	assert.Equal(t, 2*Channels, r.AvailableRead(), "full ring drops everything new")
}

func TestWholeFramesInvariant(t *testing.T) {
	// Regardless of layout, the ring only ever holds multiples of 6 floats.
	w, r, _ := newWriter(64)
	w.Process([]Plane{interleavedPlane(5)})
	assert.Zero(t, r.AvailableRead()%Channels)
	w.Process(planarPlanes(2, 7))
	assert.Zero(t, r.AvailableRead()%Channels)
}
