package encoder

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/shutdown"
	"github.com/zsiec/ac3live/spdif"
)

// catConfig runs the pipeline against /bin/cat instead of ffmpeg: bytes fed
// to stdin come back on stdout unchanged, which exercises the feeder, the
// reader, and the shutdown ladder without requiring an encoder binary.
func catConfig() Config {
	return Config{Path: "cat", Args: []string{}, ChunkFrames: 8}
}

func newHarness(t *testing.T, cfg Config, outBytes int) (*Driver, *ring.Ring[float32], *ring.Ring[byte], *shutdown.Token) {
	t.Helper()
	in := ring.New[float32](4096 * InputChannels)
	out := ring.New[byte](outBytes)
	tok := shutdown.NewToken()
	return New(in, out, tok, nil, cfg, nil), in, out, tok
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPassthroughPlumbing(t *testing.T) {
	d, in, out, _ := newHarness(t, catConfig(), 1<<16)
	require.NoError(t, d.Start())

	samples := make([]float32, 96*InputChannels)
	for i := range samples {
		samples[i] = float32(i) * 0.25
	}
	require.Equal(t, len(samples), in.Write(samples))

	want := len(samples) * sampleBytes
	waitFor(t, 5*time.Second, func() bool { return out.AvailableRead() >= want },
		"bytes did not round-trip through the subprocess")

	got := make([]byte, want)
	require.Equal(t, want, out.Read(got))
	for i, s := range samples {
		bits := binary.LittleEndian.Uint32(got[i*sampleBytes:])
		require.Equal(t, s, math.Float32frombits(bits), "sample %d", i)
	}

	c := d.Counters()
	assert.Equal(t, uint64(want), c.BytesIn)
	assert.Equal(t, uint64(want), c.BytesOut)

	require.NoError(t, d.Stop())
}

func TestOutputAlwaysFrameAligned(t *testing.T) {
	d, in, out, _ := newHarness(t, catConfig(), 1<<16)
	require.NoError(t, d.Start())

	// 7 floats = 28 bytes: aligned totals even when chunk reads split oddly.
	in.Write(make([]float32, 7))
	waitFor(t, 5*time.Second, func() bool { return out.AvailableRead() >= 28 }, "no output")
	assert.Zero(t, out.AvailableRead()%spdif.FrameBytes)

	require.NoError(t, d.Stop())
}

func TestBurstCounting(t *testing.T) {
	d, in, out, _ := newHarness(t, catConfig(), 1<<16)
	require.NoError(t, d.Start())

	// A float whose little-endian bytes are exactly the IEC preamble.
	preambleBits := binary.LittleEndian.Uint32(spdif.Preamble[:])
	samples := make([]float32, 10*InputChannels)
	samples[0] = math.Float32frombits(preambleBits)
	samples[30] = math.Float32frombits(preambleBits)
	in.Write(samples)

	want := len(samples) * sampleBytes
	waitFor(t, 5*time.Second, func() bool { return out.AvailableRead() >= want }, "no output")
	assert.Equal(t, uint64(2), d.Counters().Bursts)

	require.NoError(t, d.Stop())
}

func TestEncoderDeathRequestsShutdown(t *testing.T) {
	cfg := Config{Path: "sh", Args: []string{"-c", "exit 0"}, ChunkFrames: 8}
	d, in, _, tok := newHarness(t, cfg, 1<<16)
	require.NoError(t, d.Start())

	// Keep the feeder writing so it trips over the dead pipe.
	go func() {
		for !tok.Requested() {
			in.Write(make([]float32, 64*InputChannels))
			time.Sleep(time.Millisecond)
		}
	}()

	waitFor(t, 5*time.Second, tok.Requested, "encoder exit did not request shutdown")

	err := d.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncoderExited)
}

// TestShutdownUnderBackpressure is the regression for the reader spinning
// forever on a full output ring: with no consumer draining and the child
// producing endlessly, a shutdown request must still unwind everything
// within the bounded ladder.
func TestShutdownUnderBackpressure(t *testing.T) {
	cfg := Config{Path: "sh", Args: []string{"-c", "cat /dev/zero"}, ChunkFrames: 8}
	d, _, out, tok := newHarness(t, cfg, 4096)
	require.NoError(t, d.Start())

	// Wait until the ring is actually full and the reader is stalled.
	waitFor(t, 5*time.Second, func() bool { return out.AvailableWrite() == 0 },
		"output ring never filled")

	tok.Request()
	start := time.Now()
	_ = d.Stop() // the child ignores stdin EOF; escalation is expected
	assert.Less(t, time.Since(start), 2*time.Second,
		"shutdown under backpressure exceeded its deadline budget")
}

func TestIdleShutdown(t *testing.T) {
	d, _, _, tok := newHarness(t, catConfig(), 1<<16)
	require.NoError(t, d.Start())

	time.Sleep(50 * time.Millisecond) // idle: no input ever fed
	tok.Request()

	start := time.Now()
	require.NoError(t, d.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, tok.AllAcknowledged())
}

func TestReadChunkSize(t *testing.T) {
	assert.Equal(t, 512, readChunkSize(1024))   // floor
	assert.Equal(t, 1024, readChunkSize(1<<20)) // ceiling
	assert.Equal(t, 1024, readChunkSize(8192))  // 8192/8 = 1024
	assert.Zero(t, readChunkSize(5000)%spdif.FrameBytes)
}

func TestArgs(t *testing.T) {
	args := Args(64)
	assert.Contains(t, args, "f32le")
	assert.Contains(t, args, "spdif")
	assert.Contains(t, args, "640k")
	assert.Contains(t, args, "pipe:0")
	assert.Contains(t, args, "pipe:1")

	// Queue size rides immediately after its flag.
	for i, a := range args {
		if a == "-thread_queue_size" {
			assert.Equal(t, "64", args[i+1])
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, "ffmpeg", c.Path)
	assert.Equal(t, 128, c.ThreadQueueSize)
	assert.Equal(t, 128, c.ChunkFrames)
}

func TestQueueDelay(t *testing.T) {
	// One second of 6-channel samples.
	assert.Equal(t, time.Second, queueDelay(InputChannels*SampleRate))
	// One second of stereo S16 carrier.
	assert.Equal(t, time.Second, queueDelayBytes(spdif.FrameBytes*SampleRate))
}
