package sink

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/shutdown"
	"github.com/zsiec/ac3live/spdif"
)

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in           string
		card, device uint
		wantErr      bool
	}{
		{"hw:1,2", 1, 2, false},
		{"hw:0", 0, 0, false},
		{"3,1", 3, 1, false},
		{"2", 2, 0, false},
		{"hw:", 0, 0, true},
		{"", 0, 0, true},
		{"hw:a,b", 0, 0, true},
		{"hw:1,x", 0, 0, true},
	}
	for _, tt := range tests {
		card, device, err := ParseDevice(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.card, card, tt.in)
		assert.Equal(t, tt.device, device, tt.in)
	}
}

func TestPlaybackFillFull(t *testing.T) {
	out := ring.New[byte](1024)
	c := &Counters{}
	p := NewPlayback(out, c, nil)

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.Equal(t, 64, out.Write(data))

	buf := make([]byte, 64)
	n := p.Fill(buf)
	assert.Equal(t, 64, n)
	assert.Equal(t, data, buf)
	assert.Zero(t, c.Underruns.Load())
	assert.Equal(t, uint64(64), c.BytesOut.Load())
}

func TestPlaybackFillUnderflowZeroPads(t *testing.T) {
	out := ring.New[byte](1024)
	c := &Counters{}
	p := NewPlayback(out, c, nil)

	require.Equal(t, 8, out.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8}))

	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xAA // stale garbage that must be overwritten
	}
	n := p.Fill(buf)
	assert.Equal(t, 16, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf[:8])
	assert.Equal(t, make([]byte, 8), buf[8:], "shortfall must be silence")
	assert.Equal(t, uint64(1), c.Underruns.Load())
}

func TestPlaybackFillEmptyRingIsAllSilence(t *testing.T) {
	out := ring.New[byte](1024)
	c := &Counters{}
	p := NewPlayback(out, c, nil)

	buf := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	n := p.Fill(buf)
	assert.Equal(t, 8, n)
	assert.Equal(t, make([]byte, 8), buf)
	assert.Equal(t, uint64(1), c.Underruns.Load())
}

func TestPlaybackFillAlignsRequest(t *testing.T) {
	out := ring.New[byte](1024)
	out.Write(make([]byte, 64))
	p := NewPlayback(out, &Counters{}, nil)

	// An unaligned request is truncated to whole stereo frames.
	buf := make([]byte, 10)
	n := p.Fill(buf)
	assert.Equal(t, 8, n)
	assert.Zero(t, n%spdif.FrameBytes)
}

func TestStdoutWriterDrainsAndExits(t *testing.T) {
	out := ring.New[byte](4096)
	tok := shutdown.NewToken()
	c := &Counters{}
	var sb lockedBuffer

	w := NewStdoutWriter(out, tok, c, nil, &sb, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = w.Run()
	}()

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.Equal(t, len(payload), out.Write(payload))

	deadline := time.Now().Add(2 * time.Second)
	for sb.Len() < len(payload) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Park more bytes, then request shutdown: the final drain must flush them.
	require.Equal(t, 128, out.Write(payload[:128]))
	tok.Request()
	wg.Wait()

	require.NoError(t, runErr)
	assert.Equal(t, len(payload)+128, sb.Len())
	assert.Equal(t, payload, sb.Bytes()[:len(payload)])
	assert.Equal(t, uint64(len(payload)+128), c.BytesOut.Load())
	assert.Zero(t, out.AvailableRead(), "ring must be empty after the final drain")
}

func TestStdoutWriterIdleShutdown(t *testing.T) {
	out := ring.New[byte](1024)
	tok := shutdown.NewToken()
	var sb lockedBuffer
	w := NewStdoutWriter(out, tok, &Counters{}, nil, &sb, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	time.Sleep(20 * time.Millisecond)
	tok.Request()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("idle stdout worker did not exit on shutdown")
	}
	assert.Zero(t, sb.Len())
}

// lockedBuffer is a goroutine-safe bytes.Buffer: Run writes while the test
// polls Len.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
