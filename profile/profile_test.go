package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	values := []float64{5, 1, 3, 2, 4}
	s, ok := Summarize(values)
	require.True(t, ok)
	assert.Equal(t, 5, s.Count)
	assert.InDelta(t, 3.0, s.AvgMs, 1e-9)
	assert.Equal(t, 3.0, s.P50Ms)
	assert.Equal(t, 4.0, s.P95Ms) // index (5-1)*95/100 = 3
	assert.Equal(t, 5.0, s.MaxMs)
}

func TestSummarizeEmpty(t *testing.T) {
	_, ok := Summarize(nil)
	assert.False(t, ok)
}

func TestSummarizeSingle(t *testing.T) {
	s, ok := Summarize([]float64{7.5})
	require.True(t, ok)
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 7.5, s.P50Ms)
	assert.Equal(t, 7.5, s.P95Ms)
	assert.Equal(t, 7.5, s.MaxMs)
}

func TestSampleRingSnapshot(t *testing.T) {
	var r sampleRing
	for i := int64(0); i < 10; i++ {
		r.append(i)
	}

	samples, head := r.snapshotSince(0)
	require.Len(t, samples, 10)
	assert.Equal(t, uint64(10), head)
	assert.Equal(t, int64(0), samples[0])
	assert.Equal(t, int64(9), samples[9])

	// Nothing new since the last snapshot.
	samples, head = r.snapshotSince(head)
	assert.Empty(t, samples)
	assert.Equal(t, uint64(10), head)
}

func TestSampleRingOverwrite(t *testing.T) {
	var r sampleRing
	total := int64(ringCap + 100)
	for i := int64(0); i < total; i++ {
		r.append(i)
	}

	// A reader that fell behind only gets the surviving window.
	samples, head := r.snapshotSince(0)
	require.Len(t, samples, ringCap)
	assert.Equal(t, uint64(total), head)
	assert.Equal(t, total-ringCap, samples[0])
	assert.Equal(t, total-1, samples[len(samples)-1])
}

func TestNilProfilerIsInert(t *testing.T) {
	var p *Profiler
	// Must not panic anywhere.
	p.RecordArrival(CaptureEnqueue)
	p.RecordDuration(FeederBatch, time.Millisecond)
	p.Start()
	p.Stop()
}

func TestArrivalGapsCarryAcrossWindows(t *testing.T) {
	p := New(nil)

	gaps := p.arrivalGapsMs(CaptureEnqueue, []int64{1000, 3000, 6000})
	require.Len(t, gaps, 2)
	assert.InDelta(t, 2.0, gaps[0], 1e-9)
	assert.InDelta(t, 3.0, gaps[1], 1e-9)

	// The first sample of the next window pairs with the last of this one.
	gaps = p.arrivalGapsMs(CaptureEnqueue, []int64{10000})
	require.Len(t, gaps, 1)
	assert.InDelta(t, 4.0, gaps[0], 1e-9)
}

func TestProfilerStartStop(t *testing.T) {
	p := New(nil)
	p.RecordDuration(FeederStdinIO, 2*time.Millisecond)
	p.RecordArrival(ReaderRead)
	p.Start()
	p.Stop() // must emit the final report and join without hanging
}
