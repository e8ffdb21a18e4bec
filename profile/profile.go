// Package profile implements the optional latency profiler. Sample sites on
// real-time paths are a single monotonic clock read plus one atomic append
// into a pre-allocated ring; the background reporter wakes once per second,
// snapshots each ring, and logs avg/p50/p95/max per metric.
package profile

import (
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

// Metric identifies one profiled series. The first four are arrival-time
// stages recorded as monotonic timestamps; the reporter summarizes the gaps
// between consecutive arrivals. The rest are duration metrics recorded
// directly by the encoder workers.
type Metric int

const (
	CaptureEnqueue Metric = iota
	FeederWrite
	ReaderRead
	SinkDrain

	FeederBatch
	FeederQueueDelay
	FeederStdinIO
	ReaderStdoutWait
	ReaderOutputQueueDelay
	ReaderBackpressure

	numMetrics
)

var metricNames = [numMetrics]string{
	CaptureEnqueue:         "capture.enqueue_gap_ms",
	FeederWrite:            "feeder.write_gap_ms",
	ReaderRead:             "reader.read_gap_ms",
	SinkDrain:              "sink.drain_gap_ms",
	FeederBatch:            "feeder.batch_ms",
	FeederQueueDelay:       "feeder.queue_delay_ms",
	FeederStdinIO:          "feeder.stdin_io_ms",
	ReaderStdoutWait:       "reader.stdout_wait_ms",
	ReaderOutputQueueDelay: "reader.output_queue_delay_ms",
	ReaderBackpressure:     "reader.output_backpressure_ms",
}

func (m Metric) arrival() bool { return m <= SinkDrain }

// String returns the metric's report name.
func (m Metric) String() string { return metricNames[m] }

// sampleRing is a fixed-capacity overwrite-on-full ring of int64 samples.
// One writer per ring; the reporter reads concurrently. Samples are stored
// with atomic ops so a reader never observes a torn value, only a stale one.
type sampleRing struct {
	head  atomic.Uint64
	slots [ringCap]atomic.Int64
}

const ringCap = 4096

func (r *sampleRing) append(v int64) {
	h := r.head.Load()
	r.slots[h%ringCap].Store(v)
	r.head.Store(h + 1)
}

// snapshotSince copies the samples recorded after the given head position.
// Returns the copied values and the new head.
func (r *sampleRing) snapshotSince(since uint64) ([]int64, uint64) {
	h := r.head.Load()
	n := h - since
	if n == 0 {
		return nil, h
	}
	if n > ringCap {
		// Overwritten between reports; keep what survives.
		since = h - ringCap
		n = ringCap
	}
	out := make([]int64, 0, n)
	for i := since; i < h; i++ {
		out = append(out, r.slots[i%ringCap].Load())
	}
	return out, h
}

// Summary holds the percentile digest for one metric over one report window.
type Summary struct {
	Count int
	AvgMs float64
	P50Ms float64
	P95Ms float64
	MaxMs float64
}

// Profiler owns the per-metric sample rings and the reporter goroutine.
// A nil *Profiler is valid: every method is a no-op, so call sites do not
// branch on whether profiling is enabled.
type Profiler struct {
	log   *slog.Logger
	start time.Time

	rings [numMetrics]sampleRing

	// Reporter-only state.
	seen        [numMetrics]uint64
	lastArrival [numMetrics]int64

	stop chan struct{}
	done chan struct{}
}

// New creates a profiler. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Profiler {
	if log == nil {
		log = slog.Default()
	}
	p := &Profiler{
		log:   log.With("component", "profiler"),
		start: time.Now(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for i := range p.lastArrival {
		p.lastArrival[i] = -1
	}
	return p
}

// RecordArrival appends the current monotonic time to an arrival-stage ring.
// Safe on real-time paths: one clock read, one atomic store.
func (p *Profiler) RecordArrival(m Metric) {
	if p == nil {
		return
	}
	p.rings[m].append(time.Since(p.start).Microseconds())
}

// RecordDuration appends an elapsed duration to a duration-metric ring.
func (p *Profiler) RecordDuration(m Metric, d time.Duration) {
	if p == nil {
		return
	}
	p.rings[m].append(d.Microseconds())
}

// Start launches the once-per-second reporter.
func (p *Profiler) Start() {
	if p == nil {
		return
	}
	go p.run()
}

// Stop halts the reporter after one final report and waits for it to exit.
func (p *Profiler) Stop() {
	if p == nil {
		return
	}
	close(p.stop)
	<-p.done
}

func (p *Profiler) run() {
	defer close(p.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.report()
		case <-p.stop:
			p.report()
			return
		}
	}
}

func (p *Profiler) report() {
	for m := Metric(0); m < numMetrics; m++ {
		samples, head := p.rings[m].snapshotSince(p.seen[m])
		p.seen[m] = head
		if len(samples) == 0 {
			continue
		}

		var values []float64
		if m.arrival() {
			values = p.arrivalGapsMs(m, samples)
		} else {
			values = make([]float64, len(samples))
			for i, v := range samples {
				values[i] = float64(v) / 1000.0
			}
		}

		if s, ok := Summarize(values); ok {
			p.log.Info("latency",
				"metric", m.String(),
				"n", s.Count,
				"avg_ms", s.AvgMs,
				"p50_ms", s.P50Ms,
				"p95_ms", s.P95Ms,
				"max_ms", s.MaxMs,
			)
		}
	}
}

// arrivalGapsMs converts a window of arrival timestamps into inter-arrival
// gaps, carrying the last timestamp of the previous window so no gap is lost
// at report boundaries.
func (p *Profiler) arrivalGapsMs(m Metric, samples []int64) []float64 {
	prev := p.lastArrival[m]
	gaps := make([]float64, 0, len(samples))
	for _, ts := range samples {
		if prev >= 0 {
			gaps = append(gaps, float64(ts-prev)/1000.0)
		}
		prev = ts
	}
	p.lastArrival[m] = prev
	return gaps
}

// Summarize computes the count/avg/p50/p95/max digest of a window. Returns
// ok=false for an empty window. values is sorted in place.
func Summarize(values []float64) (Summary, bool) {
	if len(values) == 0 {
		return Summary{}, false
	}
	sort.Float64s(values)

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	n := len(values)
	return Summary{
		Count: n,
		AvgMs: sum / float64(n),
		P50Ms: values[(n-1)*50/100],
		P95Ms: values[(n-1)*95/100],
		MaxMs: values[n-1],
	}, true
}
