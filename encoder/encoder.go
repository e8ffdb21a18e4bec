// Package encoder drives the external AC-3 encoder as a subprocess. The
// driver owns the child's stdin and stdout and the two worker threads that
// couple them to the rings: the feeder (input ring → stdin) and the reader
// (stdout → output ring). Both workers poll the shutdown token so that
// neither a full output ring nor an empty input ring can wedge teardown.
package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zsiec/ac3live/profile"
	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/shutdown"
	"github.com/zsiec/ac3live/spdif"
)

const (
	// SampleRate is the only rate the pipeline runs at.
	SampleRate = 48000
	// InputChannels is the encoder's fixed input channel count.
	InputChannels = 6

	sampleBytes = 4

	// Feeder sleeps briefly when the input ring is empty; well inside the
	// 20 ms shutdown observation bound.
	feederIdleSleep = 250 * time.Microsecond

	// Reader backpressure backoff: exponential between these bounds, with
	// a shutdown re-check every iteration.
	backpressureMin = 100 * time.Microsecond
	backpressureMax = 10 * time.Millisecond

	// Stdout read chunks stay small to avoid bursty pressure on playback.
	minReadChunk = 512
	maxReadChunk = 1024

	// Each shutdown-ladder step gets its own bounded deadline.
	exitGrace = 500 * time.Millisecond
	termGrace = 500 * time.Millisecond
	killGrace = time.Second

	// Target size for the child's stdin/stdout pipes, roughly 20 ms of
	// carrier audio. Best effort; the kernel may refuse.
	pipeSize = 4096
)

// ErrEncoderExited reports that the child died on its own: EOF on stdout or
// a broken pipe on stdin outside of a requested shutdown.
var ErrEncoderExited = errors.New("encoder process exited unexpectedly")

// Config controls the subprocess invocation and feeder batching.
type Config struct {
	// Path is the encoder binary, "ffmpeg" by default.
	Path string
	// Args overrides the full argument list. Nil means the standard AC-3
	// spdif invocation from Args(). Tests substitute a stub here.
	Args []string
	// ThreadQueueSize is ffmpeg's input thread queue depth.
	ThreadQueueSize int
	// ChunkFrames is the feeder batch size in 6-channel frames.
	ChunkFrames int
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "ffmpeg"
	}
	if c.ThreadQueueSize <= 0 {
		c.ThreadQueueSize = 128
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = 128
	}
	return c
}

// Args returns the standard encoder invocation: raw 6-channel float32 LE at
// 48 kHz on stdin, AC-3 at 640 kb/s wrapped in IEC 61937 on stdout, with
// every buffering knob turned down for latency.
func Args(threadQueueSize int) []string {
	return []string{
		"-y",
		"-f", "f32le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(InputChannels),
		"-i", "pipe:0",
		"-c:a", "ac3",
		"-b:a", "640k",
		"-f", "spdif",
		"-fflags", "+nobuffer",
		"-flags", "+low_delay",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-flush_packets", "1",
		"-avioflags", "direct",
		"-thread_queue_size", strconv.Itoa(threadQueueSize),
		"pipe:1",
	}
}

// Counters is a point-in-time snapshot of the driver's byte accounting.
type Counters struct {
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
	Bursts   uint64 `json:"bursts"`
}

// Driver owns the encoder subprocess and its feeder/reader workers.
type Driver struct {
	log  *slog.Logger
	cfg  Config
	in   *ring.Ring[float32]
	out  *ring.Ring[byte]
	tok  *shutdown.Token
	prof *profile.Profiler

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	stdinOnce sync.Once
	waitOnce  sync.Once
	waitCh    chan error
	wg        sync.WaitGroup

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	bursts   atomic.Uint64

	// Fatal conditions recorded by the workers before they set the token;
	// read only after wg.Wait in Stop.
	feederErr error
	readerErr error
}

// New creates a driver. The token and both rings must be shared with the
// capture and sink sides; prof may be nil.
func New(in *ring.Ring[float32], out *ring.Ring[byte], tok *shutdown.Token, prof *profile.Profiler, cfg Config, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		log:    log.With("component", "encoder"),
		cfg:    cfg.withDefaults(),
		in:     in,
		out:    out,
		tok:    tok,
		prof:   prof,
		waitCh: make(chan error, 1),
	}
}

// Start spawns the subprocess and launches the feeder and reader workers.
// On failure nothing is left running.
func (d *Driver) Start() error {
	args := d.cfg.Args
	if args == nil {
		args = Args(d.cfg.ThreadQueueSize)
	}

	cmd := exec.Command(d.cfg.Path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", d.cfg.Path, err)
	}
	d.cmd = cmd
	d.stdin = stdin
	d.stdout = stdout

	d.shrinkPipe(stdin, "stdin")
	d.shrinkPipe(stdout, "stdout")

	d.log.Info("encoder started", "path", d.cfg.Path, "pid", cmd.Process.Pid,
		"chunk_frames", d.cfg.ChunkFrames, "thread_queue_size", d.cfg.ThreadQueueSize)

	d.tok.Register()
	d.tok.Register()
	d.wg.Add(2)
	go d.feed()
	go d.read()
	return nil
}

// shrinkPipe reduces a pipe's kernel buffer to cut latency between the
// feeder, the encoder, and the reader. Failures are expected on some
// kernels and are only logged at debug.
func (d *Driver) shrinkPipe(pipe any, name string) {
	f, ok := pipe.(*os.File)
	if !ok {
		return
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_SETPIPE_SZ, pipeSize); err != nil {
		d.log.Debug("pipe resize refused", "pipe", name, "error", err)
		return
	}
	d.log.Debug("pipe resized", "pipe", name, "bytes", pipeSize)
}

func (d *Driver) closeStdin() {
	d.stdinOnce.Do(func() {
		if err := d.stdin.Close(); err != nil {
			d.log.Debug("stdin close", "error", err)
		}
	})
}

// feed moves samples from the input ring to encoder stdin in ChunkFrames
// batches. Exits on shutdown (closing stdin so the encoder flushes) or on a
// write failure (broken pipe means the encoder died).
func (d *Driver) feed() {
	defer d.wg.Done()
	defer d.tok.Acknowledge()

	samples := make([]float32, d.cfg.ChunkFrames*InputChannels)
	buf := make([]byte, len(samples)*sampleBytes)

	for !d.tok.Requested() {
		queued := d.in.AvailableRead()
		n := d.in.Read(samples)
		if n == 0 {
			time.Sleep(feederIdleSleep)
			continue
		}

		batchStart := time.Now()
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[i*sampleBytes:], math.Float32bits(samples[i]))
		}

		ioStart := time.Now()
		if _, err := d.stdin.Write(buf[:n*sampleBytes]); err != nil {
			if !d.tok.Requested() {
				if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
					d.log.Warn("encoder stdin closed, stopping pipeline")
					d.feederErr = ErrEncoderExited
				} else {
					d.feederErr = fmt.Errorf("write to encoder stdin: %w", err)
				}
				d.tok.Request()
			}
			return
		}
		d.bytesIn.Add(uint64(n * sampleBytes))

		d.prof.RecordArrival(profile.FeederWrite)
		d.prof.RecordDuration(profile.FeederBatch, time.Since(batchStart))
		d.prof.RecordDuration(profile.FeederStdinIO, time.Since(ioStart))
		d.prof.RecordDuration(profile.FeederQueueDelay, queueDelay(queued))
	}

	// EOF tells the encoder to flush its tail.
	d.closeStdin()
}

// queueDelay converts a sample backlog into the time it represents.
func queueDelay(samples int) time.Duration {
	return time.Duration(float64(samples) / (InputChannels * SampleRate) * float64(time.Second))
}

// readChunkSize picks the stdout read size: an eighth of the output ring,
// clamped and rounded down to whole carrier frames.
func readChunkSize(outCapacity int) int {
	size := outCapacity / 8
	if size < minReadChunk {
		size = minReadChunk
	}
	if size > maxReadChunk {
		size = maxReadChunk
	}
	size -= size % spdif.FrameBytes
	if size == 0 {
		size = spdif.FrameBytes
	}
	return size
}

// read drains encoder stdout into the output ring. Only whole 4-byte
// carrier frames are published; a short read's remainder is carried into
// the next iteration. EOF or a read error sets the shutdown token.
func (d *Driver) read() {
	defer d.wg.Done()
	defer d.tok.Acknowledge()

	chunk := readChunkSize(d.out.Capacity())
	d.log.Debug("reader chunk size", "bytes", chunk, "out_capacity", d.out.Capacity())

	buf := make([]byte, chunk+spdif.FrameBytes)
	pending := 0
	var scan spdif.Scanner

	for {
		waitStart := time.Now()
		n, err := d.stdout.Read(buf[pending : pending+chunk])
		if n > 0 {
			d.prof.RecordDuration(profile.ReaderStdoutWait, time.Since(waitStart))
			d.prof.RecordArrival(profile.ReaderRead)
			d.bytesOut.Add(uint64(n))

			total := pending + n
			aligned := total - total%spdif.FrameBytes
			if aligned > 0 {
				d.bursts.Add(uint64(scan.Feed(buf[:aligned])))
				if !d.push(buf[:aligned]) {
					return // shutdown while backpressured
				}
				copy(buf, buf[aligned:total])
			}
			pending = total - aligned
		}
		if err != nil {
			if !d.tok.Requested() {
				if errors.Is(err, io.EOF) {
					d.log.Warn("encoder stdout closed, stopping pipeline")
					d.readerErr = ErrEncoderExited
				} else {
					d.readerErr = fmt.Errorf("read encoder stdout: %w", err)
				}
				d.tok.Request()
			}
			return
		}
	}
}

// push writes b into the output ring, retrying with exponential backoff when
// the ring is full. Returns false when shutdown was requested before the
// whole buffer fit; the remainder is dropped so the reader can exit.
func (d *Driver) push(b []byte) bool {
	written := 0
	delay := backpressureMin
	var stalled time.Duration

	for written < len(b) {
		n := d.out.Write(b[written:])
		written += n
		if written == len(b) {
			break
		}
		if n > 0 {
			delay = backpressureMin
		}
		if d.tok.Requested() {
			return false
		}
		time.Sleep(delay)
		stalled += delay
		if delay *= 2; delay > backpressureMax {
			delay = backpressureMax
		}
	}

	if stalled > 0 {
		d.prof.RecordDuration(profile.ReaderBackpressure, stalled)
	}
	d.prof.RecordDuration(profile.ReaderOutputQueueDelay, queueDelayBytes(d.out.AvailableRead()))
	return true
}

// queueDelayBytes converts an output backlog into carrier time.
func queueDelayBytes(bytes int) time.Duration {
	return time.Duration(float64(bytes) / (spdif.FrameBytes * SampleRate) * float64(time.Second))
}

// Stop runs the shutdown ladder: request shutdown, close stdin so the
// encoder flushes and exits, escalate to SIGTERM then SIGKILL on deadline,
// reap the child, and only then join the workers. Every step is bounded.
// Returns a fatal error when the encoder died on its own or had to be
// killed; a clean requested shutdown returns nil.
func (d *Driver) Stop() error {
	d.tok.Request()
	d.closeStdin()

	d.waitOnce.Do(func() {
		go func() { d.waitCh <- d.cmd.Wait() }()
	})

	var waitErr error
	forced := false
	select {
	case waitErr = <-d.waitCh:
	case <-time.After(exitGrace):
		d.log.Warn("encoder did not exit on EOF, sending SIGTERM")
		_ = d.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-d.waitCh:
		case <-time.After(termGrace):
			d.log.Warn("encoder ignored SIGTERM, killing")
			forced = true
			_ = d.cmd.Process.Kill()
			select {
			case waitErr = <-d.waitCh:
			case <-time.After(killGrace):
				d.log.Error("encoder unreapable after SIGKILL")
			}
		}
	}

	d.wg.Wait()

	if d.feederErr != nil {
		return d.feederErr
	}
	if d.readerErr != nil {
		return d.readerErr
	}
	if forced {
		return fmt.Errorf("encoder did not terminate in time and was killed")
	}
	// A requested shutdown closes stdin mid-stream; the encoder may report
	// a nonzero status for the truncated input. That is not a failure.
	if waitErr != nil {
		d.log.Debug("encoder exit status", "error", waitErr)
	}
	return nil
}

// Counters returns a snapshot of the driver's byte accounting.
func (d *Driver) Counters() Counters {
	return Counters{
		BytesIn:  d.bytesIn.Load(),
		BytesOut: d.bytesOut.Load(),
		Bursts:   d.bursts.Load(),
	}
}
