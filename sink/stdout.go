package sink

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/zsiec/ac3live/profile"
	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/shutdown"
)

// stdout writes use a deadline when the destination supports one (os.File
// pipes do), so a stalled downstream cannot hold the worker past the
// shutdown re-check interval.
const (
	stdoutIdleSleep     = 5 * time.Millisecond
	stdoutWriteDeadline = 50 * time.Millisecond
)

// deadlineWriter is the subset of *os.File the stdout worker relies on for
// bounded blocking. Plain io.Writers (test buffers) skip the deadline path.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// StdoutWriter is variant C: a worker thread that drains the output ring to
// process stdout. On shutdown it flushes whatever the ring still holds, so
// short captures are not truncated, then exits.
type StdoutWriter struct {
	log  *slog.Logger
	out  *ring.Ring[byte]
	tok  *shutdown.Token
	c    *Counters
	prof *profile.Profiler
	w    io.Writer
}

// NewStdoutWriter creates the worker. w is normally os.Stdout; tests pass a
// buffer. counters must be non-nil; prof may be nil.
func NewStdoutWriter(out *ring.Ring[byte], tok *shutdown.Token, counters *Counters, prof *profile.Profiler, w io.Writer, log *slog.Logger) *StdoutWriter {
	if log == nil {
		log = slog.Default()
	}
	return &StdoutWriter{
		log:  log.With("component", "stdout-sink"),
		out:  out,
		tok:  tok,
		c:    counters,
		prof: prof,
		w:    w,
	}
}

// Run drains the ring until shutdown, then performs a final drain and
// returns. A write failure other than a deadline is fatal and requests
// shutdown.
func (s *StdoutWriter) Run() error {
	s.tok.Register()
	defer s.tok.Acknowledge()

	buf := make([]byte, 4096)
	for !s.tok.Requested() {
		n := s.out.Read(buf)
		if n == 0 {
			time.Sleep(stdoutIdleSleep)
			continue
		}
		if err := s.write(buf[:n]); err != nil {
			if !s.tok.Requested() {
				s.tok.Request()
				return err
			}
			return nil
		}
	}

	// Final drain: emit everything the reader managed to push before the
	// pipeline stopped.
	for {
		n := s.out.Read(buf)
		if n == 0 {
			return nil
		}
		if err := s.write(buf[:n]); err != nil {
			s.log.Warn("final drain aborted", "error", err)
			return nil
		}
	}
}

// write pushes b fully, waking at the deadline interval to re-check the
// shutdown token while the downstream is stalled.
func (s *StdoutWriter) write(b []byte) error {
	dw, bounded := s.w.(deadlineWriter)
	for len(b) > 0 {
		if bounded {
			_ = dw.SetWriteDeadline(time.Now().Add(stdoutWriteDeadline))
		}
		n, err := s.w.Write(b)
		b = b[n:]
		if n > 0 {
			s.c.BytesOut.Add(uint64(n))
			s.prof.RecordArrival(profile.SinkDrain)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if s.tok.Requested() {
					s.c.WriteStall.Add(1)
					return err
				}
				continue
			}
			return err
		}
	}
	return nil
}
