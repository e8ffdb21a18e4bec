// Package session is the control plane: it owns construction order, the
// shutdown token, and the reverse-order teardown of the whole pipeline.
// Construction: validate parameters, create rings, spawn the encoder, start
// the sink workers, attach the graph, start the profiler. Teardown stops the
// graph loop, runs the encoder's shutdown ladder, joins the sink workers,
// then closes the graph and stops the profiler, each step bounded.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/ac3live/alsactl"
	"github.com/zsiec/ac3live/capture"
	"github.com/zsiec/ac3live/config"
	"github.com/zsiec/ac3live/encoder"
	"github.com/zsiec/ac3live/graph"
	"github.com/zsiec/ac3live/profile"
	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/shutdown"
	"github.com/zsiec/ac3live/sink"
)

// Options are the injection points the binary leaves at their defaults and
// tests override.
type Options struct {
	// Logger for all components. Nil means slog.Default().
	Logger *slog.Logger
	// NewBinding attaches to the audio graph. Nil means graph.NewPipeWire.
	NewBinding func(log *slog.Logger) (graph.Binding, error)
	// Encoder overrides the encoder invocation (tests substitute a stub
	// command). ThreadQueueSize and ChunkFrames are always taken from the
	// parameters, not from here.
	Encoder encoder.Config
	// StdoutSink is the destination for the --stdout variant. Nil means
	// os.Stdout.
	StdoutSink io.Writer
}

// Snapshot aggregates the pipeline's counters and ring fill levels for the
// periodic stats log.
type Snapshot struct {
	SessionID         string           `json:"sessionId"`
	UptimeMs          int64            `json:"uptimeMs"`
	InputRingSamples  int              `json:"inputRingSamples"`
	OutputRingBytes   int              `json:"outputRingBytes"`
	FramesPushed      uint64           `json:"framesPushed"`
	InputOverruns     uint64           `json:"inputOverruns"`
	ParseErrors       uint64           `json:"parseErrors"`
	UnsupportedLayout uint64           `json:"unsupportedLayout"`
	Encoder           encoder.Counters `json:"encoder"`
	SinkBytesOut      uint64           `json:"sinkBytesOut"`
	OutputUnderruns   uint64           `json:"outputUnderruns"`
}

// Session ties the components together for one run of the daemon.
type Session struct {
	log    *slog.Logger
	base   *slog.Logger
	id     string
	params config.Params
	opts   Options

	tok  *shutdown.Token
	in   *ring.Ring[float32]
	out  *ring.Ring[byte]
	prof *profile.Profiler

	capCounters  capture.Counters
	sinkCounters sink.Counters

	drv     *encoder.Driver
	started time.Time
}

// New validates the parameters and builds the rings and counters. Nothing
// is spawned until Run.
func New(params config.Params, opts Options) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.NewBinding == nil {
		opts.NewBinding = graph.NewPipeWire
	}
	if opts.StdoutSink == nil {
		opts.StdoutSink = os.Stdout
	}

	s := &Session{
		log:    log.With("component", "session"),
		base:   log,
		id:     uuid.NewString(),
		params: params,
		opts:   opts,
		tok:    shutdown.NewToken(),
		in:     ring.New[float32](params.InputRingSamples()),
		out:    ring.New[byte](params.OutputRingBytes()),
	}
	if params.ProfileLatency {
		s.prof = profile.New(log)
	}
	return s, nil
}

// Token returns the session's shutdown token, for the signal handler.
func (s *Session) Token() *shutdown.Token { return s.tok }

// InputRing exposes the capture ring; used by tests to inject samples.
func (s *Session) InputRing() *ring.Ring[float32] { return s.in }

// OutputRing exposes the encoded ring; used by tests to inspect output.
func (s *Session) OutputRing() *ring.Ring[byte] { return s.out }

// Run brings the pipeline up, blocks until shutdown is requested (by the
// context, a signal, or a dying encoder), and tears everything down in
// reverse order. The returned error is nil exactly when the run ended by
// request rather than by failure.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	s.log.Info("session starting", "id", s.id,
		"input_ring_samples", s.in.Capacity(), "output_ring_bytes", s.out.Capacity(),
		"variant", s.variant())

	encCfg := s.opts.Encoder
	encCfg.ThreadQueueSize = s.params.ThreadQueueSize
	encCfg.ChunkFrames = s.params.ChunkFrames
	s.drv = encoder.New(s.in, s.out, s.tok, s.prof, encCfg, s.base)
	if err := s.drv.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	var guard *alsactl.Guard
	g := new(errgroup.Group)
	capWriter := capture.NewWriter(s.in, &s.capCounters, s.prof)
	gcfg := graph.Config{Target: s.params.Target, Latency: s.params.Latency}

	var binding graph.Binding
	switch {
	case s.params.Stdout:
		w := sink.NewStdoutWriter(s.out, s.tok, &s.sinkCounters, s.prof, s.opts.StdoutSink, s.base)
		g.Go(w.Run)

	case s.params.ALSADirect:
		guard = alsactl.NewGuard(s.params.IECCard, s.params.IECIndex, s.base)
		guard.Setup()
		w := sink.NewALSAWriter(s.params.Target, s.out, s.tok, &s.sinkCounters, s.prof, s.base)
		g.Go(func() error {
			if err := w.Run(); err != nil {
				s.tok.Request()
				return err
			}
			return nil
		})
	}

	var bindErr error
	binding, bindErr = s.opts.NewBinding(s.base)
	if bindErr != nil {
		s.tok.Request()
		_ = s.drv.Stop()
		_ = g.Wait()
		if guard != nil {
			guard.Restore()
		}
		return fmt.Errorf("attach audio graph: %w", bindErr)
	}

	setupErr := binding.ConnectCapture(gcfg, capWriter.Process)
	if setupErr == nil && s.variant() == "playback" {
		playback := sink.NewPlayback(s.out, &s.sinkCounters, s.prof)
		setupErr = binding.ConnectPlayback(gcfg, playback.Fill)
	}
	if setupErr != nil {
		s.tok.Request()
		_ = binding.Close()
		_ = s.drv.Stop()
		_ = g.Wait()
		if guard != nil {
			guard.Restore()
		}
		return fmt.Errorf("register graph nodes: %w", setupErr)
	}

	g.Go(func() error {
		defer s.tok.Request() // a graph loop exit is a shutdown
		return binding.Run()
	})

	s.prof.Start()
	if s.params.ProfileLatency {
		go s.reportStats()
	}

	s.log.Info("pipeline running", "target", s.params.Target)

	// Block until someone asks us to stop: the caller's context, a signal
	// routed through the token, or a worker that hit a fatal condition.
	select {
	case <-ctx.Done():
		s.tok.Request()
	case <-s.tok.Done():
	}

	return s.teardown(binding, g, guard)
}

// teardown unwinds the pipeline: graph loop, encoder, sink workers, graph
// connection, profiler, signaling guard. Each step is bounded, so a wedged
// component cannot hold the process hostage.
func (s *Session) teardown(binding graph.Binding, g *errgroup.Group, guard *alsactl.Guard) error {
	s.log.Info("shutting down", "id", s.id)

	// Stop the graph loop first: no more RT callbacks touch the rings.
	binding.Quit()

	// Encoder ladder: close stdin, reap with escalation, join workers.
	encErr := s.drv.Stop()

	// Sink workers and the graph loop observe the token and drain.
	workerErr := g.Wait()

	_ = binding.Close()
	s.prof.Stop()
	if guard != nil {
		guard.Restore()
	}

	snap := s.Snapshot()
	s.log.Info("session finished",
		"uptime_ms", snap.UptimeMs,
		"frames_captured", snap.FramesPushed,
		"bytes_encoded", snap.Encoder.BytesOut,
		"bursts", snap.Encoder.Bursts,
		"input_overruns", snap.InputOverruns,
		"output_underruns", snap.OutputUnderruns,
	)

	if encErr != nil {
		return fmt.Errorf("encoder: %w", encErr)
	}
	if workerErr != nil {
		return fmt.Errorf("sink: %w", workerErr)
	}
	return nil
}

func (s *Session) variant() string {
	switch {
	case s.params.Stdout:
		return "stdout"
	case s.params.ALSADirect:
		return "alsa-direct"
	default:
		return "playback"
	}
}

// Snapshot returns the current counter values.
func (s *Session) Snapshot() Snapshot {
	var enc encoder.Counters
	if s.drv != nil {
		enc = s.drv.Counters()
	}
	return Snapshot{
		SessionID:         s.id,
		UptimeMs:          time.Since(s.started).Milliseconds(),
		InputRingSamples:  s.in.AvailableRead(),
		OutputRingBytes:   s.out.AvailableRead(),
		FramesPushed:      s.capCounters.FramesPushed.Load(),
		InputOverruns:     s.capCounters.InputOverruns.Load(),
		ParseErrors:       s.capCounters.ParseErrors.Load(),
		UnsupportedLayout: s.capCounters.UnsupportedLayout.Load(),
		Encoder:           enc,
		SinkBytesOut:      s.sinkCounters.BytesOut.Load(),
		OutputUnderruns:   s.sinkCounters.Underruns.Load(),
	}
}

// reportStats logs a snapshot once per second while profiling is enabled.
func (s *Session) reportStats() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := s.Snapshot()
			s.log.Debug("pipeline stats",
				"input_ring_samples", snap.InputRingSamples,
				"output_ring_bytes", snap.OutputRingBytes,
				"frames_captured", snap.FramesPushed,
				"bytes_in", snap.Encoder.BytesIn,
				"bytes_out", snap.Encoder.BytesOut,
				"bursts", snap.Encoder.Bursts,
				"input_overruns", snap.InputOverruns,
				"parse_errors", snap.ParseErrors,
				"output_underruns", snap.OutputUnderruns,
			)
		case <-s.tok.Done():
			return
		}
	}
}
