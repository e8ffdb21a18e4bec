// Command ac3live bridges a PipeWire 5.1 audio graph to a bitstream-only
// sink: it exposes a virtual 6-channel input node, encodes everything routed
// into it to AC-3 inside an IEC 61937 carrier, and plays the carrier back
// through the graph, straight to an ALSA device, or to stdout.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zsiec/ac3live/config"
	"github.com/zsiec/ac3live/session"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	level := config.LogLevel(os.Getenv("AC3LIVE_LOG"))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	params, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 2
	}

	s, err := session.New(params, session.Options{})
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The handler itself does no work: the signal goroutine flips the
	// shutdown token and the session unwinds on its own.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		s.Token().Request()
	}()

	slog.Info("ac3live starting",
		"version", version,
		"target", params.Target,
		"buffer_frames", params.BufferFrames,
		"latency", params.Latency,
	)

	if err := s.Run(ctx); err != nil {
		slog.Error("pipeline failed", "error", err)
		return 1
	}
	slog.Info("exiting")
	return 0
}
