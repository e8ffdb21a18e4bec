//go:build !linux

package sink

import (
	"errors"
	"log/slog"

	"github.com/zsiec/ac3live/profile"
	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/shutdown"
)

// ALSAWriter exists on non-Linux builds only so the session wires up the
// same way; Run fails immediately.
type ALSAWriter struct{}

// NewALSAWriter returns the stub.
func NewALSAWriter(device string, out *ring.Ring[byte], tok *shutdown.Token, counters *Counters, prof *profile.Profiler, log *slog.Logger) *ALSAWriter {
	return &ALSAWriter{}
}

// Run always fails: direct hardware output is Linux-only.
func (w *ALSAWriter) Run() error {
	return errors.New("direct ALSA output is only supported on linux")
}
