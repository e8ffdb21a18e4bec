// Package alsactl flips the downstream device into compressed-bitstream
// signaling mode for direct hardware output, and restores PCM mode on
// shutdown. Everything here is best effort: machines without the matching
// mixer controls keep starting up, with warnings logged.
package alsactl

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// commandSpec is one external control invocation with its log context.
type commandSpec struct {
	program string
	args    []string
	context string
}

// Guard owns the IEC958 signaling state for one card. Setup applies the
// bitstream mode; Restore undoes it. Typical Steam Deck values are card "0"
// and index "2".
type Guard struct {
	log      *slog.Logger
	iecCard  string
	iecIndex string
	run      func(spec commandSpec) error
}

// NewGuard creates a guard for the given IEC958 card and control index.
func NewGuard(iecCard, iecIndex string, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	g := &Guard{
		log:      log.With("component", "alsactl"),
		iecCard:  iecCard,
		iecIndex: iecIndex,
	}
	g.run = g.execute
	return g
}

// Setup switches the IEC958 output to non-audio (bitstream) mode at 48 kHz
// and unmutes the controls that sit in the signal path. Failures are logged
// and ignored.
func (g *Guard) Setup() {
	g.apply(g.setupCommands())
}

// Restore returns the IEC958 output to PCM audio mode. Failures are logged
// and ignored.
func (g *Guard) Restore() {
	g.apply(g.restoreCommands())
}

func (g *Guard) apply(specs []commandSpec) {
	for _, spec := range specs {
		if err := g.run(spec); err != nil {
			g.log.Warn(spec.context, "error", err)
			continue
		}
		g.log.Debug(spec.context, "status", "ok")
	}
}

func (g *Guard) execute(spec commandSpec) error {
	out, err := exec.Command(spec.program, spec.args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s: %w", spec.program, err)
		}
		return fmt.Errorf("%s: %w: %s", spec.program, err, msg)
	}
	return nil
}

func (g *Guard) setupCommands() []commandSpec {
	return []commandSpec{
		{
			program: "iecset",
			args:    g.iecsetArgs("audio", "off", "rate", "48000"),
			context: "set IEC958 to non-audio mode",
		},
		{
			program: "amixer",
			args:    []string{"-c", g.iecCard, "set", "Master", "unmute", "100%"},
			context: "set Master to 100% and unmute",
		},
		{
			program: "amixer",
			args:    []string{"-c", g.iecCard, "set", "PCM", "unmute", "100%"},
			context: "set PCM to 100% and unmute",
		},
		{
			program: "amixer",
			args:    []string{"-c", g.iecCard, "set", "IEC958," + g.iecIndex, "unmute"},
			context: "unmute IEC958 control",
		},
	}
}

func (g *Guard) restoreCommands() []commandSpec {
	return []commandSpec{
		{
			program: "iecset",
			args:    g.iecsetArgs("audio", "on"),
			context: "restore IEC958 to PCM audio mode",
		},
	}
}

func (g *Guard) iecsetArgs(tail ...string) []string {
	args := []string{"-c", g.iecCard, "-n", g.iecIndex}
	return append(args, tail...)
}
