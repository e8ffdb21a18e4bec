//go:build linux

package sink

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/alsa"

	"github.com/zsiec/ac3live/profile"
	"github.com/zsiec/ac3live/ring"
	"github.com/zsiec/ac3live/shutdown"
	"github.com/zsiec/ac3live/spdif"
)

const (
	// One ALSA period of stereo S16 at 48 kHz: ~21 ms, which bounds every
	// blocking write well under the shutdown re-check budget.
	alsaPeriodFrames = 1024
	alsaPeriodCount  = 4
	alsaIdleSleep    = 5 * time.Millisecond
)

// ALSAWriter is variant B: a worker thread that feeds the carrier stream
// straight to an ALSA playback device, bypassing the audio graph. Underflow
// is padded with silence one period at a time so the device clock never
// starves.
type ALSAWriter struct {
	log    *slog.Logger
	device string
	out    *ring.Ring[byte]
	tok    *shutdown.Token
	c      *Counters
	prof   *profile.Profiler
}

// NewALSAWriter creates the worker for an "hw:card,device" target.
// counters must be non-nil; prof may be nil.
func NewALSAWriter(device string, out *ring.Ring[byte], tok *shutdown.Token, counters *Counters, prof *profile.Profiler, log *slog.Logger) *ALSAWriter {
	if log == nil {
		log = slog.Default()
	}
	return &ALSAWriter{
		log:    log.With("component", "alsa-sink", "device", device),
		device: device,
		out:    out,
		tok:    tok,
		c:      counters,
		prof:   prof,
	}
}

// Run opens the device and streams period-sized chunks until shutdown.
// The open itself happens here, not at construction, so device errors
// surface through the session's worker supervision.
func (w *ALSAWriter) Run() error {
	card, dev, err := ParseDevice(w.device)
	if err != nil {
		return err
	}

	pcm, err := alsa.PcmOpen(card, dev, alsa.PCM_OUT, &alsa.Config{
		Channels:    2,
		Rate:        48000,
		PeriodSize:  alsaPeriodFrames,
		PeriodCount: alsaPeriodCount,
		Format:      alsa.PCM_FORMAT_S16_LE,
	})
	if err != nil {
		return fmt.Errorf("open ALSA device %s: %w", w.device, err)
	}
	defer pcm.Close()

	w.log.Info("direct hardware output opened",
		"period_frames", alsaPeriodFrames, "period_count", alsaPeriodCount)

	w.tok.Register()
	defer w.tok.Acknowledge()

	period := make([]byte, alsaPeriodFrames*spdif.FrameBytes)
	started := false

	for !w.tok.Requested() {
		n := w.out.Read(period)
		n -= n % spdif.FrameBytes

		if n == 0 {
			if !started {
				// Nothing has flowed yet; do not start the device clock
				// on pure silence.
				time.Sleep(alsaIdleSleep)
				continue
			}
			// Keep the device clock fed with a period of stuffing.
			zero(period)
			n = len(period)
			w.c.Underruns.Add(1)
		} else if n < len(period) {
			zero(period[n:])
			n = len(period)
			w.c.Underruns.Add(1)
		}

		if _, err := pcm.WriteI(period[:n], uint32(n/spdif.FrameBytes)); err != nil {
			if w.tok.Requested() {
				return nil
			}
			w.tok.Request()
			return fmt.Errorf("ALSA write: %w", err)
		}
		started = true
		w.c.BytesOut.Add(uint64(n))
		w.prof.RecordArrival(profile.SinkDrain)
	}
	return nil
}

