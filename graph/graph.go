// Package graph binds the pipeline to the host audio graph. The daemon
// advertises two virtual nodes: a 6-channel float sink that applications
// route surround audio into, and a 2-channel S16 source that carries the
// encoded bitstream to the hardware sink. The graph invokes both node
// callbacks on its own real-time threads; everything those callbacks touch
// must be allocation- and lock-free.
//
// The PipeWire implementation lives behind a build tag; other platforms get
// a stub that fails with ErrUnavailable. Every sink variant captures through
// the graph, so without a binding the session fails setup.
package graph

import (
	"errors"
	"strconv"

	"github.com/zsiec/ac3live/capture"
)

const (
	// InputNodeName is the virtual 5.1 sink applications connect to.
	InputNodeName = "pw-ac3-live-input"
	// OutputNodeName is the virtual stereo source carrying the bitstream.
	OutputNodeName = "pw-ac3-live-output"
	// AppName identifies the daemon to the graph.
	AppName = "ac3live"

	// ChannelPosition is the advertised input channel order.
	ChannelPosition = "FL,FR,FC,LFE,SL,SR"
)

// ErrUnavailable reports that no graph library could be loaded.
var ErrUnavailable = errors.New("pipewire library is not available")

// CaptureFunc receives one quantum of capture planes. Runs on the graph's
// real-time thread.
type CaptureFunc func(planes []capture.Plane)

// PlaybackFunc fills buf with carrier bytes and returns the count (a whole
// number of stereo frames). Runs on the graph's real-time thread.
type PlaybackFunc func(buf []byte) int

// Config carries the per-stream connection parameters.
type Config struct {
	// Target is the sink to connect the output stream to, by node name or
	// numeric object id. A numeric id is applied both as the connect hint
	// and as the target.object property.
	Target string
	// Latency is the requested quantum, e.g. "64/48000".
	Latency string
}

// TargetID parses a numeric target. ok is false for names.
func (c Config) TargetID() (uint32, bool) {
	if c.Target == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(c.Target, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// Binding is the audio-graph attachment. Connect the streams, then Run the
// loop; Quit unblocks Run from any goroutine.
type Binding interface {
	// ConnectCapture registers the 6-channel input node.
	ConnectCapture(cfg Config, fn CaptureFunc) error
	// ConnectPlayback registers the stereo output stream.
	ConnectPlayback(cfg Config, fill PlaybackFunc) error
	// Run pumps the graph loop until Quit. Blocks.
	Run() error
	// Quit stops the loop. Safe from any goroutine.
	Quit()
	// Close tears the streams and the connection down.
	Close() error
}
