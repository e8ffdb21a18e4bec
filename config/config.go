// Package config parses and validates the daemon's parameters. Flags are
// the primary surface; every flag can also be set through the environment
// with the AC3LIVE prefix (dashes become underscores, e.g.
// AC3LIVE_BUFFER_SIZE). Validation runs before any pipeline thread starts
// and fails fast with a descriptive error.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Defaults for the tunable parameters.
const (
	DefaultBufferFrames    = 4800 // ~100 ms at 48 kHz
	DefaultLatency         = "64/48000"
	DefaultThreadQueueSize = 128
	DefaultChunkFrames     = 128
	DefaultIECCard         = "0"
	DefaultIECIndex        = "2"

	inputChannels    = 6
	inputSampleBytes = 4
	outputFrameBytes = 4
)

// ErrSinkConflict reports mutually exclusive output variants.
var ErrSinkConflict = errors.New("--stdout and --alsa-direct are mutually exclusive")

// Params holds the validated run configuration. Immutable after Load.
type Params struct {
	// Target is the playback target: a graph node name or numeric object
	// id, or an ALSA device string under --alsa-direct.
	Target string
	// Stdout selects the raw-bitstream stdout sink (variant C).
	Stdout bool
	// ALSADirect selects the direct hardware sink (variant B).
	ALSADirect bool

	// BufferFrames is the input ring capacity in 6-channel frames.
	BufferFrames int
	// OutputBufferFrames is the output ring capacity in stereo carrier
	// frames; zero means "same as the input ring".
	OutputBufferFrames int

	// Latency is the requested graph quantum, "num/denom".
	Latency string

	// ThreadQueueSize is the encoder's input queue depth.
	ThreadQueueSize int
	// ChunkFrames is the feeder batch size in frames.
	ChunkFrames int

	// ProfileLatency enables the latency profiler.
	ProfileLatency bool

	// IECCard/IECIndex locate the IEC958 control for --alsa-direct.
	IECCard  string
	IECIndex string
}

// Load parses args (the command line after the program name) and the
// environment into validated Params.
func Load(args []string) (Params, error) {
	return load(args, io.Discard)
}

func load(args []string, usageOut io.Writer) (Params, error) {
	fs := pflag.NewFlagSet("ac3live", pflag.ContinueOnError)
	fs.SetOutput(usageOut)

	fs.String("target", "", "target sink: node name or numeric object id (ALSA device with --alsa-direct)")
	fs.Bool("stdout", false, "write the raw bitstream to stdout, register no output node")
	fs.Bool("alsa-direct", false, "write straight to an ALSA device, bypassing the graph")
	fs.Int("buffer-size", DefaultBufferFrames, "input ring capacity in frames")
	fs.Int("output-buffer-size", 0, "output ring capacity in stereo frames (default: same as input)")
	fs.String("latency", DefaultLatency, "requested graph quantum, num/denom")
	fs.Int("ffmpeg-thread-queue-size", DefaultThreadQueueSize, "encoder input queue depth")
	fs.Int("ffmpeg-chunk-frames", DefaultChunkFrames, "feeder batch size in frames")
	fs.Bool("profile-latency", false, "report per-stage latency once per second")
	fs.String("iec-card", DefaultIECCard, "IEC958 card number for --alsa-direct")
	fs.String("iec-index", DefaultIECIndex, "IEC958 control index for --alsa-direct")

	if err := fs.Parse(args); err != nil {
		return Params{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Params{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix("AC3LIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	p := Params{
		Target:             v.GetString("target"),
		Stdout:             v.GetBool("stdout"),
		ALSADirect:         v.GetBool("alsa-direct"),
		BufferFrames:       v.GetInt("buffer-size"),
		OutputBufferFrames: v.GetInt("output-buffer-size"),
		Latency:            v.GetString("latency"),
		ThreadQueueSize:    v.GetInt("ffmpeg-thread-queue-size"),
		ChunkFrames:        v.GetInt("ffmpeg-chunk-frames"),
		ProfileLatency:     v.GetBool("profile-latency"),
		IECCard:            v.GetString("iec-card"),
		IECIndex:           v.GetString("iec-index"),
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks the parameter combinations that would otherwise fail
// after the pipeline has already started.
func (p Params) Validate() error {
	if p.Stdout && p.ALSADirect {
		return ErrSinkConflict
	}
	if p.ALSADirect && p.Target == "" {
		return errors.New("--alsa-direct requires --target <device>")
	}

	if p.BufferFrames <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", p.BufferFrames)
	}
	if p.OutputBufferFrames < 0 {
		return fmt.Errorf("output buffer size must not be negative, got %d", p.OutputBufferFrames)
	}
	if p.ThreadQueueSize <= 0 {
		return fmt.Errorf("thread queue size must be positive, got %d", p.ThreadQueueSize)
	}
	if p.ChunkFrames <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.ChunkFrames)
	}

	// A feeder batch larger than half the input ring starves the feeder
	// right after start: it can never accumulate a full batch again.
	chunkBytes := p.ChunkFrames * inputChannels * inputSampleBytes
	if chunkBytes > p.InputRingBytes()/2 {
		return fmt.Errorf(
			"chunk of %d frames (%d bytes) exceeds half the input ring (%d bytes); raise --buffer-size or lower --ffmpeg-chunk-frames",
			p.ChunkFrames, chunkBytes, p.InputRingBytes())
	}

	if _, _, err := ParseLatency(p.Latency); err != nil {
		return err
	}
	return nil
}

// InputRingBytes returns the configured input ring capacity in bytes.
func (p Params) InputRingBytes() int {
	return p.BufferFrames * inputChannels * inputSampleBytes
}

// InputRingSamples returns the input ring capacity in float samples.
func (p Params) InputRingSamples() int {
	return p.BufferFrames * inputChannels
}

// OutputRingBytes returns the output ring capacity in bytes, applying the
// same-as-input default.
func (p Params) OutputRingBytes() int {
	frames := p.OutputBufferFrames
	if frames == 0 {
		frames = p.BufferFrames
	}
	return frames * outputFrameBytes
}

// ParseLatency splits a "num/denom" quantum specification.
func ParseLatency(s string) (num, denom int, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("latency %q: want num/denom", s)
	}
	num, err = strconv.Atoi(parts[0])
	if err != nil || num <= 0 {
		return 0, 0, fmt.Errorf("latency %q: bad numerator", s)
	}
	denom, err = strconv.Atoi(parts[1])
	if err != nil || denom <= 0 {
		return 0, 0, fmt.Errorf("latency %q: bad denominator", s)
	}
	return num, denom, nil
}

// LogLevel maps the AC3LIVE_LOG value to a slog level. Unknown or empty
// values mean Info. Verbosity only affects logging, never behavior.
func LogLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
