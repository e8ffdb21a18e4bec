// Command ac3tone generates 5.1 or stereo test tones for exercising the
// encoder input node: either a WAV file to route through the graph with a
// media player, or raw interleaved float32 on stdout for piping straight
// into tools that accept f32le.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/pflag"

	"github.com/zsiec/ac3live/tone"
)

const sampleRate = 48000

func main() {
	channels := pflag.Int("channels", 6, "channel count: 2 or 6")
	seconds := pflag.Float64("seconds", 5, "signal length")
	outPath := pflag.String("out", "", "write a 16-bit WAV to this path")
	raw := pflag.Bool("raw", false, "write raw interleaved f32le to stdout instead of a WAV")
	pflag.Parse()

	if err := run(*channels, *seconds, *outPath, *raw); err != nil {
		fmt.Fprintln(os.Stderr, "ac3tone:", err)
		os.Exit(1)
	}
}

func run(channels int, seconds float64, outPath string, raw bool) error {
	var freqs []float64
	switch channels {
	case 2:
		freqs = tone.StereoFreqs[:]
	case 6:
		freqs = tone.SurroundFreqs[:]
	default:
		return fmt.Errorf("unsupported channel count %d: want 2 or 6", channels)
	}
	if seconds <= 0 {
		return fmt.Errorf("signal length must be positive, got %g", seconds)
	}

	frames := int(seconds * sampleRate)
	samples := tone.Interleaved(freqs, sampleRate, frames)

	if raw {
		return writeRaw(os.Stdout, samples)
	}
	if outPath == "" {
		return fmt.Errorf("either --out or --raw is required")
	}
	return writeWAV(outPath, samples, channels)
}

func writeRaw(f *os.File, samples []float32) error {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	_, err := f.Write(buf)
	return err
}

func writeWAV(path string, samples []float32, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s * math.MaxInt16)
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}
