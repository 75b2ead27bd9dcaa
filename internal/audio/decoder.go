package audio

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// DecodeError is returned when an audio resource cannot be opened or decoded.
type DecodeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Path, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamParams selects the PCM stream a Decoder must produce: mono samples at
// SampleRate, delivered as overlapping frames of FrameSize samples every Hop
// samples, restricted to [Start, Start+Duration) seconds. Duration <= 0 means
// until the end of the resource.
type StreamParams struct {
	SampleRate int
	FrameSize  int
	Hop        int
	Start      float64
	Duration   float64
}

// FrameReader yields consecutive frames in order. Next returns io.EOF after
// the last full frame. The returned slice is reused between calls.
type FrameReader interface {
	Next(ctx context.Context) ([]float64, error)
	Close() error
}

// Decoder turns an audio resource into a frame stream.
type Decoder interface {
	Open(path string, p StreamParams) (FrameReader, error)
}

// WAVDecoder decodes PCM WAV files, mixing channels down to mono and
// resampling to the requested rate when the file disagrees.
type WAVDecoder struct{}

func (WAVDecoder) Open(path string, p StreamParams) (FrameReader, error) {
	samples, err := readMono(path, p.SampleRate)
	if err != nil {
		return nil, err
	}

	start := int(p.Start * float64(p.SampleRate))
	if start > len(samples) {
		start = len(samples)
	}
	stop := len(samples)
	if p.Duration > 0 {
		if n := start + int(p.Duration*float64(p.SampleRate)); n < stop {
			stop = n
		}
	}

	return &frameReader{
		samples:   samples[start:stop],
		frameSize: p.FrameSize,
		hop:       p.Hop,
	}, nil
}

type frameReader struct {
	samples   []float64
	frameSize int
	hop       int
	pos       int
	frame     []float64
}

func (r *frameReader) Next(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pos+r.frameSize > len(r.samples) {
		return nil, io.EOF
	}
	if r.frame == nil {
		r.frame = make([]float64, r.frameSize)
	}
	copy(r.frame, r.samples[r.pos:r.pos+r.frameSize])
	r.pos += r.hop
	return r.frame, nil
}

func (r *frameReader) Close() error {
	r.samples = nil
	return nil
}

// FileDuration reports the duration of a WAV file in seconds.
func FileDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &DecodeError{Path: path, Reason: "open", Err: err}
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	dur, err := d.Duration()
	if err != nil {
		return 0, &DecodeError{Path: path, Reason: "duration", Err: err}
	}
	return dur.Seconds(), nil
}

// readMono decodes the whole file to mono float64 samples in [-1, 1] at the
// requested sample rate.
func readMono(path string, sampleRate int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Reason: "open", Err: err}
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, &DecodeError{Path: path, Reason: "not a PCM WAV file"}
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, &DecodeError{Path: path, Reason: "read PCM", Err: err}
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, &DecodeError{Path: path, Reason: "missing format chunk"}
	}

	bitDepth := int(d.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		mono[i] = sum / float64(channels) / scale
	}

	if src := buf.Format.SampleRate; src != sampleRate && src > 0 {
		mono = resample(mono, src, sampleRate)
	}
	return mono, nil
}

// resample performs linear interpolation between source samples. Good enough
// for fingerprinting, where only coarse spectral shape matters.
func resample(in []float64, from, to int) []float64 {
	if len(in) == 0 || from == to {
		return in
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(in)) / ratio)
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
