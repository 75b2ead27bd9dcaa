package audio

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeWAV renders mono 16-bit PCM samples to a WAV file.
func writeWAV(t *testing.T, path string, samples []float64, sampleRate int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = int(s * 32767)
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func sineSamples(seconds float64, freq float64, sampleRate int) []float64 {
	n := int(seconds * float64(sampleRate))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return samples
}

func TestOpenYieldsExpectedFrameCount(t *testing.T) {
	const sampleRate = 16000
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWAV(t, path, sineSamples(2.0, 440, sampleRate), sampleRate)

	params := StreamParams{SampleRate: sampleRate, FrameSize: 1024, Hop: 128}
	reader, err := WAVDecoder{}.Open(path, params)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	frames := 0
	for {
		frame, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if len(frame) != 1024 {
			t.Fatalf("frame length %d, expected 1024", len(frame))
		}
		frames++
	}

	// 32000 samples, frame 1024, hop 128
	expected := (2*sampleRate-1024)/128 + 1
	if frames != expected {
		t.Errorf("got %d frames, expected %d", frames, expected)
	}
}

func TestOpenStartAndDuration(t *testing.T) {
	const sampleRate = 16000
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWAV(t, path, sineSamples(3.0, 440, sampleRate), sampleRate)

	params := StreamParams{SampleRate: sampleRate, FrameSize: 1024, Hop: 512, Start: 1.0, Duration: 1.0}
	reader, err := WAVDecoder{}.Open(path, params)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	frames := 0
	for {
		if _, err := reader.Next(ctx); err != nil {
			break
		}
		frames++
	}
	expected := (sampleRate-1024)/512 + 1
	if frames != expected {
		t.Errorf("got %d frames from a 1 s window, expected %d", frames, expected)
	}
}

func TestOpenSamplesInRange(t *testing.T) {
	const sampleRate = 8000
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWAV(t, path, sineSamples(0.5, 200, sampleRate), sampleRate)

	reader, err := WAVDecoder{}.Open(path, StreamParams{SampleRate: sampleRate, FrameSize: 256, Hop: 256})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	for {
		frame, err := reader.Next(ctx)
		if err != nil {
			break
		}
		for _, s := range frame {
			if s < -1 || s > 1 {
				t.Fatalf("sample %f outside [-1, 1]", s)
			}
		}
	}
}

func TestOpenResamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWAV(t, path, sineSamples(1.0, 440, 32000), 32000)

	// request 16 kHz from a 32 kHz file
	params := StreamParams{SampleRate: 16000, FrameSize: 1024, Hop: 1024}
	reader, err := WAVDecoder{}.Open(path, params)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	frames := 0
	for {
		if _, err := reader.Next(ctx); err != nil {
			break
		}
		frames++
	}
	// ~16000 resampled samples -> 15 full frames
	if frames < 14 || frames > 16 {
		t.Errorf("got %d frames after resampling, expected ~15", frames)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := WAVDecoder{}.Open("/no/such/file.wav", StreamParams{SampleRate: 16000, FrameSize: 1024, Hop: 128})
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}

func TestNextHonoursCancellation(t *testing.T) {
	const sampleRate = 16000
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWAV(t, path, sineSamples(1.0, 440, sampleRate), sampleRate)

	reader, err := WAVDecoder{}.Open(path, StreamParams{SampleRate: sampleRate, FrameSize: 1024, Hop: 128})
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reader.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFileDuration(t *testing.T) {
	const sampleRate = 16000
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWAV(t, path, sineSamples(2.5, 440, sampleRate), sampleRate)

	dur, err := FileDuration(path)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if math.Abs(dur-2.5) > 0.01 {
		t.Errorf("duration %f s, expected 2.5", dur)
	}
}
