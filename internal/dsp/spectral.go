package dsp

import (
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/window"
)

// FrontEnd turns PCM frames into half-spectrum magnitude vectors. It applies
// a Hann window followed by a real FFT of the frame size fixed at creation.
// Deterministic: identical frames produce identical spectra.
type FrontEnd struct {
	size   int
	coeffs []float64
	scaled []float64
}

func NewFrontEnd(size int) *FrontEnd {
	coeffs := make([]float64, size)
	for i := range coeffs {
		coeffs[i] = 1
	}
	window.Hann(coeffs)

	return &FrontEnd{
		size:   size,
		coeffs: coeffs,
		scaled: make([]float64, size),
	}
}

func (fe *FrontEnd) Size() int { return fe.size }

// Magnitude computes the magnitude spectrum of one frame. The frame length
// must equal the front-end size. The returned slice holds size/2 bins and is
// owned by the caller.
func (fe *FrontEnd) Magnitude(frame []float64) []float64 {
	for i, s := range frame {
		fe.scaled[i] = s * fe.coeffs[i]
	}

	spectrum := fft.FFTReal(fe.scaled)
	mag := make([]float64, fe.size/2)
	for i := range mag {
		mag[i] = cmplx.Abs(spectrum[i])
	}
	return mag
}
