package extract

import (
	"sort"

	"github.com/trifone/trifone/internal/config"
	"github.com/trifone/trifone/internal/fingerprint"
)

// Extractor locates sparse spectral event points with a two-stage filter: a
// strict local maximum over a (2dt+1)x(2df+1) neighbourhood, then magnitude
// gating against a per-bin exponential running average (whitening). A
// per-frame cap bounds peak density.
//
// Spectra are pushed one frame at a time; a ring of the last 2dt+1 spectra is
// enough for the neighbourhood check, so a frame's event points come out dt
// frames after its spectrum goes in. Call Flush after the last frame.
type Extractor struct {
	cfg config.Config

	ring   [][]float64 // last 2dt+1 spectra, ring[i] = frame first+i
	first  int         // frame index of ring[0]
	pushed int         // total frames pushed
	eval   int         // next frame index to evaluate
	ema    []float64
}

func New(cfg config.Config) *Extractor {
	return &Extractor{
		cfg:  cfg,
		ring: make([][]float64, 0, 2*cfg.PeakNeighbourhoodT+1),
	}
}

// Push consumes the next magnitude spectrum and returns the event points of
// any frame whose full neighbourhood is now available, in frame order.
func (e *Extractor) Push(spectrum []float64) []fingerprint.EventPoint {
	if e.ema == nil {
		e.ema = make([]float64, len(spectrum))
		copy(e.ema, spectrum)
	} else {
		a := e.cfg.PeakEMAAlpha
		for f, m := range spectrum {
			e.ema[f] = a*e.ema[f] + (1-a)*m
		}
	}

	held := make([]float64, len(spectrum))
	copy(held, spectrum)
	if len(e.ring) == cap(e.ring) {
		copy(e.ring, e.ring[1:])
		e.ring[len(e.ring)-1] = held
		e.first++
	} else {
		e.ring = append(e.ring, held)
	}
	e.pushed++

	var points []fingerprint.EventPoint
	// evaluate every frame whose trailing neighbourhood is complete
	for e.eval+e.cfg.PeakNeighbourhoodT < e.pushed {
		points = append(points, e.evaluate(e.eval)...)
		e.eval++
	}
	return points
}

// Flush evaluates the trailing frames whose forward neighbourhood is cut off
// by the end of input, and resets the extractor.
func (e *Extractor) Flush() []fingerprint.EventPoint {
	var points []fingerprint.EventPoint
	for e.eval < e.pushed {
		points = append(points, e.evaluate(e.eval)...)
		e.eval++
	}
	e.ring = e.ring[:0]
	e.first = 0
	e.pushed = 0
	e.eval = 0
	e.ema = nil
	return points
}

func (e *Extractor) evaluate(t int) []fingerprint.EventPoint {
	spectrum := e.ring[t-e.first]
	nBins := len(spectrum)

	var accepted []fingerprint.EventPoint
	for f := 0; f < nBins; f++ {
		m := spectrum[f]
		if m <= e.cfg.PeakEMAK*e.ema[f] {
			continue
		}
		if !e.isLocalMax(t, f, m) {
			continue
		}
		accepted = append(accepted, fingerprint.EventPoint{T: t, F: f, M: m})
	}

	if len(accepted) > e.cfg.PeaksPerFrameMax {
		sort.Slice(accepted, func(i, j int) bool {
			return accepted[i].M > accepted[j].M
		})
		accepted = accepted[:e.cfg.PeaksPerFrameMax]
		sort.Slice(accepted, func(i, j int) bool {
			return accepted[i].F < accepted[j].F
		})
	}
	return accepted
}

// isLocalMax requires m to strictly exceed every neighbour in the clamped
// (2dt+1)x(2df+1) window around (t, f).
func (e *Extractor) isLocalMax(t, f int, m float64) bool {
	nBins := len(e.ema)
	for dt := -e.cfg.PeakNeighbourhoodT; dt <= e.cfg.PeakNeighbourhoodT; dt++ {
		ti := t + dt
		if ti < e.first || ti >= e.pushed {
			continue
		}
		neighbour := e.ring[ti-e.first]
		for df := -e.cfg.PeakNeighbourhoodF; df <= e.cfg.PeakNeighbourhoodF; df++ {
			fi := f + df
			if fi < 0 || fi >= nBins {
				continue
			}
			if dt == 0 && df == 0 {
				continue
			}
			if neighbour[fi] >= m {
				return false
			}
		}
	}
	return true
}
