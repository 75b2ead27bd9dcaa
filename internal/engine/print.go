package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/trifone/trifone/internal/resource"
	"github.com/trifone/trifone/internal/store"
)

// PrintMode selects a diagnostic dump format.
type PrintMode int

const (
	// PrintEventPoints dumps the raw event points as CSV.
	PrintEventPoints PrintMode = iota
	// PrintSpectralPeaks dumps a time-indexed matrix with one magnitude cell
	// per fingerprint peak, suitable for plotting over a spectrogram.
	PrintSpectralPeaks
	// PrintStoreLines dumps the postings in the file-backend text format.
	PrintStoreLines
)

// Print writes one of the diagnostic dumps for a resource to w.
func (s *Strategy) Print(ctx context.Context, w io.Writer, path string, mode PrintMode) error {
	switch mode {
	case PrintEventPoints:
		return s.printEventPoints(ctx, w, path)
	case PrintSpectralPeaks:
		return s.printSpectralPeaks(ctx, w, path)
	case PrintStoreLines:
		return s.printStoreLines(ctx, w, path)
	default:
		return fmt.Errorf("unknown print mode %d", mode)
	}
}

func (s *Strategy) printEventPoints(ctx context.Context, w io.Writer, path string) error {
	points, err := s.eventPoints(ctx, path, 0, maxTime)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Time (step), Frequency (bin), Magnitude, Time (s), Frequency (Hz)")
	for _, ep := range points {
		fmt.Fprintf(w, "%d, %d, %.6f, %.6f, %.3f\n",
			ep.T, ep.F, ep.M, s.blocksToSeconds(ep.T), s.cfg.BinToHz(ep.F))
	}
	return nil
}

func (s *Strategy) printSpectralPeaks(ctx context.Context, w io.Writer, path string) error {
	prints, err := s.fingerprints(ctx, path, 0, maxTime)
	if err != nil {
		return err
	}

	peaksPerFrame := make(map[int][]float64)
	bins := s.cfg.FrameSize / 2
	set := func(t, f int, m float64) {
		if peaksPerFrame[t] == nil {
			peaksPerFrame[t] = make([]float64, bins)
		}
		peaksPerFrame[t][f] = m
	}
	var lastFrame int
	for _, p := range prints {
		set(p.P1.T, p.P1.F, p.P1.M)
		set(p.P2.T, p.P2.F, p.P2.M)
		set(p.P3.T, p.P3.F, p.P3.M)
		if p.P3.T > lastFrame {
			lastFrame = p.P3.T
		}
	}

	empty := make([]float64, bins)
	for t := 0; t <= lastFrame; t++ {
		spectrum := empty
		if row, ok := peaksPerFrame[t]; ok {
			spectrum = row
		}
		fmt.Fprintf(w, "%g,", s.blocksToSeconds(t))
		for _, m := range spectrum {
			fmt.Fprintf(w, "%g,", m)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func (s *Strategy) printStoreLines(ctx context.Context, w io.Writer, path string) error {
	prints, err := s.fingerprints(ctx, path, 0, maxTime)
	if err != nil {
		return err
	}

	id := resource.ID(path)
	for _, p := range prints {
		fmt.Fprintln(w, store.PostingLine(p.Hash, id, int32(p.T1())))
	}
	return nil
}
