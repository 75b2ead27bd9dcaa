package extract

import (
	"testing"

	"github.com/trifone/trifone/internal/config"
	"github.com/trifone/trifone/internal/fingerprint"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PeakNeighbourhoodT = 2
	cfg.PeakNeighbourhoodF = 2
	cfg.PeakEMAAlpha = 0.9
	cfg.PeakEMAK = 1.5
	cfg.PeaksPerFrameMax = 3
	return cfg
}

// feed pushes all spectra and flushes, collecting every event point.
func feed(e *Extractor, spectra [][]float64) []fingerprint.EventPoint {
	var points []fingerprint.EventPoint
	for _, s := range spectra {
		points = append(points, e.Push(s)...)
	}
	return append(points, e.Flush()...)
}

func flatSpectra(frames, bins int, level float64) [][]float64 {
	spectra := make([][]float64, frames)
	for t := range spectra {
		spectra[t] = make([]float64, bins)
		for f := range spectra[t] {
			spectra[t][f] = level
		}
	}
	return spectra
}

func TestExtractorFindsIsolatedPeak(t *testing.T) {
	cfg := testConfig()
	spectra := flatSpectra(11, 32, 0.1)
	spectra[5][16] = 10.0

	points := feed(New(cfg), spectra)
	if len(points) != 1 {
		t.Fatalf("expected exactly one event point, got %d", len(points))
	}
	p := points[0]
	if p.T != 5 || p.F != 16 {
		t.Errorf("peak at (%d, %d), expected (5, 16)", p.T, p.F)
	}
	if p.M != 10.0 {
		t.Errorf("peak magnitude %f, expected 10", p.M)
	}
}

func TestExtractorRejectsNonLocalMax(t *testing.T) {
	cfg := testConfig()
	spectra := flatSpectra(11, 32, 0.1)
	spectra[5][16] = 10.0
	spectra[5][17] = 12.0 // stronger direct neighbour

	points := feed(New(cfg), spectra)
	for _, p := range points {
		if p.T == 5 && p.F == 16 {
			t.Error("bin shadowed by a stronger neighbour was accepted")
		}
	}
}

func TestExtractorWhiteningGate(t *testing.T) {
	cfg := testConfig()
	// peak only slightly above a loud steady background: the running average
	// sits near the background level, so 1.5x gating rejects it
	spectra := flatSpectra(11, 32, 1.0)
	spectra[5][16] = 1.2

	points := feed(New(cfg), spectra)
	if len(points) != 0 {
		t.Fatalf("expected no event points above a loud background, got %d", len(points))
	}
}

func TestExtractorPerFrameCap(t *testing.T) {
	cfg := testConfig()
	cfg.PeakNeighbourhoodF = 1
	spectra := flatSpectra(11, 64, 0.01)
	// six well-separated strong peaks in the same frame
	magnitudes := []float64{10, 9, 8, 7, 6, 5}
	for i, m := range magnitudes {
		spectra[5][4+8*i] = m
	}

	points := feed(New(cfg), spectra)
	var inFrame []fingerprint.EventPoint
	for _, p := range points {
		if p.T == 5 {
			inFrame = append(inFrame, p)
		}
	}
	if len(inFrame) != cfg.PeaksPerFrameMax {
		t.Fatalf("frame yielded %d points, cap is %d", len(inFrame), cfg.PeaksPerFrameMax)
	}
	// the cap keeps the strongest magnitudes
	for _, p := range inFrame {
		if p.M < 8 {
			t.Errorf("weak peak (m=%f) survived the density cap", p.M)
		}
	}
}

func TestExtractorEmptyInput(t *testing.T) {
	e := New(testConfig())
	if points := e.Flush(); len(points) != 0 {
		t.Errorf("expected no points from empty input, got %d", len(points))
	}
}

func TestExtractorPointsInFrameOrder(t *testing.T) {
	cfg := testConfig()
	spectra := flatSpectra(30, 32, 0.1)
	spectra[5][8] = 10.0
	spectra[12][20] = 9.0
	spectra[25][5] = 8.0

	points := feed(New(cfg), spectra)
	for i := 1; i < len(points); i++ {
		if points[i].T < points[i-1].T {
			t.Fatal("event points not in frame order")
		}
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 event points, got %d", len(points))
	}
}
