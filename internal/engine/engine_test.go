package engine

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/trifone/trifone/internal/audio"
	"github.com/trifone/trifone/internal/config"
	"github.com/trifone/trifone/internal/resource"
	"github.com/trifone/trifone/internal/store"
)

const testSampleRate = 16000

// writeToneSequence renders a deterministic sequence of short tones, changing
// frequency four times per second. Tone onsets give the extractor clear
// transient peaks, which stationary sines would not.
func writeToneSequence(t *testing.T, path string, seconds float64, seed int) {
	t.Helper()

	n := int(seconds * testSampleRate)
	samples := make([]float64, n)
	toneLen := testSampleRate / 4
	for i := range samples {
		tone := i / toneLen
		freq := 400 + float64((tone*97+seed*389)%2800)
		samples[i] = 0.6 * math.Sin(2*math.Pi*freq*float64(i%toneLen)/testSampleRate)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, testSampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: testSampleRate},
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

func engineConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SampleRate = testSampleRate
	cfg.Hop = 128
	cfg.ReportFolder = filepath.Join(t.TempDir(), "reports")
	cfg.CacheFolder = filepath.Join(t.TempDir(), "cache")
	return cfg
}

func memoryStrategy(t *testing.T, cfg config.Config) *Strategy {
	t.Helper()
	return NewWithStore(cfg, store.NewMemory(), audio.WAVDecoder{})
}

func TestStoreAndSelfMatch(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 20, 1)

	duration, err := s.Store(ctx, clip)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if duration < 18 || duration > 21 {
		t.Errorf("stored duration %f s, expected ~20", duration)
	}
	if !s.Has(clip) {
		t.Fatal("Has is false after store")
	}

	outcome, err := s.Query(ctx, clip, 10, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(outcome.Results) == 0 {
		t.Fatal("self query returned no results")
	}

	top := outcome.Results[0]
	if top.RefID != resource.ID(clip) {
		t.Errorf("top result id %d, expected %d", top.RefID, resource.ID(clip))
	}
	if top.RefPath != clip {
		t.Errorf("top result path %q, expected %q", top.RefPath, clip)
	}
	if top.TimeFactor < 0.99 || top.TimeFactor > 1.01 {
		t.Errorf("self match time factor %f, expected ~1.0", top.TimeFactor)
	}
	if top.QueryStart > 2 {
		t.Errorf("query start %f, expected near 0", top.QueryStart)
	}
	if top.RefStop < 15 {
		t.Errorf("ref stop %f, expected near the clip end", top.RefStop)
	}
	if top.Score < cfg.MinHitsFiltered {
		t.Errorf("score %d suspiciously low", top.Score)
	}
}

func TestStoreSkipsKnownResource(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 10, 2)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}
	before, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}
	after, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if before.Postings != after.Postings {
		t.Errorf("second store changed posting count: %d -> %d", before.Postings, after.Postings)
	}
}

func TestSnippetMatch(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 20, 3)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}

	outcome, err := s.QueryRange(ctx, clip, 10, nil, 5, 10)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(outcome.Results) == 0 {
		t.Fatal("snippet query returned no results")
	}

	top := outcome.Results[0]
	if top.RefID != resource.ID(clip) {
		t.Fatalf("top result id %d, expected the stored clip", top.RefID)
	}
	// the snippet's frames count from the window start, so the reference
	// match sits around second 5 while the query span starts near 0
	if top.RefStart < 3.5 || top.RefStart > 10 {
		t.Errorf("ref start %f, expected ~5", top.RefStart)
	}
	if top.QueryStart > 4 {
		t.Errorf("query start %f, expected near 0", top.QueryStart)
	}
	if top.TimeFactor < 0.99 || top.TimeFactor > 1.01 {
		t.Errorf("snippet time factor %f, expected ~1.0", top.TimeFactor)
	}
}

func TestNoiseRejection(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	dir := t.TempDir()
	stored := filepath.Join(dir, "stored.wav")
	unrelated := filepath.Join(dir, "unrelated.wav")
	writeToneSequence(t, stored, 20, 4)
	writeToneSequence(t, unrelated, 20, 11)

	if _, err := s.Store(ctx, stored); err != nil {
		t.Fatal(err)
	}

	outcome, err := s.Query(ctx, unrelated, 10, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(outcome.Results) != 0 {
		t.Errorf("unrelated clip matched: %+v", outcome.Results)
	}
}

func TestDeleteRemovesResource(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 15, 5)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete(ctx, clip); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Has(clip) {
		t.Error("Has is true after delete")
	}

	outcome, err := s.Query(ctx, clip, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Results) != 0 {
		t.Errorf("query after delete returned %d results", len(outcome.Results))
	}

	// deleting again is a no-op
	if _, err := s.Delete(ctx, clip); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestAvoidSetExcludesResource(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 15, 6)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}

	avoid := map[int32]struct{}{resource.ID(clip): {}}
	outcome, err := s.Query(ctx, clip, 10, avoid)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Results) != 0 {
		t.Errorf("avoided resource still matched")
	}
}

func TestTooShortAudioStoresNothing(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "stub.wav")
	// shorter than one analysis frame
	writeToneSequence(t, clip, 0.01, 7)

	duration, err := s.Store(ctx, clip)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if duration != 0 {
		t.Errorf("duration %f, expected 0", duration)
	}
	if s.Has(clip) {
		t.Error("metadata written for a resource with zero fingerprints")
	}
}

func TestReportExport(t *testing.T) {
	cfg := engineConfig(t)
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "mytrack.wav")
	writeToneSequence(t, clip, 10, 8)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}

	reportPath := filepath.Join(cfg.ReportFolder, "mytrack.txt")
	f, err := os.Open(reportPath)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var header []string
	for i := 0; i < 4 && scanner.Scan(); i++ {
		header = append(header, scanner.Text())
	}
	if len(header) != 4 {
		t.Fatal("report header truncated")
	}
	if !strings.HasPrefix(header[0], "Duration: ") {
		t.Errorf("bad header line: %q", header[0])
	}
	if !strings.HasPrefix(header[1], "Number of Prints: ") {
		t.Errorf("bad header line: %q", header[1])
	}
	if !strings.HasPrefix(header[2], "Fingerprint format: Hash, t1, f1, m1, t2, f2, m2, t3, f3, m3, ts") {
		t.Errorf("bad header line: %q", header[2])
	}

	var printLines int
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			printLines++
		}
	}
	prints, err := s.Fingerprints(ctx, clip)
	if err != nil {
		t.Fatal(err)
	}
	if printLines != len(prints) {
		t.Errorf("report has %d print lines, expected %d", printLines, len(prints))
	}
}

func TestCachedPrintsRoundTrip(t *testing.T) {
	cfg := engineConfig(t)
	cfg.CacheToFile = true

	cache, err := store.OpenFile(cfg.CacheFolder)
	if err != nil {
		t.Fatal(err)
	}
	db := store.NewCaching(cache, store.NewMemory())
	s := NewWithStore(cfg, db, audio.WAVDecoder{})
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 15, 9)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}

	id := resource.ID(clip)
	if _, err := os.Stat(filepath.Join(cfg.CacheFolder, fmt.Sprintf("%d.tdb", id))); err != nil {
		t.Fatalf("cache file missing: %v", err)
	}

	// a second strategy over the same store reads the cached prints instead
	// of re-extracting
	cachedCfg := cfg
	cachedCfg.UseCachedPrints = true
	cached := NewWithStore(cachedCfg, db, audio.WAVDecoder{})

	outcome, err := cached.Query(ctx, clip, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Results) == 0 {
		t.Fatal("query over cached prints returned no results")
	}
	if outcome.Results[0].RefID != id {
		t.Errorf("cached query matched %d, expected %d", outcome.Results[0].RefID, id)
	}
}

func TestFileBackendEndToEnd(t *testing.T) {
	cfg := engineConfig(t)
	db, err := store.OpenFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewWithStore(cfg, db, audio.WAVDecoder{})
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 15, 10)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}
	outcome, err := s.Query(ctx, clip, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Results) == 0 {
		t.Fatal("file backend self query returned no results")
	}
	if outcome.Results[0].RefID != resource.ID(clip) {
		t.Error("file backend matched the wrong resource")
	}
}

func TestMonitorWindows(t *testing.T) {
	cfg := engineConfig(t)
	cfg.MonitorStep = 25
	cfg.MonitorOverlap = 5
	s := memoryStrategy(t, cfg)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "long.wav")
	writeToneSequence(t, clip, 50, 12)

	if _, err := s.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}

	outcome, err := s.Monitor(ctx, clip, 5, nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	// windows 0-25 and 20-45 both lie inside the stored clip
	if len(outcome.Results) < 2 {
		t.Fatalf("monitor returned %d results, expected one per window", len(outcome.Results))
	}
	for _, r := range outcome.Results {
		if r.RefID != resource.ID(clip) {
			t.Errorf("monitor window matched %d, expected the stored clip", r.RefID)
		}
	}
}

func TestLoadFromCacheFolder(t *testing.T) {
	cfg := engineConfig(t)
	cfg.CacheToFile = true

	cache, err := store.OpenFile(cfg.CacheFolder)
	if err != nil {
		t.Fatal(err)
	}
	first := NewWithStore(cfg, store.NewCaching(cache, store.NewMemory()), audio.WAVDecoder{})
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "clip.wav")
	writeToneSequence(t, clip, 10, 13)
	if _, err := first.Store(ctx, clip); err != nil {
		t.Fatal(err)
	}

	// a fresh store loads everything back from the cache folder
	second := NewWithStore(cfg, store.NewMemory(), audio.WAVDecoder{})
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !second.Has(clip) {
		t.Fatal("resource missing after load")
	}

	firstStats, err := first.Stats()
	if err != nil {
		t.Fatal(err)
	}
	secondStats, err := second.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if firstStats.Postings != secondStats.Postings {
		t.Errorf("load imported %d postings, original store has %d", secondStats.Postings, firstStats.Postings)
	}
}
