// Package engine ties the pipeline together: decode, extract event points,
// combine triplets, store postings and match queries against the index.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trifone/trifone/internal/audio"
	"github.com/trifone/trifone/internal/config"
	"github.com/trifone/trifone/internal/dsp"
	"github.com/trifone/trifone/internal/extract"
	"github.com/trifone/trifone/internal/fingerprint"
	"github.com/trifone/trifone/internal/resource"
	"github.com/trifone/trifone/internal/store"
	"github.com/trifone/trifone/pkg/logger"
)

// maxTime stands in for "until the end of the resource".
const maxTime = 5_000_000

// Strategy is the fingerprint-and-match engine. One Store or Query call runs
// on the calling goroutine; the backing store is the only shared state, so
// concurrent calls for different resources are independent.
type Strategy struct {
	cfg     config.Config
	db      store.Store
	decoder audio.Decoder
	log     *logger.Logger
}

// New opens the backend selected by the configuration.
func New(cfg config.Config) (*Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, db, audio.WAVDecoder{}), nil
}

// NewWithStore wires an explicit store and decoder, mainly for tests and
// embedders that manage their own backend lifetime.
func NewWithStore(cfg config.Config, db store.Store, decoder audio.Decoder) *Strategy {
	return &Strategy{
		cfg:     cfg,
		db:      db,
		decoder: decoder,
		log:     logger.GetLogger(),
	}
}

// Close flushes and releases the backing store.
func (s *Strategy) Close() error { return s.db.Close() }

func (s *Strategy) blocksToSeconds(t int) float64 { return s.cfg.FramesToSeconds(t) }

// Fingerprints extracts the triplet fingerprints of a whole resource, or
// reads them from the fingerprint cache when enabled.
func (s *Strategy) Fingerprints(ctx context.Context, path string) ([]fingerprint.Fingerprint, error) {
	return s.fingerprints(ctx, path, 0, maxTime)
}

func (s *Strategy) fingerprints(ctx context.Context, path string, start, duration float64) ([]fingerprint.Fingerprint, error) {
	if s.cfg.UseCachedPrints {
		prints, ok, err := s.cachedFingerprints(path, start, duration)
		if err != nil {
			return nil, err
		}
		if ok {
			return prints, nil
		}
	}

	points, err := s.eventPoints(ctx, path, start, duration)
	if err != nil {
		return nil, err
	}
	return fingerprint.Combine(points, s.cfg), nil
}

// cachedFingerprints reads <id>.tdb from the cache folder. The bool reports
// whether the cache file existed.
func (s *Strategy) cachedFingerprints(path string, start, duration float64) ([]fingerprint.Fingerprint, bool, error) {
	id := resource.ID(path)
	tdbPath := filepath.Join(s.cfg.CacheFolder, fmt.Sprintf("%d.tdb", id))
	if _, err := os.Stat(tdbPath); err != nil {
		s.log.Infof("No cached fingerprints at '%s' for '%s'", tdbPath, path)
		return nil, false, nil
	}

	postings, err := store.ReadPostingFile(tdbPath)
	if err != nil {
		return nil, true, err
	}

	var prints []fingerprint.Fingerprint
	for _, p := range postings {
		t1 := int(p[2])
		t1Seconds := s.blocksToSeconds(t1)
		if t1Seconds > start+duration {
			break
		}
		if t1Seconds < start {
			continue
		}
		prints = append(prints, fingerprint.Fingerprint{
			Hash: uint64(p[0]),
			P1:   fingerprint.EventPoint{T: t1},
		})
	}
	s.log.Infof("Read %d cached fingerprints from '%s' (start: %.3f s, stop: %.3f s) for '%s'",
		len(prints), tdbPath, start, start+duration, path)
	return prints, true, nil
}

// eventPoints runs the spectral front-end and extractor over the selected
// range of the resource. Cancellation is honoured at frame boundaries.
func (s *Strategy) eventPoints(ctx context.Context, path string, start, duration float64) ([]fingerprint.EventPoint, error) {
	params := audio.StreamParams{
		SampleRate: s.cfg.SampleRate,
		FrameSize:  s.cfg.FrameSize,
		Hop:        s.cfg.Hop,
		Start:      start,
	}
	if duration != maxTime {
		params.Duration = duration
	}

	reader, err := s.decoder.Open(path, params)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	frontEnd := dsp.NewFrontEnd(s.cfg.FrameSize)
	extractor := extract.New(s.cfg)

	var points []fingerprint.EventPoint
	for {
		frame, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		points = append(points, extractor.Push(frontEnd.Magnitude(frame))...)
	}
	points = append(points, extractor.Flush()...)
	return points, nil
}

// Store fingerprints a resource and commits its postings followed by its
// metadata. Resources already present are skipped. Returns the stored
// duration in seconds.
func (s *Strategy) Store(ctx context.Context, path string) (float64, error) {
	id := resource.ID(path)

	if meta, err := s.db.GetMetadata(id); err == nil {
		s.log.Infof("Skipping '%s': resource %d already stored", path, id)
		return float64(meta.Duration), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	prints, err := s.fingerprints(ctx, path, 0, maxTime)
	if err != nil {
		return 0, err
	}
	if len(prints) == 0 {
		s.log.Warnf("No prints extracted for %s", path)
		return 0, nil
	}

	// distinct triplets can quantise to the same (hash, t1); a record is
	// stored once per resource
	type record struct {
		hash uint64
		t1   int32
	}
	queued := make(map[record]struct{}, len(prints))
	for _, print := range prints {
		r := record{print.Hash, int32(print.T1())}
		if _, dup := queued[r]; dup {
			continue
		}
		queued[r] = struct{}{}
		s.db.AddToStoreQueue(r.hash, id, r.t1)
	}
	if err := s.db.ProcessStoreQueue(); err != nil {
		// roll the partial store back so the index never holds postings
		// without metadata
		for r := range queued {
			s.db.AddToDeleteQueue(r.hash, id, r.t1)
		}
		if delErr := s.db.ProcessDeleteQueue(); delErr != nil {
			s.log.Errorf("Rollback after failed store of %s also failed: %v", path, delErr)
		}
		return 0, fmt.Errorf("storing fingerprints for %s: %w", path, err)
	}

	duration := s.blocksToSeconds(prints[len(prints)-1].P3.T)

	if s.cfg.ReportFolder != "" {
		if err := s.writeReport(prints, path, duration); err != nil {
			s.log.Warnf("Could not write fingerprint report for %s: %v", path, err)
		}
	}

	if err := s.db.StoreMetadata(id, path, float32(duration), int32(len(prints))); err != nil {
		return 0, fmt.Errorf("storing metadata for %s: %w", path, err)
	}
	s.log.Infof("Stored %d fingerprints for '%s', id: %d", len(prints), path, id)
	return duration, nil
}

// Delete removes a resource's postings and metadata. Deleting an absent
// resource is a no-op.
func (s *Strategy) Delete(ctx context.Context, path string) (float64, error) {
	id := resource.ID(path)

	prints, err := s.fingerprints(ctx, path, 0, maxTime)
	if err != nil {
		return 0, err
	}

	var duration float64
	if len(prints) > 0 {
		for _, print := range prints {
			s.db.AddToDeleteQueue(print.Hash, id, int32(print.T1()))
		}
		if err := s.db.ProcessDeleteQueue(); err != nil {
			return 0, fmt.Errorf("deleting fingerprints for %s: %w", path, err)
		}
		duration = s.blocksToSeconds(prints[len(prints)-1].P3.T)
	} else {
		s.log.Warnf("No prints extracted for %s", path)
	}

	if err := s.db.DeleteMetadata(id); err != nil {
		return 0, fmt.Errorf("deleting metadata for %s: %w", path, err)
	}
	return duration, nil
}

// Has reports whether the resource's metadata is present in the store.
func (s *Strategy) Has(path string) bool {
	_, err := s.db.GetMetadata(resource.ID(path))
	return err == nil
}

// Metadata renders the stored metadata line for a resource.
func (s *Strategy) Metadata(path string) (string, error) {
	meta, err := s.db.GetMetadata(resource.ID(path))
	if err != nil {
		return "", err
	}
	return meta.String(), nil
}

// Clear empties the store.
func (s *Strategy) Clear() error { return s.db.Clear() }

// Stats reports store content counts.
func (s *Strategy) Stats() (store.Stats, error) { return s.db.Stats() }

// writeReport exports <basename>.txt next to the other reports: a short
// header followed by one line per fingerprint.
func (s *Strategy) writeReport(prints []fingerprint.Fingerprint, path string, duration float64) error {
	if err := os.MkdirAll(s.cfg.ReportFolder, 0o755); err != nil {
		return err
	}

	base := filepath.Base(path)
	if dot := strings.LastIndex(base, "."); dot > 0 {
		base = base[:dot]
	}
	outPath := filepath.Join(s.cfg.ReportFolder, base+".txt")

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "Duration: %g\n", duration)
	fmt.Fprintf(w, "Number of Prints: %d\n", len(prints))
	fmt.Fprintf(w, "Fingerprint format: Hash, t1, f1, m1, t2, f2, m2, t3, f3, m3, ts\n")
	fmt.Fprintf(w, "Fingerprints:\n")
	for _, p := range prints {
		ts := int(s.blocksToSeconds(p.MinTime()) * 1000)
		fmt.Fprintf(w, "%d %d %d %.2f %d %d %.2f %d %d %.2f %d\n",
			p.Hash,
			p.P1.T, p.P1.F, p.P1.M,
			p.P2.T, p.P2.F, p.P2.M,
			p.P3.T, p.P3.F, p.P3.M,
			ts)
	}
	fmt.Fprintln(w)
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	s.log.Infof("Saved fingerprint report for %s to %s", base, outPath)
	return f.Close()
}

// Load bulk-imports every cached <id>.tdb file from the cache folder into the
// store, skipping resources already present and cache files without a
// metadata sidecar.
func (s *Strategy) Load(ctx context.Context) error {
	fileDb, err := store.OpenFile(s.cfg.CacheFolder)
	if err != nil {
		return err
	}

	tdbFiles, err := filepath.Glob(filepath.Join(s.cfg.CacheFolder, "*.tdb"))
	if err != nil {
		return fmt.Errorf("listing cache folder: %w", err)
	}
	sort.Strings(tdbFiles)

	for index, tdbPath := range tdbFiles {
		if err := ctx.Err(); err != nil {
			return err
		}

		base := strings.TrimSuffix(filepath.Base(tdbPath), ".tdb")
		var id int64
		if _, err := fmt.Sscanf(base, "%d", &id); err != nil {
			s.log.Warnf("%d/%d Skipping cache file with unparseable name: %s", index+1, len(tdbFiles), tdbPath)
			continue
		}
		resourceID := int32(id)

		if _, err := s.db.GetMetadata(resourceID); err == nil {
			s.log.Infof("%d/%d Skipped %s, store already contains resource %d", index+1, len(tdbFiles), tdbPath, resourceID)
			continue
		}

		meta, err := fileDb.GetMetadata(resourceID)
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warnf("%d/%d Did not store fingerprints: no metadata file for %d in %s", index+1, len(tdbFiles), resourceID, s.cfg.CacheFolder)
			continue
		}
		if err != nil {
			return err
		}

		postings, err := store.ReadPostingFile(tdbPath)
		if err != nil {
			return err
		}
		for _, p := range postings {
			s.db.AddToStoreQueue(uint64(p[0]), int32(p[1]), int32(p[2]))
		}
		if err := s.db.ProcessStoreQueue(); err != nil {
			return fmt.Errorf("loading %s: %w", tdbPath, err)
		}
		if err := s.db.StoreMetadata(meta.Identifier, meta.Path, meta.Duration, meta.NumFingerprints); err != nil {
			return err
		}
		s.log.Infof("%d/%d Stored %d fingerprints and metadata for resource %d", index+1, len(tdbFiles), len(postings), resourceID)
	}
	return nil
}
