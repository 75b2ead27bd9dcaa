package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/trifone/trifone/pkg/logger"
)

// File keeps fingerprints as text files, one <id>.tdb per resource with one
// posting per line, plus one <id>_meta_data.txt sidecar. Stores append to the
// .tdb file; deletes rewrite it without the removed lines.
// The format doubles as the fingerprint cache and as a bulk exchange format;
// the +/-Q lookup loads and sorts everything in memory, so it is only meant
// for bulk load and dump.
type File struct {
	folder string
	log    *logger.Logger

	writeMu sync.Mutex

	queueMu     sync.Mutex
	storeQueue  []queuedPosting
	deleteQueue []queuedPosting
	queryQueue  []uint64
}

func OpenFile(folder string) (*File, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("creating file store folder: %w", err)
	}
	return &File{folder: folder, log: logger.GetLogger()}, nil
}

// Folder is the directory holding the .tdb and metadata files.
func (s *File) Folder() string { return s.folder }

// PostingLine renders one posting in the on-disk text format.
func PostingLine(hash uint64, resourceID int32, t1 int32) string {
	return fmt.Sprintf("%d %d %d", hash, resourceID, t1)
}

// DataFromLine parses one posting line: hash, resource identifier and t1 as
// ASCII decimals separated by whitespace.
func DataFromLine(line string) (hash uint64, resourceID int32, t1 int32, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: posting line %q", ErrCorrupt, line)
	}
	hash, err = strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: hash %q", ErrCorrupt, fields[0])
	}
	id, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: resource id %q", ErrCorrupt, fields[1])
	}
	t, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: t1 %q", ErrCorrupt, fields[2])
	}
	return hash, int32(id), int32(t), nil
}

// ReadPostingFile reads every parseable posting from a .tdb file. Corrupt
// lines are skipped with a warning; the file is left as is.
func ReadPostingFile(path string) ([][3]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening posting file: %w", err)
	}
	defer f.Close()

	log := logger.GetLogger()
	var postings [][3]int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		hash, resourceID, t1, err := DataFromLine(line)
		if err != nil {
			log.Warnf("Skipping corrupt line in %s: %v", path, err)
			continue
		}
		postings = append(postings, [3]int64{int64(hash), int64(resourceID), int64(t1)})
	}
	if err := scanner.Err(); err != nil {
		return postings, fmt.Errorf("reading posting file: %w", err)
	}
	return postings, nil
}

func (s *File) tdbPath(resourceID int32) string {
	return filepath.Join(s.folder, fmt.Sprintf("%d.tdb", resourceID))
}

func (s *File) metadataPath(resourceID int32) string {
	return filepath.Join(s.folder, fmt.Sprintf("%d_meta_data.txt", resourceID))
}

func (s *File) AddToStoreQueue(hash uint64, resourceID int32, t1 int32) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.storeQueue = append(s.storeQueue, queuedPosting{hash, resourceID, t1})
}

// StoreQueueToString renders the pending store queue in the on-disk format
// without committing it.
func (s *File) StoreQueueToString() string {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	var sb strings.Builder
	for _, q := range s.storeQueue {
		sb.WriteString(PostingLine(q.hash, q.resourceID, q.t1))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (s *File) ProcessStoreQueue() error {
	s.queueMu.Lock()
	queue := s.storeQueue
	s.storeQueue = nil
	s.queueMu.Unlock()

	perResource := make(map[int32][]queuedPosting)
	for _, q := range queue {
		perResource[q.resourceID] = append(perResource[q.resourceID], q)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for resourceID, postings := range perResource {
		if err := s.appendPostings(resourceID, postings); err != nil {
			return err
		}
	}
	return nil
}

func (s *File) appendPostings(resourceID int32, postings []queuedPosting) error {
	f, err := os.OpenFile(s.tdbPath(resourceID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.tdbPath(resourceID), err)
	}
	w := bufio.NewWriter(f)
	for _, q := range postings {
		fmt.Fprintln(w, PostingLine(q.hash, q.resourceID, q.t1))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", s.tdbPath(resourceID), err)
	}
	return f.Close()
}

func (s *File) ClearStoreQueue() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.storeQueue = nil
}

func (s *File) AddToDeleteQueue(hash uint64, resourceID int32, t1 int32) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.deleteQueue = append(s.deleteQueue, queuedPosting{hash, resourceID, t1})
}

func (s *File) ProcessDeleteQueue() error {
	s.queueMu.Lock()
	queue := s.deleteQueue
	s.deleteQueue = nil
	s.queueMu.Unlock()

	doomed := make(map[int32]map[string]struct{})
	for _, q := range queue {
		if doomed[q.resourceID] == nil {
			doomed[q.resourceID] = make(map[string]struct{})
		}
		doomed[q.resourceID][PostingLine(q.hash, q.resourceID, q.t1)] = struct{}{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for resourceID, lines := range doomed {
		if err := s.rewriteWithout(resourceID, lines); err != nil {
			return err
		}
	}
	return nil
}

func (s *File) rewriteWithout(resourceID int32, doomed map[string]struct{}) error {
	path := s.tdbPath(resourceID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, gone := doomed[line]; !gone {
			kept = append(kept, line)
		}
	}

	if len(kept) == 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		return nil
	}
	content := strings.Join(kept, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("rewriting %s: %w", path, err)
	}
	return nil
}

func (s *File) AddToQueryQueue(hash uint64) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queryQueue = append(s.queryQueue, hash)
}

func (s *File) ProcessQueryQueue(ctx context.Context, queryRange int, avoid map[int32]struct{}) (map[uint64][]Hit, error) {
	s.queueMu.Lock()
	queue := s.queryQueue
	s.queryQueue = nil
	s.queueMu.Unlock()

	type flatPosting struct {
		hash       uint64
		resourceID int32
		t1         int32
	}

	// bulk load: the file backend has no index, sort once and binary search
	matches, err := filepath.Glob(filepath.Join(s.folder, "*.tdb"))
	if err != nil {
		return nil, fmt.Errorf("listing posting files: %w", err)
	}
	var all []flatPosting
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		postings, err := ReadPostingFile(path)
		if err != nil {
			return nil, err
		}
		for _, p := range postings {
			all = append(all, flatPosting{uint64(p[0]), int32(p[1]), int32(p[2])})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].hash < all[j].hash })

	results := make(map[uint64][]Hit)
	for _, h := range queue {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		lo, hi := hashRange(h, queryRange)
		start := sort.Search(len(all), func(i int) bool { return all[i].hash >= lo })
		for i := start; i < len(all) && all[i].hash <= hi; i++ {
			if _, skip := avoid[all[i].resourceID]; skip {
				continue
			}
			results[h] = append(results[h], Hit{
				ResourceID:      all[i].resourceID,
				T:               all[i].t1,
				OriginalHash:    h,
				MatchedNearHash: all[i].hash,
			})
		}
	}
	return results, nil
}

func (s *File) StoreMetadata(id int32, path string, duration float32, numFingerprints int32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	content := fmt.Sprintf("%s\t%f\t%d\n", path, duration, numFingerprints)
	if err := os.WriteFile(s.metadataPath(id), []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing metadata for %d: %w", id, err)
	}
	return nil
}

func (s *File) GetMetadata(id int32) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata for %d: %w", id, err)
	}
	return parseMetadataValue(id, strings.TrimSpace(string(data)))
}

func (s *File) DeleteMetadata(id int32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := os.Remove(s.metadataPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting metadata for %d: %w", id, err)
	}
	return nil
}

func (s *File) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, pattern := range []string{"*.tdb", "*_meta_data.txt"} {
		matches, err := filepath.Glob(filepath.Join(s.folder, pattern))
		if err != nil {
			return fmt.Errorf("listing %s: %w", pattern, err)
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("removing %s: %w", path, err)
			}
		}
	}
	return nil
}

func (s *File) Stats() (Stats, error) {
	var stats Stats
	tdbs, err := filepath.Glob(filepath.Join(s.folder, "*.tdb"))
	if err != nil {
		return stats, fmt.Errorf("listing posting files: %w", err)
	}
	for _, path := range tdbs {
		postings, err := ReadPostingFile(path)
		if err != nil {
			return stats, err
		}
		stats.Postings += int64(len(postings))
	}
	metas, err := filepath.Glob(filepath.Join(s.folder, "*_meta_data.txt"))
	if err != nil {
		return stats, fmt.Errorf("listing metadata files: %w", err)
	}
	stats.Resources = int64(len(metas))
	return stats, nil
}

func (s *File) Close() error { return nil }
