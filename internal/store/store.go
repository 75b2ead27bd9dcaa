// Package store holds the hash-indexed fingerprint stores. All backends
// satisfy the same Store contract: queued writes committed by an explicit
// flush, range lookups over a numeric hash neighbourhood, and a metadata
// table keyed by resource identifier.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/trifone/trifone/internal/config"
)

var (
	// ErrNotFound is returned when no metadata exists for a resource.
	ErrNotFound = errors.New("resource not found")
	// ErrCorrupt flags unreadable storage content.
	ErrCorrupt = errors.New("corrupt storage")
)

// Posting associates a resource and the anchor frame of one fingerprint with
// a hash.
type Posting struct {
	ResourceID int32
	T1         int32
}

// Hit is one posting returned by a near-hash lookup, annotated with the hash
// that was asked for and the hash that actually matched.
type Hit struct {
	ResourceID      int32
	T               int32
	OriginalHash    uint64
	MatchedNearHash uint64
}

// Metadata describes one stored resource.
type Metadata struct {
	Identifier      int32
	Path            string
	Duration        float32
	NumFingerprints int32
}

// PrintsPerSecond is the fingerprint density of the resource.
func (m Metadata) PrintsPerSecond() float32 {
	if m.Duration == 0 {
		return 0
	}
	return float32(m.NumFingerprints) / m.Duration
}

func (m Metadata) String() string {
	return fmt.Sprintf("%d ; %s ; %.3f (s) ; %d (#) ; %.3f (#/s)",
		m.Identifier, m.Path, m.Duration, m.NumFingerprints, m.PrintsPerSecond())
}

// Stats summarises store content.
type Stats struct {
	Resources int64
	Postings  int64
}

// Store is the backend contract. Writes and deletes are queued and committed
// by the matching process call; queries observe either the full pre-flush or
// the full post-flush state for a given resource. Implementations serialise
// access internally.
type Store interface {
	AddToStoreQueue(hash uint64, resourceID int32, t1 int32)
	ProcessStoreQueue() error
	ClearStoreQueue()

	AddToDeleteQueue(hash uint64, resourceID int32, t1 int32)
	ProcessDeleteQueue() error

	AddToQueryQueue(hash uint64)
	// ProcessQueryQueue resolves every queued hash H to the postings of all
	// keys in [H-queryRange, H+queryRange], skipping resources in avoid, and
	// drains the queue.
	ProcessQueryQueue(ctx context.Context, queryRange int, avoid map[int32]struct{}) (map[uint64][]Hit, error)

	StoreMetadata(id int32, path string, duration float32, numFingerprints int32) error
	GetMetadata(id int32) (*Metadata, error)
	DeleteMetadata(id int32) error

	Clear() error
	Stats() (Stats, error)
	Close() error
}

type queuedPosting struct {
	hash       uint64
	resourceID int32
	t1         int32
}

// Open creates the backend selected by cfg.StorageBackend, wrapping it with a
// file cache when CacheToFile is set. The file backend is never wrapped.
func Open(cfg config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.StorageBackend {
	case "memory":
		s = NewMemory()
	case "kv":
		s, err = OpenKV(cfg.StoreFolder)
	case "file":
		s, err = OpenFile(cfg.StoreFolder)
	case "sqlite":
		s, err = OpenSQLite(cfg.StoreFolder)
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheToFile && cfg.StorageBackend != "file" {
		cache, err := OpenFile(cfg.CacheFolder)
		if err != nil {
			s.Close()
			return nil, err
		}
		s = NewCaching(cache, s)
	}
	return s, nil
}

// hashRange clamps the [h-q, h+q] neighbourhood against unsigned wraparound.
func hashRange(h uint64, q int) (lo, hi uint64) {
	d := uint64(q)
	lo = h - d
	if lo > h {
		lo = 0
	}
	hi = h + d
	if hi < h {
		hi = ^uint64(0)
	}
	return lo, hi
}
