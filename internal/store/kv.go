package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

// key prefixes inside the badger keyspace
var (
	postingPrefix  = []byte{'p'}
	metadataPrefix = []byte{'m'}
)

// KV persists postings in a badger key-value store. A posting is encoded
// entirely in its key, hash:t1:resourceID big-endian, so the +/-Q lookup is
// an ordered range scan and values stay empty. Writes go through a badger
// WriteBatch per flush.
type KV struct {
	db *badger.DB

	queueMu     sync.Mutex
	storeQueue  []queuedPosting
	deleteQueue []queuedPosting
	queryQueue  []uint64
}

func OpenKV(dir string) (*KV, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", dir, err)
	}
	return &KV{db: db}, nil
}

func postingKey(hash uint64, t1 int32, resourceID int32) []byte {
	key := make([]byte, 1+8+4+4)
	key[0] = postingPrefix[0]
	binary.BigEndian.PutUint64(key[1:], hash)
	binary.BigEndian.PutUint32(key[9:], uint32(t1))
	binary.BigEndian.PutUint32(key[13:], uint32(resourceID))
	return key
}

func parsePostingKey(key []byte) (hash uint64, t1 int32, resourceID int32) {
	hash = binary.BigEndian.Uint64(key[1:])
	t1 = int32(binary.BigEndian.Uint32(key[9:]))
	resourceID = int32(binary.BigEndian.Uint32(key[13:]))
	return
}

func metadataKey(id int32) []byte {
	key := make([]byte, 1+4)
	key[0] = metadataPrefix[0]
	binary.BigEndian.PutUint32(key[1:], uint32(id))
	return key
}

func (s *KV) AddToStoreQueue(hash uint64, resourceID int32, t1 int32) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.storeQueue = append(s.storeQueue, queuedPosting{hash, resourceID, t1})
}

func (s *KV) ProcessStoreQueue() error {
	s.queueMu.Lock()
	queue := s.storeQueue
	s.storeQueue = nil
	s.queueMu.Unlock()

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, q := range queue {
		if err := wb.Set(postingKey(q.hash, q.t1, q.resourceID), nil); err != nil {
			return fmt.Errorf("batching posting: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing store batch: %w", err)
	}
	return nil
}

func (s *KV) ClearStoreQueue() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.storeQueue = nil
}

func (s *KV) AddToDeleteQueue(hash uint64, resourceID int32, t1 int32) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.deleteQueue = append(s.deleteQueue, queuedPosting{hash, resourceID, t1})
}

func (s *KV) ProcessDeleteQueue() error {
	s.queueMu.Lock()
	queue := s.deleteQueue
	s.deleteQueue = nil
	s.queueMu.Unlock()

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, q := range queue {
		if err := wb.Delete(postingKey(q.hash, q.t1, q.resourceID)); err != nil {
			return fmt.Errorf("batching delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing delete batch: %w", err)
	}
	return nil
}

func (s *KV) AddToQueryQueue(hash uint64) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queryQueue = append(s.queryQueue, hash)
}

func (s *KV) ProcessQueryQueue(ctx context.Context, queryRange int, avoid map[int32]struct{}) (map[uint64][]Hit, error) {
	s.queueMu.Lock()
	queue := s.queryQueue
	s.queryQueue = nil
	s.queueMu.Unlock()

	results := make(map[uint64][]Hit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, h := range queue {
			if err := ctx.Err(); err != nil {
				return err
			}
			lo, hi := hashRange(h, queryRange)
			upper := postingKey(hi, -1, -1) // t1/resourceID all ones: inclusive upper bound

			for it.Seek(postingKey(lo, 0, 0)); it.Valid(); it.Next() {
				key := it.Item().Key()
				if !bytes.HasPrefix(key, postingPrefix) || bytes.Compare(key, upper) > 0 {
					break
				}
				matched, t1, resourceID := parsePostingKey(key)
				if _, skip := avoid[resourceID]; skip {
					continue
				}
				results[h] = append(results[h], Hit{
					ResourceID:      resourceID,
					T:               t1,
					OriginalHash:    h,
					MatchedNearHash: matched,
				})
			}
		}
		return nil
	})
	return results, err
}

func (s *KV) StoreMetadata(id int32, path string, duration float32, numFingerprints int32) error {
	value := fmt.Sprintf("%s\t%f\t%d", path, duration, numFingerprints)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metadataKey(id), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("storing metadata for %d: %w", id, err)
	}
	return nil
}

func (s *KV) GetMetadata(id int32) (*Metadata, error) {
	var meta *Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metadataKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			m, err := parseMetadataValue(id, string(value))
			meta = m
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata for %d: %w", id, err)
	}
	return meta, nil
}

func parseMetadataValue(id int32, value string) (*Metadata, error) {
	fields := strings.Split(value, "\t")
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: metadata value %q", ErrCorrupt, value)
	}
	duration, err := strconv.ParseFloat(fields[1], 32)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata duration %q", ErrCorrupt, fields[1])
	}
	n, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata print count %q", ErrCorrupt, fields[2])
	}
	return &Metadata{
		Identifier:      id,
		Path:            fields[0],
		Duration:        float32(duration),
		NumFingerprints: int32(n),
	}, nil
}

func (s *KV) DeleteMetadata(id int32) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metadataKey(id))
	})
	if err != nil {
		return fmt.Errorf("deleting metadata for %d: %w", id, err)
	}
	return nil
}

func (s *KV) Clear() error {
	return s.db.DropAll()
}

func (s *KV) Stats() (Stats, error) {
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			switch {
			case bytes.HasPrefix(key, postingPrefix):
				stats.Postings++
			case bytes.HasPrefix(key, metadataPrefix):
				stats.Resources++
			}
		}
		return nil
	})
	return stats, err
}

func (s *KV) Close() error {
	return s.db.Close()
}
