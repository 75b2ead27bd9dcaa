package store

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps all postings in process memory: a hash map for postings plus a
// sorted key slice so the +/-Q neighbourhood lookup is a binary search
// instead of a full scan. A readers-writer lock allows concurrent queries.
type Memory struct {
	mu         sync.RWMutex
	postings   map[uint64][]Posting
	sortedKeys []uint64
	keysDirty  bool
	metadata   map[int32]*Metadata

	queueMu     sync.Mutex
	storeQueue  []queuedPosting
	deleteQueue []queuedPosting
	queryQueue  []uint64
}

func NewMemory() *Memory {
	return &Memory{
		postings: make(map[uint64][]Posting),
		metadata: make(map[int32]*Metadata),
	}
}

func (m *Memory) AddToStoreQueue(hash uint64, resourceID int32, t1 int32) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.storeQueue = append(m.storeQueue, queuedPosting{hash, resourceID, t1})
}

func (m *Memory) ProcessStoreQueue() error {
	m.queueMu.Lock()
	queue := m.storeQueue
	m.storeQueue = nil
	m.queueMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queue {
		if _, ok := m.postings[q.hash]; !ok {
			m.keysDirty = true
		}
		m.postings[q.hash] = append(m.postings[q.hash], Posting{q.resourceID, q.t1})
	}
	m.rebuildKeysLocked()
	return nil
}

func (m *Memory) ClearStoreQueue() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.storeQueue = nil
}

func (m *Memory) AddToDeleteQueue(hash uint64, resourceID int32, t1 int32) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.deleteQueue = append(m.deleteQueue, queuedPosting{hash, resourceID, t1})
}

func (m *Memory) ProcessDeleteQueue() error {
	m.queueMu.Lock()
	queue := m.deleteQueue
	m.deleteQueue = nil
	m.queueMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queue {
		list := m.postings[q.hash]
		kept := list[:0]
		for _, p := range list {
			if p.ResourceID != q.resourceID || p.T1 != q.t1 {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.postings, q.hash)
			m.keysDirty = true
		} else {
			m.postings[q.hash] = kept
		}
	}
	m.rebuildKeysLocked()
	return nil
}

// rebuildKeysLocked refreshes the sorted key set after mutations. Caller
// holds the write lock.
func (m *Memory) rebuildKeysLocked() {
	if !m.keysDirty {
		return
	}
	keys := make([]uint64, 0, len(m.postings))
	for k := range m.postings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	m.sortedKeys = keys
	m.keysDirty = false
}

func (m *Memory) AddToQueryQueue(hash uint64) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.queryQueue = append(m.queryQueue, hash)
}

func (m *Memory) ProcessQueryQueue(ctx context.Context, queryRange int, avoid map[int32]struct{}) (map[uint64][]Hit, error) {
	m.queueMu.Lock()
	queue := m.queryQueue
	m.queryQueue = nil
	m.queueMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeys
	results := make(map[uint64][]Hit)
	for _, h := range queue {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		lo, hi := hashRange(h, queryRange)
		start := sort.Search(len(keys), func(i int) bool { return keys[i] >= lo })
		for i := start; i < len(keys) && keys[i] <= hi; i++ {
			for _, p := range m.postings[keys[i]] {
				if _, skip := avoid[p.ResourceID]; skip {
					continue
				}
				results[h] = append(results[h], Hit{
					ResourceID:      p.ResourceID,
					T:               p.T1,
					OriginalHash:    h,
					MatchedNearHash: keys[i],
				})
			}
		}
	}
	return results, nil
}

func (m *Memory) StoreMetadata(id int32, path string, duration float32, numFingerprints int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[id] = &Metadata{
		Identifier:      id,
		Path:            path,
		Duration:        duration,
		NumFingerprints: numFingerprints,
	}
	return nil
}

func (m *Memory) GetMetadata(id int32) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metadata[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *meta
	return &copied, nil
}

func (m *Memory) DeleteMetadata(id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadata, id)
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postings = make(map[uint64][]Posting)
	m.metadata = make(map[int32]*Metadata)
	m.sortedKeys = nil
	m.keysDirty = false
	return nil
}

func (m *Memory) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	s.Resources = int64(len(m.metadata))
	for _, list := range m.postings {
		s.Postings += int64(len(list))
	}
	return s, nil
}

func (m *Memory) Close() error { return nil }
