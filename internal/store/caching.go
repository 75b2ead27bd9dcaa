package store

import "context"

// Caching writes through to a file cache alongside the primary backend, so
// every stored resource leaves a .tdb file that later runs can reuse instead
// of re-extracting fingerprints. Reads are served by the primary; metadata
// lookups fall back to the cache.
type Caching struct {
	cache   *File
	primary Store
}

func NewCaching(cache *File, primary Store) *Caching {
	return &Caching{cache: cache, primary: primary}
}

// CacheFolder is the directory the file cache writes to.
func (c *Caching) CacheFolder() string { return c.cache.Folder() }

func (c *Caching) AddToStoreQueue(hash uint64, resourceID int32, t1 int32) {
	c.cache.AddToStoreQueue(hash, resourceID, t1)
	c.primary.AddToStoreQueue(hash, resourceID, t1)
}

func (c *Caching) ProcessStoreQueue() error {
	if err := c.cache.ProcessStoreQueue(); err != nil {
		return err
	}
	return c.primary.ProcessStoreQueue()
}

func (c *Caching) ClearStoreQueue() {
	c.cache.ClearStoreQueue()
	c.primary.ClearStoreQueue()
}

func (c *Caching) AddToDeleteQueue(hash uint64, resourceID int32, t1 int32) {
	c.cache.AddToDeleteQueue(hash, resourceID, t1)
	c.primary.AddToDeleteQueue(hash, resourceID, t1)
}

func (c *Caching) ProcessDeleteQueue() error {
	if err := c.cache.ProcessDeleteQueue(); err != nil {
		return err
	}
	return c.primary.ProcessDeleteQueue()
}

func (c *Caching) AddToQueryQueue(hash uint64) {
	c.primary.AddToQueryQueue(hash)
}

func (c *Caching) ProcessQueryQueue(ctx context.Context, queryRange int, avoid map[int32]struct{}) (map[uint64][]Hit, error) {
	return c.primary.ProcessQueryQueue(ctx, queryRange, avoid)
}

func (c *Caching) StoreMetadata(id int32, path string, duration float32, numFingerprints int32) error {
	if err := c.cache.StoreMetadata(id, path, duration, numFingerprints); err != nil {
		return err
	}
	return c.primary.StoreMetadata(id, path, duration, numFingerprints)
}

func (c *Caching) GetMetadata(id int32) (*Metadata, error) {
	meta, err := c.primary.GetMetadata(id)
	if err == ErrNotFound {
		return c.cache.GetMetadata(id)
	}
	return meta, err
}

func (c *Caching) DeleteMetadata(id int32) error {
	if err := c.cache.DeleteMetadata(id); err != nil {
		return err
	}
	return c.primary.DeleteMetadata(id)
}

func (c *Caching) Clear() error {
	if err := c.cache.Clear(); err != nil {
		return err
	}
	return c.primary.Clear()
}

func (c *Caching) Stats() (Stats, error) {
	return c.primary.Stats()
}

func (c *Caching) Close() error {
	if err := c.cache.Close(); err != nil {
		return err
	}
	return c.primary.Close()
}
