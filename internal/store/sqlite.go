package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// postingRow is the relational form of a posting. Hashes fit comfortably in
// an int64: the triplet hash occupies the low 51 bits.
type postingRow struct {
	ID         uint  `gorm:"primaryKey;autoIncrement"`
	Hash       int64 `gorm:"index:idx_posting_hash"`
	ResourceID int32 `gorm:"index:idx_posting_resource"`
	T1         int32
}

func (postingRow) TableName() string { return "postings" }

type resourceRow struct {
	ID              int32 `gorm:"primaryKey"`
	Path            string
	Duration        float32
	NumFingerprints int32
}

func (resourceRow) TableName() string { return "resources" }

// SQLite implements the store contract on a relational database. The +/-Q
// lookup becomes a BETWEEN over the indexed hash column.
type SQLite struct {
	db *gorm.DB

	queueMu     sync.Mutex
	storeQueue  []queuedPosting
	deleteQueue []queuedPosting
	queryQueue  []uint64
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&postingRow{}, &resourceRow{}); err != nil {
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) AddToStoreQueue(hash uint64, resourceID int32, t1 int32) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.storeQueue = append(s.storeQueue, queuedPosting{hash, resourceID, t1})
}

func (s *SQLite) ProcessStoreQueue() error {
	s.queueMu.Lock()
	queue := s.storeQueue
	s.storeQueue = nil
	s.queueMu.Unlock()

	if len(queue) == 0 {
		return nil
	}
	rows := make([]postingRow, len(queue))
	for i, q := range queue {
		rows[i] = postingRow{Hash: int64(q.hash), ResourceID: q.resourceID, T1: q.t1}
	}
	if err := s.db.CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("inserting postings: %w", err)
	}
	return nil
}

func (s *SQLite) ClearStoreQueue() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.storeQueue = nil
}

func (s *SQLite) AddToDeleteQueue(hash uint64, resourceID int32, t1 int32) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.deleteQueue = append(s.deleteQueue, queuedPosting{hash, resourceID, t1})
}

func (s *SQLite) ProcessDeleteQueue() error {
	s.queueMu.Lock()
	queue := s.deleteQueue
	s.deleteQueue = nil
	s.queueMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, q := range queue {
			err := tx.Where("hash = ? AND resource_id = ? AND t1 = ?",
				int64(q.hash), q.resourceID, q.t1).Delete(&postingRow{}).Error
			if err != nil {
				return fmt.Errorf("deleting posting: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) AddToQueryQueue(hash uint64) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queryQueue = append(s.queryQueue, hash)
}

func (s *SQLite) ProcessQueryQueue(ctx context.Context, queryRange int, avoid map[int32]struct{}) (map[uint64][]Hit, error) {
	s.queueMu.Lock()
	queue := s.queryQueue
	s.queryQueue = nil
	s.queueMu.Unlock()

	results := make(map[uint64][]Hit)
	for _, h := range queue {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		lo, hi := hashRange(h, queryRange)

		var rows []postingRow
		err := s.db.WithContext(ctx).
			Where("hash BETWEEN ? AND ?", int64(lo), int64(hi)).
			Find(&rows).Error
		if err != nil {
			return results, fmt.Errorf("querying hash %d: %w", h, err)
		}
		for _, row := range rows {
			if _, skip := avoid[row.ResourceID]; skip {
				continue
			}
			results[h] = append(results[h], Hit{
				ResourceID:      row.ResourceID,
				T:               row.T1,
				OriginalHash:    h,
				MatchedNearHash: uint64(row.Hash),
			})
		}
	}
	return results, nil
}

func (s *SQLite) StoreMetadata(id int32, path string, duration float32, numFingerprints int32) error {
	row := resourceRow{ID: id, Path: path, Duration: duration, NumFingerprints: numFingerprints}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("storing metadata for %d: %w", id, err)
	}
	return nil
}

func (s *SQLite) GetMetadata(id int32) (*Metadata, error) {
	var row resourceRow
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata for %d: %w", id, err)
	}
	return &Metadata{
		Identifier:      row.ID,
		Path:            row.Path,
		Duration:        row.Duration,
		NumFingerprints: row.NumFingerprints,
	}, nil
}

func (s *SQLite) DeleteMetadata(id int32) error {
	if err := s.db.Delete(&resourceRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting metadata for %d: %w", id, err)
	}
	return nil
}

func (s *SQLite) Clear() error {
	if err := s.db.Exec("DELETE FROM postings").Error; err != nil {
		return fmt.Errorf("clearing postings: %w", err)
	}
	if err := s.db.Exec("DELETE FROM resources").Error; err != nil {
		return fmt.Errorf("clearing resources: %w", err)
	}
	return nil
}

func (s *SQLite) Stats() (Stats, error) {
	var stats Stats
	if err := s.db.Model(&postingRow{}).Count(&stats.Postings).Error; err != nil {
		return stats, fmt.Errorf("counting postings: %w", err)
	}
	if err := s.db.Model(&resourceRow{}).Count(&stats.Resources).Error; err != nil {
		return stats, fmt.Errorf("counting resources: %w", err)
	}
	return stats, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
