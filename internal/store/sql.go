package store

import (
	"context"
	"time"

	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore keeps entries in the kv_entries table. Expired rows are ignored on
// read and reclaimed by db.PurgeExpired.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLStore wraps a migrated gorm handle (see db.InitDB). now may be nil.
func NewSQLStore(db *gorm.DB, now func() time.Time) *SQLStore {
	return &SQLStore{db: db, now: nowOrDefault(now)}
}

func (s *SQLStore) load(tx *gorm.DB, key string) (*models.KVEntry, error) {
	var entry models.KVEntry
	res := tx.Where("key = ?", key).Limit(1).Find(&entry)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 || entry.Expired(s.now()) {
		return nil, nil
	}
	return &entry, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.load(s.db.WithContext(ctx), key)
	if err != nil {
		return nil, false, autherr.Storage(err, "get", key)
	}
	if entry == nil {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := models.KVEntry{Key: key, Value: value}
	if ttl > 0 {
		at := s.now().Add(ttl)
		entry.ExpiresAt = &at
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return autherr.Storage(err, "set", key)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.KVEntry{}).Error; err != nil {
		return autherr.Storage(err, "delete", key)
	}
	return nil
}

func (s *SQLStore) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.load(tx, key)
		if err != nil || entry == nil {
			return err
		}
		value, found = entry.Value, true
		return tx.Where("key = ?", key).Delete(&models.KVEntry{}).Error
	})
	if err != nil {
		return nil, false, autherr.Storage(err, "getdel", key)
	}
	return value, found, nil
}
