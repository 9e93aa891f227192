package models

import "time"

// KVEntry is one row of the key/value token store. ExpiresAt is nil for
// entries without a TTL.
type KVEntry struct {
	Key       string     `gorm:"primaryKey"`
	Value     []byte     `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the table name stable across renames of the struct.
func (KVEntry) TableName() string { return "kv_entries" }

// Expired reports whether the entry is past its expiry at now.
func (e *KVEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
