// Package store persists token records, login metadata and derived caches
// on an expiring key/value backend.
//
// Three backends implement Store: an in-process map (tests and single-node
// development), SQLite through gorm, and Valkey. TokenStore layers typed
// accessors and the key namespace on top of any of them.
package store

import (
	"context"
	"time"
)

// Store is an expiring key/value store. All operations are idempotent;
// deleting an absent key is not an error. Backend failures are returned
// marked with autherr.ErrStorage and are never reported as "absent".
type Store interface {
	// Get returns the value and true, or nil and false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// GetDel atomically reads and removes key.
	GetDel(ctx context.Context, key string) ([]byte, bool, error)
}

func nowOrDefault(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
