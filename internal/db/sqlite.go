package db

import (
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/glebarez/sqlite"
	"github.com/pysugar/login-nexus/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database at dbPath and runs migrations.
// Use "file::memory:?cache=shared" for an in-process database.
func InitDB(dbPath string) (*gorm.DB, error) {
	return open(dbPath, os.Stderr)
}

// newLogger logs slow queries and errors to w. A missing row is the normal
// miss path of every store read, so it is not reported.
func newLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func open(dbPath string, logOut io.Writer) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: newLogger(logOut),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", dbPath)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under
	// concurrent refreshes.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.KVEntry{}); err != nil {
		return nil, errors.Wrap(err, "migrate kv_entries")
	}
	return db, nil
}

// PurgeExpired deletes entries whose TTL has passed and returns how many rows
// were removed. Reads already ignore expired rows; this only reclaims space.
func PurgeExpired(db *gorm.DB, now time.Time) (int64, error) {
	res := db.Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&models.KVEntry{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "purge expired entries")
	}
	if res.RowsAffected > 0 {
		slog.Info("purged expired store entries", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
