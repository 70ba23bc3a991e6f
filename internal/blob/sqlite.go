package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// blobRow is the single table backing SQLiteStore.
type blobRow struct {
	Key       string `gorm:"column:blob_key;primaryKey;size:512"`
	Data      []byte
	UpdatedAt time.Time
}

func (blobRow) TableName() string { return "blobs" }

// SQLiteStore keeps blobs in one SQLite table through gorm.
// The driver is pure Go, so no cgo toolchain is required.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// blobs table. An empty path opens a shared in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if err := db.AutoMigrate(&blobRow{}); err != nil {
		return nil, fmt.Errorf("migrating blobs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	row := blobRow{Key: key, Data: data, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row blobRow
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return row.Data, nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&blobRow{}).
		Where("substr(blob_key, 1, ?) = ?", len(prefix), prefix).
		Order("blob_key").
		Pluck("blob_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Where("blob_key = ?", key).Delete(&blobRow{})
	if res.Error != nil {
		return fmt.Errorf("deleting blob %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
