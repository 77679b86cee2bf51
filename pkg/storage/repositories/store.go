package repositories

import (
	"context"
	"errors"
	"time"

	"npmmirror/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultTable = "npm_repositories"

// Store implements storage.RepositoryStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	FullName     string     `gorm:"column:full_name;size:255;not null;uniqueIndex:idx_repository"`
	Provider     string     `gorm:"column:provider;size:32"`
	Watermark    *time.Time `gorm:"column:watermark"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	LastError    string     `gorm:"column:last_error;type:text"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// New wraps a shared GORM handle. An empty table uses the default name.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, storage.ErrNotInitialized
	}
	if table == "" {
		table = defaultTable
	}
	store := &Store{db: db, table: table}
	if autoMigrate {
		if err := store.tableDB().AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close is a no-op; the shared handle is closed by its owner.
func (s *Store) Close() error {
	return nil
}

// EnsureRepository lazily creates the repository record and returns it.
func (s *Store) EnsureRepository(ctx context.Context, fullName, provider string) (*storage.RepositoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	if fullName == "" {
		return nil, errors.New("repository name is required")
	}
	now := time.Now().UTC()
	data := row{FullName: fullName, Provider: provider, CreatedAt: now, UpdatedAt: now}
	err := s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "full_name"}},
			DoNothing: true,
		}).
		Create(&data).Error
	if err != nil {
		return nil, err
	}
	return s.GetRepository(ctx, fullName)
}

// GetRepository fetches a repository record, or nil when absent.
func (s *Store) GetRepository(ctx context.Context, fullName string) (*storage.RepositoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("full_name = ?", fullName).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// AdvanceWatermark only ever moves the watermark forward. Concurrent runs
// cannot regress it because the comparison happens inside the UPDATE.
func (s *Store) AdvanceWatermark(ctx context.Context, fullName string, watermark time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, storage.ErrNotInitialized
	}
	watermark = watermark.UTC()
	result := s.tableDB().
		WithContext(ctx).
		Where("full_name = ? AND (watermark IS NULL OR watermark < ?)", fullName, watermark).
		Updates(map[string]interface{}{
			"watermark":  watermark,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RecordSyncResult stores when the repository last finished a sync and how.
func (s *Store) RecordSyncResult(ctx context.Context, fullName string, at time.Time, syncErr error) error {
	if s == nil || s.db == nil {
		return storage.ErrNotInitialized
	}
	message := ""
	if syncErr != nil {
		message = syncErr.Error()
	}
	at = at.UTC()
	return s.tableDB().
		WithContext(ctx).
		Where("full_name = ?", fullName).
		Updates(map[string]interface{}{
			"last_synced_at": at,
			"last_error":     message,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// ListRepositories returns all known repositories ordered by name.
func (s *Store) ListRepositories(ctx context.Context) ([]storage.RepositoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	var data []row
	if err := s.tableDB().WithContext(ctx).Order("full_name asc").Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.RepositoryRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func fromRow(data row) storage.RepositoryRecord {
	return storage.RepositoryRecord{
		FullName:     data.FullName,
		Provider:     data.Provider,
		Watermark:    data.Watermark,
		LastSyncedAt: data.LastSyncedAt,
		LastError:    data.LastError,
		CreatedAt:    data.CreatedAt,
		UpdatedAt:    data.UpdatedAt,
	}
}
