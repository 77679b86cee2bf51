package packages

import (
	"context"
	"errors"
	"time"

	"npmmirror/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultTable = "npm_package_versions"

// Store implements storage.PackageStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	Name        string    `gorm:"column:name;size:214;not null;uniqueIndex:idx_package_version,priority:1"`
	Version     string    `gorm:"column:version;size:128;not null;uniqueIndex:idx_package_version,priority:2"`
	Repository  string    `gorm:"column:repository;size:255"`
	CommitSHA   string    `gorm:"column:commit_sha;size:64"`
	Manifest    string    `gorm:"column:manifest;type:text"`
	Shasum      string    `gorm:"column:shasum;size:40"`
	TarballPath string    `gorm:"column:tarball_path;size:512"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
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
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close is a no-op; the shared handle is closed by its owner.
func (s *Store) Close() error {
	return nil
}

// UpsertPackage inserts or replaces a package version keyed by (name, version).
func (s *Store) UpsertPackage(ctx context.Context, record storage.PackageRecord) error {
	if s == nil || s.db == nil {
		return storage.ErrNotInitialized
	}
	if record.Name == "" || record.Version == "" {
		return errors.New("package name and version are required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data := toRow(record)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}, {Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{"repository", "commit_sha", "manifest", "shasum", "tarball_path", "updated_at"}),
		}).
		Create(&data).Error
}

// GetPackageVersion fetches a single version, or nil when absent.
func (s *Store) GetPackageVersion(ctx context.Context, name, version string) (*storage.PackageRecord, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
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

// ListPackageVersions returns every stored version of name.
func (s *Store) ListPackageVersions(ctx context.Context, name string) ([]storage.PackageRecord, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	var data []row
	err := s.tableDB().
		WithContext(ctx).
		Where("name = ?", name).
		Order("created_at asc").
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.PackageRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

// ListPackageNames returns the distinct package names in the store.
func (s *Store) ListPackageNames(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	var names []string
	err := s.tableDB().
		WithContext(ctx).
		Distinct("name").
		Order("name asc").
		Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.PackageRecord) row {
	return row{
		Name:        record.Name,
		Version:     record.Version,
		Repository:  record.Repository,
		CommitSHA:   record.CommitSHA,
		Manifest:    string(record.Manifest),
		Shasum:      record.Shasum,
		TarballPath: record.TarballPath,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func fromRow(data row) storage.PackageRecord {
	return storage.PackageRecord{
		Name:        data.Name,
		Version:     data.Version,
		Repository:  data.Repository,
		CommitSHA:   data.CommitSHA,
		Manifest:    []byte(data.Manifest),
		Shasum:      data.Shasum,
		TarballPath: data.TarballPath,
		CreatedAt:   data.CreatedAt,
		UpdatedAt:   data.UpdatedAt,
	}
}
