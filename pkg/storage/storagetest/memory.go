// Package storagetest provides in-memory stores for tests.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"npmmirror/pkg/storage"
)

// Packages is an in-memory storage.PackageStore.
type Packages struct {
	mu      sync.Mutex
	records map[string]storage.PackageRecord
	// Err fails every upsert when set.
	Err     error
	Upserts int
}

// NewPackages creates an empty store.
func NewPackages() *Packages {
	return &Packages{records: make(map[string]storage.PackageRecord)}
}

func (p *Packages) UpsertPackage(ctx context.Context, record storage.PackageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Upserts++
	if existing, ok := p.records[record.ID()]; ok {
		record.CreatedAt = existing.CreatedAt
	}
	p.records[record.ID()] = record
	return nil
}

func (p *Packages) GetPackageVersion(ctx context.Context, name, version string) (*storage.PackageRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.records[storage.PackageID(name, version)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (p *Packages) ListPackageVersions(ctx context.Context, name string) ([]storage.PackageRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []storage.PackageRecord
	for _, record := range p.records {
		if record.Name == name {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (p *Packages) ListPackageNames(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, record := range p.records {
		if _, ok := seen[record.Name]; ok {
			continue
		}
		seen[record.Name] = struct{}{}
		out = append(out, record.Name)
	}
	sort.Strings(out)
	return out, nil
}

// Snapshot returns a copy of every record keyed by id.
func (p *Packages) Snapshot() map[string]storage.PackageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]storage.PackageRecord, len(p.records))
	for id, record := range p.records {
		out[id] = record
	}
	return out
}

func (p *Packages) Close() error { return nil }

// Repositories is an in-memory storage.RepositoryStore.
type Repositories struct {
	mu      sync.Mutex
	records map[string]storage.RepositoryRecord
}

// NewRepositories creates an empty store.
func NewRepositories() *Repositories {
	return &Repositories{records: make(map[string]storage.RepositoryRecord)}
}

func (r *Repositories) EnsureRepository(ctx context.Context, fullName, provider string) (*storage.RepositoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fullName == "" {
		return nil, errors.New("repository name is required")
	}
	record, ok := r.records[fullName]
	if !ok {
		now := time.Now().UTC()
		record = storage.RepositoryRecord{FullName: fullName, Provider: provider, CreatedAt: now, UpdatedAt: now}
		r.records[fullName] = record
	}
	return &record, nil
}

func (r *Repositories) GetRepository(ctx context.Context, fullName string) (*storage.RepositoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[fullName]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (r *Repositories) AdvanceWatermark(ctx context.Context, fullName string, watermark time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[fullName]
	if !ok {
		return false, nil
	}
	if record.Watermark != nil && !record.Watermark.Before(watermark) {
		return false, nil
	}
	wm := watermark.UTC()
	record.Watermark = &wm
	r.records[fullName] = record
	return true, nil
}

func (r *Repositories) RecordSyncResult(ctx context.Context, fullName string, at time.Time, syncErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[fullName]
	if !ok {
		return nil
	}
	record.LastSyncedAt = &at
	record.LastError = ""
	if syncErr != nil {
		record.LastError = syncErr.Error()
	}
	r.records[fullName] = record
	return nil
}

func (r *Repositories) ListRepositories(ctx context.Context) ([]storage.RepositoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.RepositoryRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

// SetWatermark seeds a watermark.
func (r *Repositories) SetWatermark(fullName string, watermark time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record := r.records[fullName]
	record.FullName = fullName
	record.Watermark = &watermark
	r.records[fullName] = record
}

func (r *Repositories) Close() error { return nil }
