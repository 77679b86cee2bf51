// Package registry renders stored package versions as npm registry documents.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"npmmirror/pkg/storage"

	"github.com/Masterminds/semver/v3"
)

// ErrNotFound is returned when no version of a package is stored.
var ErrNotFound = errors.New("package not found")

// VersionDocument returns the manifest fields of record with dist, id and
// dist-tags added. An empty tarballBase keeps dist.tarball relative to the
// artifact root.
func VersionDocument(record storage.PackageRecord, tarballBase string) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	if len(record.Manifest) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(record.Manifest))
		decoder.UseNumber()
		if err := decoder.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", record.ID(), err)
		}
	}
	doc["name"] = record.Name
	doc["version"] = record.Version
	doc["id"] = record.ID()
	doc["dist"] = map[string]interface{}{
		"shasum":  record.Shasum,
		"tarball": TarballURL(tarballBase, record.TarballPath),
	}
	doc["dist-tags"] = map[string]interface{}{"latest": record.Version}
	return doc, nil
}

// TarballURL joins base and a relative tarball path.
func TarballURL(base, relative string) string {
	if base == "" {
		return relative
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(relative, "/")
}

// Packument builds the full package document for name from its versions.
func Packument(name string, records []storage.PackageRecord, tarballBase string) (map[string]interface{}, error) {
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	versions := make(map[string]interface{}, len(records))
	times := map[string]interface{}{}
	var modified time.Time
	for _, record := range records {
		doc, err := VersionDocument(record, tarballBase)
		if err != nil {
			return nil, err
		}
		versions[record.Version] = doc
		if !record.CreatedAt.IsZero() {
			times[record.Version] = record.CreatedAt.UTC().Format(time.RFC3339)
		}
		if record.UpdatedAt.After(modified) {
			modified = record.UpdatedAt
		}
	}
	if !modified.IsZero() {
		times["modified"] = modified.UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"_id":       name,
		"name":      name,
		"versions":  versions,
		"dist-tags": map[string]interface{}{"latest": Latest(records)},
		"time":      times,
	}, nil
}

// Latest returns the highest stable version, or the highest prerelease when
// no stable version exists.
func Latest(records []storage.PackageRecord) string {
	sorted := SortedVersions(records)
	if len(sorted) == 0 {
		return ""
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Prerelease() == "" {
			return sorted[i].Original()
		}
	}
	return sorted[len(sorted)-1].Original()
}

// SortedVersions parses and orders record versions ascending. Unparseable
// versions are dropped.
func SortedVersions(records []storage.PackageRecord) []*semver.Version {
	out := make([]*semver.Version, 0, len(records))
	for _, record := range records {
		v, err := semver.StrictNewVersion(record.Version)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Sort(semver.Collection(out))
	return out
}

// Service answers registry queries from the package store.
type Service struct {
	store       storage.PackageStore
	tarballBase string
}

// NewService creates a Service. tarballBase prefixes dist.tarball.
func NewService(store storage.PackageStore, tarballBase string) *Service {
	return &Service{store: store, tarballBase: tarballBase}
}

// Packument looks up every version of name.
func (s *Service) Packument(ctx context.Context, name string) (map[string]interface{}, error) {
	records, err := s.store.ListPackageVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	return Packument(name, records, s.tarballBase)
}

// Version looks up a single version of name.
func (s *Service) Version(ctx context.Context, name, version string) (map[string]interface{}, error) {
	record, err := s.store.GetPackageVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	return VersionDocument(*record, s.tarballBase)
}

// Names lists every mirrored package name in ascending order.
func (s *Service) Names(ctx context.Context) ([]string, error) {
	names, err := s.store.ListPackageNames(ctx)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	sort.Strings(names)
	return names, nil
}
