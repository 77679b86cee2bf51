package syncer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"npmmirror/internal"
	"npmmirror/pkg/extract"
	"npmmirror/pkg/fetch"
	"npmmirror/pkg/host/hosttest"
	"npmmirror/pkg/storage"
	"npmmirror/pkg/storage/storagetest"
	"npmmirror/pkg/tarball"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type stubDownloader struct {
	mu    sync.Mutex
	calls int
}

func (d *stubDownloader) Fetch(ctx context.Context, url string) (*fetch.Archive, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return &fetch.Archive{Body: io.NopCloser(strings.NewReader("archive:" + url)), Size: -1}, nil
}

func (d *stubDownloader) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event internal.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return p.err
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	host       *hosttest.Host
	downloader *stubDownloader
	cache      *tarball.Cache
	packages   *storagetest.Packages
	repos      *storagetest.Repositories
	publisher  *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	downloader := &stubDownloader{}
	cache, err := tarball.New(t.TempDir(), downloader)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return &fixture{
		host:       hosttest.New(),
		downloader: downloader,
		cache:      cache,
		packages:   storagetest.NewPackages(),
		repos:      storagetest.NewRepositories(),
		publisher:  &recordingPublisher{},
	}
}

func (f *fixture) syncer(t *testing.T, cfg Config) *Syncer {
	t.Helper()
	extractor := extract.New(f.host, f.cache, f.packages, extract.Config{Scope: "@acme"})
	s, err := New(f.host, f.repos, extractor, f.publisher, cfg)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return s
}

func (f *fixture) commit(repo, sha string, at time.Duration, manifest string) {
	f.host.AddCommit(repo, hosttest.Commit{
		SHA:         sha,
		CommittedAt: base.Add(at),
		Files:       map[string]string{"package.json": manifest},
	})
}

func TestRunMaterializesEveryVersion(t *testing.T) {
	f := newFixture(t)
	f.commit("acme/widget", "old", time.Hour, `{"name":"@acme/widget","version":"0.9.0"}`)
	f.commit("acme/widget", "new", 2*time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)

	report, err := f.syncer(t, Config{}).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.RunID == "" {
		t.Fatalf("expected run id")
	}
	if report.Err() != nil {
		t.Fatalf("unexpected errors: %v", report.Err())
	}
	if len(report.Repositories) != 1 || report.Repositories[0].Accepted != 2 {
		t.Fatalf("unexpected report %+v", report.Repositories)
	}

	records := f.packages.Snapshot()
	for _, version := range []string{"0.9.0", "1.0.0"} {
		record, ok := records[storage.PackageID("@acme/widget", version)]
		if !ok {
			t.Fatalf("missing version %s", version)
		}
		data, err := os.ReadFile(filepath.Join(f.cache.Root(), record.TarballPath))
		if err != nil {
			t.Fatalf("read tarball: %v", err)
		}
		sum := sha1.Sum(data)
		if record.Shasum != hex.EncodeToString(sum[:]) {
			t.Fatalf("shasum mismatch for %s", version)
		}
	}

	repo, _ := f.repos.GetRepository(context.Background(), "acme/widget")
	if repo == nil || repo.Watermark == nil || !repo.Watermark.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("expected watermark at newest commit, got %+v", repo)
	}
	if f.publisher.count(internal.TopicVersionSynced) != 2 {
		t.Fatalf("expected 2 version events, got %d", f.publisher.count(internal.TopicVersionSynced))
	}
	if f.publisher.count(internal.TopicRepositorySynced) != 1 {
		t.Fatalf("expected 1 repository event")
	}
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.commit("acme/widget", "a", time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)
	f.commit("acme/widget", "b", 2*time.Hour, `{"name":"@acme/widget","version":"1.1.0"}`)
	s := f.syncer(t, Config{})

	if _, err := s.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := f.packages.Snapshot()
	downloads := f.downloader.count()

	report, err := s.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Repositories[0].Commits != 0 {
		t.Fatalf("expected no commits past the watermark, got %d", report.Repositories[0].Commits)
	}
	if !reflect.DeepEqual(first, f.packages.Snapshot()) {
		t.Fatalf("store changed on second run")
	}
	if f.downloader.count() != downloads {
		t.Fatalf("expected no new downloads")
	}
}

func TestRunOnlyProcessesCommitsPastWatermark(t *testing.T) {
	f := newFixture(t)
	f.commit("acme/widget", "a", time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)
	s := f.syncer(t, Config{})
	if _, err := s.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	f.commit("acme/widget", "b", 3*time.Hour, `{"name":"@acme/widget","version":"1.1.0"}`)
	report, err := s.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := report.Repositories[0].Commits; got != 1 {
		t.Fatalf("expected 1 new commit, got %d", got)
	}
	watermark := report.Repositories[0].Watermark
	if watermark == nil || !watermark.Equal(base.Add(3*time.Hour)) {
		t.Fatalf("expected watermark to advance, got %v", watermark)
	}
	if f.downloader.count() != 2 {
		t.Fatalf("expected 2 downloads, got %d", f.downloader.count())
	}
}

func TestRepositoryFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t)
	f.commit("acme/broken", "x", time.Hour, `{"name":"@acme/broken","version":"1.0.0"}`)
	f.commit("acme/widget", "y", time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)
	f.host.ListErr["acme/broken"] = map[int]error{1: errors.New("rate limited")}

	report, err := f.syncer(t, Config{}).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected 1 failed repository, got %d", report.Failed())
	}
	if _, ok := f.packages.Snapshot()[storage.PackageID("@acme/widget", "1.0.0")]; !ok {
		t.Fatalf("expected healthy repository to sync")
	}
	broken, _ := f.repos.GetRepository(context.Background(), "acme/broken")
	if broken == nil || broken.LastError == "" {
		t.Fatalf("expected failure to be recorded, got %+v", broken)
	}
}

func TestWatermarkPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy        Policy
		wantWatermark bool
	}{
		{policy: PolicyMaterialized, wantWatermark: false},
		{policy: PolicyPage, wantWatermark: true},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			f := newFixture(t)
			f.commit("acme/widget", "good", time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)
			f.commit("acme/widget", "bad", 2*time.Hour, `{"name":"@acme/widget","version":"1.1.0"}`)
			f.host.ArchiveErr["bad"] = errors.New("archive unavailable")

			report, err := f.syncer(t, Config{Policy: tc.policy}).Run(context.Background(), Options{})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			repo := report.Repositories[0]
			if repo.Accepted != 1 || repo.Failed != 1 {
				t.Fatalf("unexpected counts %+v", repo)
			}
			if (repo.Watermark != nil) != tc.wantWatermark {
				t.Fatalf("watermark set = %v, want %v", repo.Watermark != nil, tc.wantWatermark)
			}
		})
	}
}

func TestAbsentManifestSkipsRepository(t *testing.T) {
	f := newFixture(t)
	f.host.AddCommit("acme/docs", hosttest.Commit{SHA: "d", CommittedAt: base, Files: map[string]string{"README.md": "hi"}})

	report, err := f.syncer(t, Config{}).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Repositories[0].Absent {
		t.Fatalf("expected repository to be skipped")
	}
	if f.host.ListCalls != 0 {
		t.Fatalf("expected no history walk, got %d list calls", f.host.ListCalls)
	}
}

func TestScopedRunHonorsAllowList(t *testing.T) {
	f := newFixture(t)
	f.commit("acme/widget", "a", time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)
	f.commit("acme/other", "b", time.Hour, `{"name":"@acme/other","version":"1.0.0"}`)
	s := f.syncer(t, Config{Repositories: []string{"acme/widget"}})

	if _, err := s.Run(context.Background(), Options{Repository: "acme/other"}); !errors.Is(err, ErrRepositoryNotAllowed) {
		t.Fatalf("expected ErrRepositoryNotAllowed, got %v", err)
	}
	report, err := s.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Repositories) != 1 || report.Repositories[0].Repository != "acme/widget" {
		t.Fatalf("expected only allow-listed repository, got %+v", report.Repositories)
	}
}

func TestExistingTarballIsNotDownloadedAgain(t *testing.T) {
	f := newFixture(t)
	f.commit("acme/widget", "a", time.Hour, `{"name":"@acme/widget","version":"2.0.0"}`)
	path, err := f.cache.Path("@acme/widget", "2.0.0")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := []byte("previously cached")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := f.syncer(t, Config{}).Run(context.Background(), Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.downloader.count() != 0 {
		t.Fatalf("expected no download, got %d", f.downloader.count())
	}
	record := f.packages.Snapshot()[storage.PackageID("@acme/widget", "2.0.0")]
	sum := sha1.Sum(content)
	if record.Shasum != hex.EncodeToString(sum[:]) {
		t.Fatalf("expected checksum of the existing file, got %q", record.Shasum)
	}
}

func TestPublishFailureDoesNotFailSync(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")
	f.commit("acme/widget", "a", time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)

	report, err := f.syncer(t, Config{}).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Err() != nil {
		t.Fatalf("expected publish errors to be ignored, got %v", report.Err())
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	f := newFixture(t)
	f.commit("acme/widget", "a", time.Hour, `{"name":"@acme/widget","version":"1.0.0"}`)
	s := f.syncer(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Trigger(ctx, "acme/widget")
	s.Trigger(ctx, "acme/widget")
	cancel()
	s.Wait()

	if _, ok := f.packages.Snapshot()[storage.PackageID("@acme/widget", "1.0.0")]; !ok {
		t.Fatalf("expected triggered run to sync the repository")
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	f := newFixture(t)
	extractor := extract.New(f.host, f.cache, f.packages, extract.Config{})
	if _, err := New(f.host, f.repos, extractor, nil, Config{Policy: "hourly"}); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
