package tarball

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"npmmirror/pkg/fetch"
)

type stubDownloader struct {
	body  string
	err   error
	calls int
	// failAfter cuts the stream with an error after body is read.
	failAfter bool
}

func (s *stubDownloader) Fetch(ctx context.Context, url string) (*fetch.Archive, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var reader io.Reader = strings.NewReader(s.body)
	if s.failAfter {
		reader = io.MultiReader(reader, errReader{})
	}
	return &fetch.Archive{Body: io.NopCloser(reader), Size: -1}, nil
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func staticLocator(url string) Locator {
	return func(ctx context.Context) (string, error) { return url, nil }
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestResolveDownloadsOnMiss(t *testing.T) {
	downloader := &stubDownloader{body: "tarball-bytes"}
	cache, err := New(t.TempDir(), downloader)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	entry, err := cache.Resolve(context.Background(), "@acme/widget", "1.0.0", staticLocator("https://example.com/a.tgz"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !entry.Downloaded || downloader.calls != 1 {
		t.Fatalf("expected a download, calls=%d", downloader.calls)
	}
	if entry.RelativePath != "tarball/@acme/widget/1.0.0.tgz" {
		t.Fatalf("unexpected relative path %q", entry.RelativePath)
	}
	if entry.Shasum != sha1Hex("tarball-bytes") {
		t.Fatalf("unexpected shasum %q", entry.Shasum)
	}
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if string(data) != "tarball-bytes" {
		t.Fatalf("unexpected cached content %q", data)
	}
}

func TestResolveHitSkipsDownloadButChecksums(t *testing.T) {
	downloader := &stubDownloader{body: "fresh"}
	cache, err := New(t.TempDir(), downloader)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	target, err := cache.Path("pkg", "2.0.0")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(target, []byte("already-here"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	located := false
	entry, err := cache.Resolve(context.Background(), "pkg", "2.0.0", func(ctx context.Context) (string, error) {
		located = true
		return "https://example.com/pkg.tgz", nil
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if located || downloader.calls != 0 || entry.Downloaded {
		t.Fatalf("expected a cache hit without link lookup or download")
	}
	if entry.Shasum != sha1Hex("already-here") {
		t.Fatalf("unexpected shasum %q", entry.Shasum)
	}
}

func TestResolveStreamFailureLeavesNoFile(t *testing.T) {
	downloader := &stubDownloader{body: "partial", failAfter: true}
	root := t.TempDir()
	cache, err := New(root, downloader)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	if _, err := cache.Resolve(context.Background(), "pkg", "1.0.0", staticLocator("https://example.com/pkg.tgz")); err == nil {
		t.Fatalf("expected stream error")
	}
	target, _ := cache.Path("pkg", "1.0.0")
	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no file at canonical path, stat err=%v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(target), "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("expected temp files to be cleaned up, found %v", leftovers)
	}
}

func TestResolveLocatorFailure(t *testing.T) {
	downloader := &stubDownloader{body: "x"}
	cache, err := New(t.TempDir(), downloader)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	_, err = cache.Resolve(context.Background(), "pkg", "1.0.0", func(ctx context.Context) (string, error) {
		return "", errors.New("archive link lookup failed")
	})
	if err == nil {
		t.Fatalf("expected locator error")
	}
	if downloader.calls != 0 {
		t.Fatalf("expected no download after locator failure")
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	cache, err := New(t.TempDir(), &stubDownloader{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	for _, name := range []string{"../etc", "@acme/../x", "a//b"} {
		if _, err := cache.Path(name, "1.0.0"); err == nil {
			t.Fatalf("expected error for %q", name)
		}
	}
	if _, err := cache.Path("pkg", "../1.0.0"); err == nil {
		t.Fatalf("expected error for traversal in version")
	}
}
