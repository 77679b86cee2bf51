// Package tarball keeps the on-disk artifact cache. Entries live at
// tarball/<name>/<version>.tgz under the artifact root and are never
// rewritten once present.
package tarball

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"npmmirror/pkg/fetch"
)

// Dir is the directory under the artifact root holding every tarball.
const Dir = "tarball"

// Locator resolves the download URL of an archive. It is only called on a miss.
type Locator func(ctx context.Context) (string, error)

// Entry is a cached tarball.
type Entry struct {
	// Path is the absolute file path.
	Path string
	// RelativePath is the path below the artifact root, slash separated.
	RelativePath string
	// Shasum is the hex SHA-1 of the file content.
	Shasum string
	// Downloaded is true when this call fetched the archive.
	Downloaded bool
}

// Cache is a content-addressed tarball cache keyed by (name, version).
type Cache struct {
	root       string
	downloader fetch.Downloader
}

// New creates the artifact root if needed.
func New(root string, downloader fetch.Downloader) (*Cache, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	if downloader == nil {
		return nil, errors.New("downloader is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, Dir), 0o755); err != nil {
		return nil, err
	}
	return &Cache{root: abs, downloader: downloader}, nil
}

// Root returns the absolute artifact root.
func (c *Cache) Root() string {
	return c.root
}

// RelativePath returns the slash separated path of a tarball below the artifact root.
func RelativePath(name, version string) string {
	return path.Join(Dir, name, version+".tgz")
}

// Path returns the canonical absolute path of (name, version).
func (c *Cache) Path(name, version string) (string, error) {
	if err := checkKey(name, version); err != nil {
		return "", err
	}
	return filepath.Join(c.root, filepath.FromSlash(RelativePath(name, version))), nil
}

// Resolve returns the cached tarball for (name, version), downloading it
// through locate on a miss. The checksum is computed on every call.
func (c *Cache) Resolve(ctx context.Context, name, version string, locate Locator) (Entry, error) {
	target, err := c.Path(name, version)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{Path: target, RelativePath: RelativePath(name, version)}

	present, err := isFile(target)
	if err != nil {
		return Entry{}, err
	}
	if !present {
		if locate == nil {
			return Entry{}, errors.New("archive locator is required on a cache miss")
		}
		url, err := locate(ctx)
		if err != nil {
			return Entry{}, fmt.Errorf("resolve archive link: %w", err)
		}
		if err := c.download(ctx, url, target); err != nil {
			return Entry{}, err
		}
		entry.Downloaded = true
	}

	sum, err := Shasum(target)
	if err != nil {
		return Entry{}, fmt.Errorf("checksum %s: %w", entry.RelativePath, err)
	}
	entry.Shasum = sum
	return entry, nil
}

// download streams url into a temp file beside target and renames it into
// place only after the stream completed.
func (c *Cache) download(ctx context.Context, url, target string) error {
	archive, err := c.downloader.Fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	defer archive.Body.Close()

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, copyErr := io.Copy(tmp, archive.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move archive into place: %w", err)
	}
	return nil
}

// Shasum returns the hex SHA-1 digest of the file at path.
func Shasum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha1.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func checkKey(name, version string) error {
	if name == "" || version == "" {
		return errors.New("tarball name and version are required")
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("invalid package name %q", name)
		}
	}
	if strings.ContainsAny(version, `/\`) || version == "." || version == ".." {
		return fmt.Errorf("invalid version %q", version)
	}
	return nil
}
