// Package api serves the mirrored packages as an npm-compatible read-only
// registry and exposes the sync trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"npmmirror/pkg/host"
	"npmmirror/pkg/registry"
	"npmmirror/pkg/storage"
	"npmmirror/pkg/tarball"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
)

// Trigger starts a background sync. An empty repository means every repository.
type Trigger interface {
	Trigger(ctx context.Context, repository string)
}

// PackagesHandler serves packuments and single version documents.
type PackagesHandler struct {
	Registry *registry.Service
	Logger   *log.Logger
}

func (h *PackagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, version, ok := packagePath(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var (
		doc map[string]interface{}
		err error
	)
	if version == "" {
		doc, err = h.Registry.Packument(r.Context(), name)
	} else {
		doc, err = h.Registry.Version(r.Context(), name, version)
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		h.Logger.Error("document build failed", "package", name, "version", version, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, doc)
	}
}

// packagePath reads "name" or "@scope/name" and an optional version from
// the route segments. Encoded slashes ("@scope%2fname") are accepted.
func packagePath(r *http.Request) (name, version string, ok bool) {
	var segments []string
	for _, key := range []string{"pkg", "sub", "version"} {
		raw := chi.URLParam(r, key)
		if raw == "" {
			continue
		}
		value, err := url.PathUnescape(raw)
		if err != nil {
			return "", "", false
		}
		segments = append(segments, strings.Split(value, "/")...)
	}
	if len(segments) == 0 {
		return "", "", false
	}
	if strings.HasPrefix(segments[0], "@") {
		if len(segments) < 2 {
			return "", "", false
		}
		name = segments[0] + "/" + segments[1]
		segments = segments[2:]
	} else {
		name = segments[0]
		segments = segments[1:]
	}
	switch len(segments) {
	case 0:
	case 1:
		version = segments[0]
	default:
		return "", "", false
	}
	if name == "" || strings.Contains(name, "..") {
		return "", "", false
	}
	return name, version, true
}

// NamesHandler lists every mirrored package name.
type NamesHandler struct {
	Registry *registry.Service
	Logger   *log.Logger
}

func (h *NamesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	names, err := h.Registry.Names(r.Context())
	if err != nil {
		h.Logger.Error("list packages failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list packages failed")
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// TarballHandler serves cached archives from the artifact root.
type TarballHandler struct {
	Root string
}

func (h *TarballHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || !strings.HasSuffix(raw, ".tgz") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	clean := path.Clean("/" + raw)
	target := filepath.Join(h.Root, tarball.Dir, filepath.FromSlash(clean))
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, target)
}

// SyncHandler triggers a sync of every repository, or of ?repo=owner/name.
type SyncHandler struct {
	Trigger Trigger
	Logger  *log.Logger
}

func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	repository := strings.TrimSpace(r.URL.Query().Get("repo"))
	if repository != "" {
		if _, err := host.ParseRepo(repository); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.Trigger.Trigger(r.Context(), repository)
	h.Logger.Info("sync requested", "repository", repository, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "repository": repository})
}

// RepositoriesHandler lists repository sync state.
type RepositoriesHandler struct {
	Store  storage.RepositoryStore
	Logger *log.Logger
}

type repositoryView struct {
	FullName     string `json:"full_name"`
	Provider     string `json:"provider"`
	Watermark    string `json:"watermark,omitempty"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func (h *RepositoriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	records, err := h.Store.ListRepositories(r.Context())
	if err != nil {
		h.Logger.Error("list repositories failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list repositories failed")
		return
	}
	views := make([]repositoryView, 0, len(records))
	for _, record := range records {
		view := repositoryView{FullName: record.FullName, Provider: record.Provider, LastError: record.LastError}
		if record.Watermark != nil {
			view.Watermark = record.Watermark.UTC().Format(timeFormat)
		}
		if record.LastSyncedAt != nil {
			view.LastSyncedAt = record.LastSyncedAt.UTC().Format(timeFormat)
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

const timeFormat = "2006-01-02T15:04:05.000Z"

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
