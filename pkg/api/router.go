package api

import (
	"expvar"
	"net/http"
	"time"

	"npmmirror/internal"
	"npmmirror/pkg/registry"
	"npmmirror/pkg/storage"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig wires the façade.
type RouterConfig struct {
	Registry     *registry.Service
	Repositories storage.RepositoryStore
	ArtifactRoot string
	// Trigger is nil when sync requests are not accepted over HTTP.
	Trigger Trigger
	// Webhooks maps POST paths to hook handlers.
	Webhooks       map[string]http.Handler
	MetricsEnabled bool
	MetricsPath    string
	MaxBodyBytes   int64
	RateLimitRPS   int64
	RateLimitBurst int64
	Logger         *log.Logger
}

const limiterTTL = 10 * time.Minute

// NewRouter builds the HTTP handler of the mirror.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = internal.NewLogger("api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/-/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsEnabled && cfg.MetricsPath != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, expvar.Handler())
	}
	r.Method(http.MethodGet, "/-/packages", &NamesHandler{Registry: cfg.Registry, Logger: logger})
	r.Method(http.MethodGet, "/-/repositories", &RepositoriesHandler{Store: cfg.Repositories, Logger: logger})

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return internal.NewRateLimitHandler(next, cfg.RateLimitRPS, cfg.RateLimitBurst, limiterTTL)
		})
		if cfg.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(cfg.MaxBodyBytes))
		}
		if cfg.Trigger != nil {
			r.Method(http.MethodPost, "/-/sync", &SyncHandler{Trigger: cfg.Trigger, Logger: logger})
		}
		for path, handler := range cfg.Webhooks {
			r.Method(http.MethodPost, path, handler)
		}
	})

	r.Method(http.MethodGet, "/tarball/*", &TarballHandler{Root: cfg.ArtifactRoot})

	packages := &PackagesHandler{Registry: cfg.Registry, Logger: logger}
	r.Method(http.MethodGet, "/{pkg}", packages)
	r.Method(http.MethodGet, "/{pkg}/{sub}", packages)
	r.Method(http.MethodGet, "/{pkg}/{sub}/{version}", packages)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start).Round(time.Microsecond),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
