// Package api exposes the HTTP interface for the appshelf service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/assets"
	"github.com/appshelf/appshelf/internal/catalog"
	"github.com/appshelf/appshelf/internal/config"
	"github.com/appshelf/appshelf/internal/launch"
	"github.com/appshelf/appshelf/internal/metrics"
	"github.com/appshelf/appshelf/internal/preview"
	"github.com/appshelf/appshelf/internal/scan"
	"github.com/appshelf/appshelf/internal/staticserve"
)

// Server wires HTTP handlers to the scan and preview workers, the foreground
// supervisor, and the catalog store.
type Server struct {
	router     chi.Router
	store      catalog.Store
	scanner    *scan.Scanner
	previews   *preview.Worker
	supervisor *launch.Supervisor
	registry   *staticserve.Registry
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store catalog.Store,
	scanner *scan.Scanner,
	previews *preview.Worker,
	supervisor *launch.Supervisor,
	registry *staticserve.Registry,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		scanner:    scanner,
		previews:   previews,
		supervisor: supervisor,
		registry:   registry,
		cfg:        cfg,
		logger:     logger,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scan", s.startScan)
		r.Get("/scan/progress", s.scanProgress)

		r.Post("/previews/regenerate", s.regeneratePreviews)
		r.Get("/previews/progress", s.previewProgress)

		r.Route("/live", func(r chi.Router) {
			r.Get("/status", s.liveStatus)
			r.Post("/stop", s.liveStop)
			r.Get("/{short_id}", s.liveLaunch)
		})

		r.Post("/resources/free", s.freeResources)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", s.listEntries)
			r.Post("/cleanup", s.cleanupEntries)
			r.Delete("/{short_id}", s.deleteEntry)
			r.Get("/{short_id}/page", s.entryPage)
		})
		r.Delete("/folders", s.deleteFolder)
	})

	r.Get("/assets/{short_id}/*", s.entryAsset)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetAll(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scanRequest struct {
	RootDir string `json:"root_dir"`
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rootDir := req.RootDir
	if rootDir == "" {
		rootDir = s.cfg.Scan.RootDir
	}
	if rootDir == "" {
		writeError(w, http.StatusBadRequest, "root_dir required")
		return
	}
	if err := s.scanner.Start(r.Context(), rootDir); err != nil {
		if errors.Is(err, scan.ErrScanActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "root_dir": rootDir})
}

func (s *Server) scanProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scanner.Progress())
}

func (s *Server) regeneratePreviews(w http.ResponseWriter, r *http.Request) {
	count, err := s.previews.RegenerateMissing(r.Context())
	if err != nil {
		if errors.Is(err, preview.ErrBatchActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "count": count})
}

func (s *Server) previewProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.previews.Progress())
}

// liveLaunch routes to the supervisor for executables and the static server
// registry for pages, then redirects to the serving URL.
func (s *Server) liveLaunch(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromURL(w, r)
	if !ok {
		return
	}

	var url string
	switch entry.Kind {
	case catalog.KindExecutable:
		status, err := s.supervisor.Launch(r.Context(), entry)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		url = status.URL
	case catalog.KindStatic:
		info, err := s.registry.ServeFor(entry.PagePath())
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		metrics.ObserveLaunch(string(entry.Kind))
		url = info.URL
	default:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("unknown kind %q", entry.Kind))
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) liveStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"running":        false,
		"static_servers": s.registry.Active(),
	}
	if status, ok := s.supervisor.Current(); ok {
		resp["running"] = true
		resp["app"] = status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) liveStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.supervisor.Stop(); err != nil {
		if errors.Is(err, launch.ErrNothingRunning) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "nothing_running"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) freeResources(w http.ResponseWriter, _ *http.Request) {
	s.supervisor.StopIfAny()
	stopped := s.registry.StopAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "freed",
		"static_servers_stopped": stopped,
	})
}

// listEntries returns the catalog. Preview references whose image file has
// vanished from disk are cleared on the way out, so the next regeneration
// pass picks the entry up again.
func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i, entry := range entries {
		if entry.PreviewPath == "" {
			continue
		}
		if _, err := os.Stat(entry.PreviewPath); err == nil {
			continue
		}
		if err := s.store.ClearPreviewPath(r.Context(), entry.ShortID); err != nil {
			s.logger.Warn("clear stale preview failed",
				zap.String("short_id", entry.ShortID.String()), zap.Error(err))
			continue
		}
		entries[i].PreviewPath = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := catalog.ParseShortID(chi.URLParam(r, "short_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Remove(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "short_id": id.String()})
}

func (s *Server) cleanupEntries(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.RemoveMissing(r.Context(), func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleaned", "removed": removed})
}

type deleteFolderRequest struct {
	FolderPath string `json:"folder_path"`
}

func (s *Server) deleteFolder(w http.ResponseWriter, r *http.Request) {
	var req deleteFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FolderPath == "" {
		writeError(w, http.StatusBadRequest, "folder_path required")
		return
	}
	removed, err := s.store.RemoveByFolder(r.Context(), req.FolderPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "removed": removed})
}

// entryPage serves the entry's HTML with relative asset references rewritten
// through the id-scoped proxy route.
func (s *Server) entryPage(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromURL(w, r)
	if !ok {
		return
	}
	pagePath := entry.PagePath()
	if pagePath == "" {
		writeError(w, http.StatusNotFound, "entry has no page")
		return
	}
	content, err := os.ReadFile(pagePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "page file missing")
		return
	}
	rewritten := assets.RewriteHTML(string(content), entry.ShortID, filepath.Dir(pagePath))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(rewritten)); err != nil {
		s.logger.Error("write page failed", zap.Error(err))
	}
}

// entryAsset serves one file from the entry's page directory. Paths that
// escape the directory are refused.
func (s *Server) entryAsset(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromURL(w, r)
	if !ok {
		return
	}
	pagePath := entry.PagePath()
	if pagePath == "" {
		writeError(w, http.StatusNotFound, "entry has no page")
		return
	}
	rel := chi.URLParam(r, "*")
	resolved, err := assets.Resolve(filepath.Dir(pagePath), rel)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	http.ServeFile(w, r, resolved)
}

// entryFromURL loads the entry named by the short_id route parameter,
// writing the error response itself when that fails.
func (s *Server) entryFromURL(w http.ResponseWriter, r *http.Request) (catalog.Entry, bool) {
	id, err := catalog.ParseShortID(chi.URLParam(r, "short_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return catalog.Entry{}, false
	}
	entry, err := s.store.GetByShortID(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return catalog.Entry{}, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return catalog.Entry{}, false
	}
	return entry, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
