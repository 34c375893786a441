// Package staticserve runs ephemeral file servers for static catalog pages.
package staticserve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/metrics"
)

// How long a shutting-down server gets to finish in-flight requests.
const shutdownGrace = 2 * time.Second

// Server describes one live static file server.
type Server struct {
	PagePath  string    `json:"page_path"`
	Port      int       `json:"port"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
}

type entryServer struct {
	info Server
	srv  *http.Server
}

// Registry keeps at most one file server per page path. The listener is
// bound synchronously inside ServeFor, so a returned Server is already
// accepting connections.
type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	servers map[string]*entryServer
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger,
		servers: make(map[string]*entryServer),
	}
}

// ServeFor returns the server for pagePath, starting one on an ephemeral
// port if none is running yet. Repeated calls for the same page reuse the
// same server.
func (r *Registry) ServeFor(pagePath string) (Server, error) {
	abs, err := filepath.Abs(pagePath)
	if err != nil {
		return Server{}, fmt.Errorf("resolve page path: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.servers[abs]; ok {
		return existing.info, nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Server{}, fmt.Errorf("bind static server: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	srv := &http.Server{
		Handler:           pageHandler(abs),
		ReadHeaderTimeout: 5 * time.Second,
	}
	info := Server{
		PagePath:  abs,
		Port:      port,
		URL:       fmt.Sprintf("http://127.0.0.1:%d", port),
		StartedAt: time.Now().UTC(),
	}
	r.servers[abs] = &entryServer{info: info, srv: srv}
	metrics.SetStaticServersActive(len(r.servers))

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("static server stopped", zap.String("page", abs), zap.Error(err))
		}
	}()

	r.logger.Info("static server started", zap.String("page", abs), zap.Int("port", port))
	return info, nil
}

// Active returns the currently running servers.
func (r *Registry) Active() []Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Server, 0, len(r.servers))
	for _, es := range r.servers {
		out = append(out, es.info)
	}
	return out
}

// Count reports how many servers are running.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Stop shuts down the server for pagePath, if any.
func (r *Registry) Stop(pagePath string) {
	abs, err := filepath.Abs(pagePath)
	if err != nil {
		return
	}
	r.mu.Lock()
	es, ok := r.servers[abs]
	if ok {
		delete(r.servers, abs)
		metrics.SetStaticServersActive(len(r.servers))
	}
	r.mu.Unlock()
	if ok {
		r.shutdown(es)
	}
}

// StopAll shuts down every server and returns how many were stopped.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	stopped := make([]*entryServer, 0, len(r.servers))
	for key, es := range r.servers {
		stopped = append(stopped, es)
		delete(r.servers, key)
	}
	metrics.SetStaticServersActive(0)
	r.mu.Unlock()

	for _, es := range stopped {
		r.shutdown(es)
	}
	return len(stopped)
}

func (r *Registry) shutdown(es *entryServer) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := es.srv.Shutdown(ctx); err != nil {
		r.logger.Warn("static server shutdown", zap.String("page", es.info.PagePath), zap.Error(err))
	}
}

// pageHandler serves the page file at the root path and sibling assets from
// the page's directory. Paths that escape the directory are rejected.
func pageHandler(pagePath string) http.Handler {
	dir := filepath.Dir(pagePath)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/" || req.URL.Path == "" {
			http.ServeFile(w, req, pagePath)
			return
		}
		rel := filepath.Clean(strings.TrimPrefix(req.URL.Path, "/"))
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		http.ServeFile(w, req, filepath.Join(dir, rel))
	})
}
