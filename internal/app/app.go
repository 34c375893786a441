// Package app initializes and holds the long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/api"
	"github.com/appshelf/appshelf/internal/catalog"
	"github.com/appshelf/appshelf/internal/clock/system"
	"github.com/appshelf/appshelf/internal/config"
	"github.com/appshelf/appshelf/internal/enrich"
	"github.com/appshelf/appshelf/internal/launch"
	"github.com/appshelf/appshelf/internal/logging"
	"github.com/appshelf/appshelf/internal/metrics"
	"github.com/appshelf/appshelf/internal/ports"
	"github.com/appshelf/appshelf/internal/preview"
	"github.com/appshelf/appshelf/internal/scan"
	"github.com/appshelf/appshelf/internal/staticserve"
	storemem "github.com/appshelf/appshelf/internal/store/memory"
	storepg "github.com/appshelf/appshelf/internal/store/postgres"
)

// App holds all the shared, long-lived services. It is initialized once at
// startup and owns their shutdown order.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      catalog.Store
	scanner    *scan.Scanner
	previews   *preview.Worker
	supervisor *launch.Supervisor
	registry   *staticserve.Registry
	server     *api.Server
}

// New builds the full service graph from configuration. It fails fast if any
// critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	metrics.Init()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clk := system.Clock{}
	alloc := ports.New()
	enricher := enrich.NewNoop(logging.Component(logger, "enrich"))

	scanner := scan.NewScanner(cfg.Scan, store, enricher, clk, logging.Component(logger, "scan"))
	previews := preview.NewWorker(cfg.Preview, cfg.Launch, store, alloc, clk, logging.Component(logger, "preview"))
	supervisor := launch.NewSupervisor(cfg.Launch, alloc, clk, logging.Component(logger, "launch"))
	registry := staticserve.NewRegistry(logging.Component(logger, "staticserve"))

	server := api.NewServer(store, scanner, previews, supervisor, registry, cfg, logging.Component(logger, "api"))

	logger.Info("application services initialized",
		zap.Bool("postgres", cfg.DB.Enabled),
		zap.String("scan_root", cfg.Scan.RootDir),
	)

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		scanner:    scanner,
		previews:   previews,
		supervisor: supervisor,
		registry:   registry,
		server:     server,
	}, nil
}

// newStore selects the catalog backend: Postgres when enabled, in-memory
// otherwise.
func newStore(ctx context.Context, cfg config.Config) (catalog.Store, error) {
	if !cfg.DB.Enabled {
		return storemem.NewStore(), nil
	}
	store, err := storepg.NewStore(ctx, storepg.Config{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize postgres store: %w", err)
	}
	return store, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler, primarily for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the background workers and serves HTTP until ctx is canceled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go a.scanner.Run(workerCtx)
	go a.previews.Run(workerCtx)

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	a.scanner.Close()
	a.previews.Close()
	stopWorkers()
	return nil
}

// Close releases every live resource: the foreground app, static servers,
// and the store. Safe to call after Run returns.
func (a *App) Close() {
	a.supervisor.StopIfAny()
	if n := a.registry.StopAll(); n > 0 {
		a.logger.Info("static servers stopped", zap.Int("count", n))
	}
	a.store.Close()
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr may not be syncable.
		_ = err
	}
}
