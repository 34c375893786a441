package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/catalog"
	"github.com/appshelf/appshelf/internal/config"
	"github.com/appshelf/appshelf/internal/metrics"
)

// ErrNothingRunning is returned by Stop when no app is live.
var ErrNothingRunning = errors.New("no app is running")

// Status describes the currently running foreground app.
type Status struct {
	ShortID   catalog.ShortID `json:"short_id"`
	Name      string          `json:"name"`
	Port      int             `json:"port"`
	PID       int             `json:"pid"`
	URL       string          `json:"url"`
	StartedAt time.Time       `json:"started_at"`
}

type running struct {
	status Status
	proc   *Process
}

// Supervisor owns the single foreground app slot. Launching replaces
// whatever is currently running; there is never more than one live app.
type Supervisor struct {
	cfg    config.LaunchConfig
	ports  catalog.PortAllocator
	clock  catalog.Clock
	logger *zap.Logger

	mu      sync.Mutex
	current *running
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(cfg config.LaunchConfig, ports catalog.PortAllocator, clock catalog.Clock, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:    cfg,
		ports:  ports,
		clock:  clock,
		logger: logger,
	}
}

// Launch starts the executable entry and waits for it to settle. Any app
// already in the slot is stopped first, even when the new launch fails.
func (s *Supervisor) Launch(ctx context.Context, entry catalog.Entry) (Status, error) {
	if entry.Kind != catalog.KindExecutable {
		return Status{}, fmt.Errorf("launch %s: only executable entries run under the supervisor", entry.ShortID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.stopLocked()
	}

	port, err := s.ports.Allocate()
	if err != nil {
		return Status{}, fmt.Errorf("launch %s: %w", entry.ShortID, err)
	}

	scratch, err := s.ensureScratchDir()
	if err != nil {
		return Status{}, fmt.Errorf("launch %s: %w", entry.ShortID, err)
	}

	proc, err := Spawn(Options{
		Command:       s.cfg.PythonBin,
		Args:          []string{entry.PrimaryPath},
		Dir:           scratch,
		Port:          port,
		CaptureOutput: true,
	})
	if err != nil {
		return Status{}, fmt.Errorf("launch %s: %w", entry.ShortID, err)
	}

	s.logger.Info("app starting",
		zap.String("short_id", entry.ShortID.String()),
		zap.String("script", entry.PrimaryPath),
		zap.Int("port", port),
		zap.Int("pid", proc.PID()),
	)

	// Give the app its settle window to bind the port. An early exit
	// inside the window fails the launch with the child's output.
	select {
	case <-proc.Done():
		return Status{}, fmt.Errorf("launch %s: app exited during startup: %s",
			entry.ShortID, firstLines(proc.Output(), 10))
	case <-ctx.Done():
		_ = proc.Terminate(s.cfg.StopGrace())
		return Status{}, fmt.Errorf("launch %s canceled: %w", entry.ShortID, ctx.Err())
	case <-time.After(s.cfg.SettleDelay()):
	}

	status := Status{
		ShortID:   entry.ShortID,
		Name:      entry.Name,
		Port:      port,
		PID:       proc.PID(),
		URL:       fmt.Sprintf("http://127.0.0.1:%d", port),
		StartedAt: s.clock.Now(),
	}
	s.current = &running{status: status, proc: proc}
	metrics.SetLiveAppRunning(true)
	metrics.ObserveLaunch(string(entry.Kind))
	return status, nil
}

// Current returns the live app status, if any. A child that exited on its
// own is reaped here so status reads self-heal.
func (s *Supervisor) Current() (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Status{}, false
	}
	if !s.current.proc.Running() {
		s.logger.Warn("app exited on its own",
			zap.String("short_id", s.current.status.ShortID.String()))
		s.current = nil
		metrics.SetLiveAppRunning(false)
		return Status{}, false
	}
	return s.current.status, true
}

// Stop terminates the live app.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNothingRunning
	}
	s.stopLocked()
	return nil
}

// StopIfAny terminates the live app if one exists.
func (s *Supervisor) StopIfAny() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.stopLocked()
	}
}

func (s *Supervisor) stopLocked() {
	r := s.current
	s.current = nil
	metrics.SetLiveAppRunning(false)
	s.logger.Info("stopping app",
		zap.String("short_id", r.status.ShortID.String()),
		zap.Int("pid", r.status.PID),
	)
	if err := r.proc.Terminate(s.cfg.StopGrace()); err != nil {
		s.logger.Error("terminate app failed",
			zap.String("short_id", r.status.ShortID.String()),
			zap.Error(err),
		)
	}
}

func (s *Supervisor) ensureScratchDir() (string, error) {
	dir := s.cfg.ScratchDir
	if dir == "" {
		dir = "apps-debris"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve scratch dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return abs, nil
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
