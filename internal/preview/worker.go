package preview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/catalog"
	"github.com/appshelf/appshelf/internal/config"
	"github.com/appshelf/appshelf/internal/images"
	"github.com/appshelf/appshelf/internal/launch"
	"github.com/appshelf/appshelf/internal/metrics"
	"github.com/appshelf/appshelf/internal/progress"
	"github.com/appshelf/appshelf/internal/queue/memory"
)

// ErrBatchActive is returned when a capture batch is requested while one
// is still running.
var ErrBatchActive = errors.New("a preview batch is already running")

// task is one unit in the capture queue. A sentinel task ends the batch
// and tears the shared browser down.
type task struct {
	entry    catalog.Entry
	sentinel bool
}

// Worker drains preview capture batches one item at a time.
type Worker struct {
	cfg       config.PreviewConfig
	launchCfg config.LaunchConfig
	store     catalog.Store
	ports     catalog.PortAllocator
	clock     catalog.Clock
	logger    *zap.Logger
	tracker   *progress.Tracker
	queue     *memory.Queue[task]
	images    *images.Store

	// newCapturer builds the batch-scoped browser. Swappable in tests.
	newCapturer func() (Capturer, error)
}

// NewWorker constructs a preview Worker backed by headless Chrome.
func NewWorker(
	cfg config.PreviewConfig,
	launchCfg config.LaunchConfig,
	store catalog.Store,
	ports catalog.PortAllocator,
	clock catalog.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		cfg:       cfg,
		launchCfg: launchCfg,
		store:     store,
		ports:     ports,
		clock:     clock,
		logger:    logger,
		tracker:   progress.NewTracker("preview", clock, logger),
		queue:     memory.NewQueue[task](cfg.QueueDepth + 1),
	}
	w.newCapturer = func() (Capturer, error) {
		return NewBrowser(cfg.Width, cfg.Height, cfg.NavTimeout())
	}
	return w
}

// SetCapturerFactory overrides the browser constructor (tests).
func (w *Worker) SetCapturerFactory(f func() (Capturer, error)) {
	w.newCapturer = f
}

// StartBatch enqueues capture tasks for the given entries followed by the
// batch-ending sentinel, and returns immediately with the item count.
func (w *Worker) StartBatch(ctx context.Context, entries []catalog.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if !w.tracker.TryBegin(catalog.PhaseCapturing, false) {
		return 0, ErrBatchActive
	}
	if w.images == nil {
		store, err := images.New(w.cfg.Dir)
		if err != nil {
			w.tracker.Finish()
			return 0, fmt.Errorf("init image store: %w", err)
		}
		w.images = store
	}
	w.tracker.SetTotal(len(entries))

	for _, entry := range entries {
		if err := w.queue.Enqueue(ctx, task{entry: entry}); err != nil {
			w.tracker.Finish()
			return 0, fmt.Errorf("enqueue capture: %w", err)
		}
	}
	if err := w.queue.Enqueue(ctx, task{sentinel: true}); err != nil {
		w.tracker.Finish()
		return 0, fmt.Errorf("enqueue sentinel: %w", err)
	}
	return len(entries), nil
}

// RegenerateMissing enqueues a batch for every entry that has no preview or
// whose preview file vanished from disk. Stale references are cleared so the
// catalog reflects reality even if the batch later fails.
func (w *Worker) RegenerateMissing(ctx context.Context) (int, error) {
	entries, err := w.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}
	var pending []catalog.Entry
	for _, entry := range entries {
		if entry.PreviewPath != "" {
			if !images.Missing(entry.PreviewPath) {
				continue
			}
			if err := w.store.ClearPreviewPath(ctx, entry.ShortID); err != nil {
				w.logger.Warn("clear stale preview failed",
					zap.String("short_id", entry.ShortID.String()), zap.Error(err))
			}
		}
		pending = append(pending, entry)
	}
	return w.StartBatch(ctx, pending)
}

// Progress returns a snapshot for the polling endpoint.
func (w *Worker) Progress() catalog.JobState {
	return w.tracker.Snapshot()
}

// Close shuts the task queue; Run drains and returns.
func (w *Worker) Close() {
	w.queue.Close()
}

// Run blocks, consuming capture tasks until the context finishes or the
// queue closes. The browser is started lazily on the first item of a batch
// and closed by the sentinel.
func (w *Worker) Run(ctx context.Context) {
	var capturer Capturer
	closeCapturer := func() {
		if capturer != nil {
			capturer.Close()
			capturer = nil
		}
	}
	defer closeCapturer()

	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("preview dequeue failed", zap.Error(err))
			continue
		}
		if item.sentinel {
			closeCapturer()
			w.tracker.Finish()
			continue
		}

		if capturer == nil {
			capturer, err = w.newCapturer()
			if err != nil {
				w.logger.Error("start browser failed", zap.Error(err))
				w.recordFailure(item.entry, fmt.Errorf("start browser: %w", err), 0)
				continue
			}
		}
		w.captureOne(ctx, capturer, item.entry)
	}
}

// captureOne processes one entry. Failures are recorded per item and never
// abort the batch.
func (w *Worker) captureOne(ctx context.Context, capturer Capturer, entry catalog.Entry) {
	start := time.Now()
	title, err := w.capture(ctx, capturer, entry)
	duration := time.Since(start)
	if err != nil {
		w.recordFailure(entry, err, duration)
		return
	}
	w.tracker.Record(entry.ShortID.String(), catalog.TaskResult{Success: true, Duration: duration})
	metrics.ObservePreviewCapture("success", duration)
	w.logger.Info("preview captured",
		zap.String("short_id", entry.ShortID.String()),
		zap.String("title", title),
		zap.Duration("duration", duration),
	)
}

func (w *Worker) recordFailure(entry catalog.Entry, err error, duration time.Duration) {
	w.tracker.Record(entry.ShortID.String(), catalog.TaskResult{
		Error:    err.Error(),
		Duration: duration,
	})
	metrics.ObservePreviewCapture("error", duration)
	w.logger.Warn("preview capture failed",
		zap.String("short_id", entry.ShortID.String()),
		zap.Error(err),
	)
}

func (w *Worker) capture(ctx context.Context, capturer Capturer, entry catalog.Entry) (string, error) {
	switch entry.Kind {
	case catalog.KindExecutable:
		return w.captureExecutable(ctx, capturer, entry)
	case catalog.KindStatic:
		title, shot, err := capturer.Capture(ctx, "file://"+entry.PrimaryPath, w.cfg.RenderDelay())
		if err != nil {
			return "", err
		}
		return title, w.persistPreview(ctx, entry, shot)
	default:
		return "", fmt.Errorf("unknown entry kind %q", entry.Kind)
	}
}

// captureExecutable spawns the app as a disposable process, bypassing the
// foreground supervisor. Teardown always runs, success or not.
func (w *Worker) captureExecutable(ctx context.Context, capturer Capturer, entry catalog.Entry) (string, error) {
	port, err := w.ports.Allocate()
	if err != nil {
		return "", fmt.Errorf("allocate port: %w", err)
	}

	scratch, err := os.MkdirTemp("", "appshelf-preview-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	proc, err := launch.Spawn(launch.Options{
		Command:       w.launchCfg.PythonBin,
		Args:          []string{entry.PrimaryPath},
		Dir:           scratch,
		Port:          port,
		CaptureOutput: true,
	})
	if err != nil {
		return "", fmt.Errorf("spawn app: %w", err)
	}
	defer func() {
		if err := proc.Terminate(w.launchCfg.StopGrace()); err != nil {
			w.logger.Warn("preview teardown failed",
				zap.String("short_id", entry.ShortID.String()), zap.Error(err))
		}
	}()

	select {
	case <-proc.Done():
		return "", fmt.Errorf("app exited during settle: %s", proc.Output())
	case <-ctx.Done():
		return "", fmt.Errorf("capture canceled: %w", ctx.Err())
	case <-time.After(w.cfg.SettleDelay()):
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	title, shot, err := capturer.Capture(ctx, url, w.cfg.RenderDelay())
	if err != nil {
		return "", err
	}
	return title, w.persistPreview(ctx, entry, shot)
}

// persistPreview saves the screenshot and attaches it to the catalog row
// found by primary file lookup.
func (w *Worker) persistPreview(ctx context.Context, entry catalog.Entry, shot []byte) error {
	outPath, err := w.images.Save(entry.ShortID.ImageFileName(), shot)
	if err != nil {
		return fmt.Errorf("save screenshot: %w", err)
	}
	stored, err := w.store.GetByPath(ctx, entry.PrimaryPath, entry.FolderPath)
	if err != nil {
		return fmt.Errorf("lookup entry for preview: %w", err)
	}
	if err := w.store.SetPreviewPath(ctx, stored.ShortID, outPath); err != nil {
		return fmt.Errorf("save preview path: %w", err)
	}
	return nil
}
