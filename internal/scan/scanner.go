package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/catalog"
	"github.com/appshelf/appshelf/internal/config"
	"github.com/appshelf/appshelf/internal/hash/sha256"
	"github.com/appshelf/appshelf/internal/metrics"
	"github.com/appshelf/appshelf/internal/progress"
	"github.com/appshelf/appshelf/internal/queue/memory"
)

// ErrScanActive is returned when a scan is requested while one is running.
var ErrScanActive = errors.New("a scan is already running")

// Op identifies one stage of a discovery batch.
type Op string

// Batch stages, executed strictly in this order by the single worker.
const (
	OpFindExecutables Op = "find_executables"
	OpFindStatic      Op = "find_static"
	OpPersist         Op = "persist"
)

// Task is one unit consumed by the discovery worker. All three tasks of a
// batch share the same Batch so later stages see earlier results.
type Task struct {
	Op    Op
	Batch *Batch
}

// AppDescriptor is one executable app found in stage 1.
type AppDescriptor struct {
	ScriptPath    string
	FolderPath    string
	Name          string
	Port          int
	Framework     string
	InterfacePath string
	ShortID       catalog.ShortID // filled during persist
}

// PageDescriptor is one standalone page found in stage 2.
type PageDescriptor struct {
	PagePath   string
	FolderPath string
	Name       string
	ShortID    catalog.ShortID // filled during persist
}

// Batch is the shared state of one discovery run. Only the single worker
// goroutine touches it, so no lock is needed.
type Batch struct {
	RootDir     string
	Executables []AppDescriptor
	Static      []PageDescriptor
}

// Scanner runs discovery batches: walk a root directory, classify what it
// finds, and persist catalog entries.
type Scanner struct {
	cfg      config.ScanConfig
	store    catalog.Store
	enricher catalog.Enricher
	clock    catalog.Clock
	hasher   *sha256.Hasher
	tracker  *progress.Tracker
	queue    *memory.Queue[Task]
	logger   *zap.Logger
}

// NewScanner constructs a Scanner. The enricher may be nil.
func NewScanner(
	cfg config.ScanConfig,
	store catalog.Store,
	enricher catalog.Enricher,
	clock catalog.Clock,
	logger *zap.Logger,
) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		cfg:      cfg,
		store:    store,
		enricher: enricher,
		clock:    clock,
		hasher:   sha256.New(),
		tracker:  progress.NewTracker("discovery", clock, logger),
		queue:    memory.NewQueue[Task](cfg.QueueDepth),
		logger:   logger,
	}
}

// Start enqueues a discovery batch for rootDir and returns immediately.
// Only one batch runs at a time.
func (s *Scanner) Start(ctx context.Context, rootDir string) error {
	if rootDir == "" {
		rootDir = s.cfg.RootDir
	}
	if rootDir == "" {
		return errors.New("root_dir is required")
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return fmt.Errorf("resolve root dir: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fmt.Errorf("root dir %s is not a directory", abs)
	}
	// The total is unknown until stage 2 publishes it.
	if !s.tracker.TryBegin(catalog.PhaseInitializing, true) {
		return ErrScanActive
	}

	batch := &Batch{RootDir: abs}
	for _, op := range []Op{OpFindExecutables, OpFindStatic, OpPersist} {
		if err := s.queue.Enqueue(ctx, Task{Op: op, Batch: batch}); err != nil {
			s.tracker.Finish()
			return fmt.Errorf("enqueue %s: %w", op, err)
		}
	}
	return nil
}

// Progress returns a snapshot for the polling endpoint.
func (s *Scanner) Progress() catalog.JobState {
	return s.tracker.Snapshot()
}

// Close shuts the task queue; Run drains and returns.
func (s *Scanner) Close() {
	s.queue.Close()
}

// Run blocks, consuming batch tasks until the context finishes or the
// queue closes.
func (s *Scanner) Run(ctx context.Context) {
	for {
		task, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			s.logger.Error("scan dequeue failed", zap.Error(err))
			continue
		}
		s.runTask(ctx, task)
	}
}

func (s *Scanner) runTask(ctx context.Context, task Task) {
	switch task.Op {
	case OpFindExecutables:
		s.tracker.SetPhase(catalog.PhaseFindingApps)
		s.findExecutables(task.Batch)
	case OpFindStatic:
		s.tracker.SetPhase(catalog.PhaseFindingStatic)
		s.findStatic(task.Batch)
		// The batch total is fixed here and never recomputed.
		s.tracker.SetTotal(len(task.Batch.Executables) + len(task.Batch.Static))
	case OpPersist:
		s.tracker.SetPhase(catalog.PhaseSavingCatalog)
		s.persist(ctx, task.Batch)
		s.tracker.Finish()
	default:
		s.logger.Error("unknown scan op", zap.String("op", string(task.Op)))
	}
}

func (s *Scanner) findExecutables(batch *Batch) {
	err := filepath.WalkDir(batch.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("walk error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			if s.excluded(batch.RootDir, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".py") || s.excluded(batch.RootDir, path) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("read candidate failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		info, ok := DetectApp(string(content), s.cfg.DefaultPort)
		if !ok {
			return nil
		}
		dir := filepath.Dir(path)
		page, found := FindCompanionPage(dir)
		if !found {
			s.logger.Warn("app has no interface page, skipping", zap.String("script", path))
			return nil
		}
		batch.Executables = append(batch.Executables, AppDescriptor{
			ScriptPath:    path,
			FolderPath:    dir,
			Name:          appName(path),
			Port:          info.Port,
			Framework:     info.Framework,
			InterfacePath: page,
		})
		return nil
	})
	if err != nil {
		s.logger.Error("find executables walk failed", zap.Error(err))
	}
	sort.Slice(batch.Executables, func(i, j int) bool {
		return batch.Executables[i].ScriptPath < batch.Executables[j].ScriptPath
	})
	s.logger.Info("executables found", zap.Int("count", len(batch.Executables)))
}

func (s *Scanner) findStatic(batch *Batch) {
	claimed := make(map[string]bool, len(batch.Executables))
	for _, app := range batch.Executables {
		claimed[app.InterfacePath] = true
	}

	err := filepath.WalkDir(batch.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped
		}
		if d.IsDir() {
			if s.excluded(batch.RootDir, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".html") || s.excluded(batch.RootDir, path) {
			return nil
		}
		// Only the page claimed as a companion in stage 1 is excluded;
		// any other page, even one next to an app, stands alone.
		if claimed[path] {
			return nil
		}
		batch.Static = append(batch.Static, PageDescriptor{
			PagePath:   path,
			FolderPath: filepath.Dir(path),
			Name:       appName(path),
		})
		return nil
	})
	if err != nil {
		s.logger.Error("find static walk failed", zap.Error(err))
	}
	sort.Slice(batch.Static, func(i, j int) bool {
		return batch.Static[i].PagePath < batch.Static[j].PagePath
	})
	s.logger.Info("static pages found", zap.Int("count", len(batch.Static)))
}

func (s *Scanner) persist(ctx context.Context, batch *Batch) {
	now := s.clock.Now()
	for i := range batch.Executables {
		app := &batch.Executables[i]
		entry := catalog.Entry{
			Kind:          catalog.KindExecutable,
			Name:          app.Name,
			FolderPath:    app.FolderPath,
			PrimaryPath:   app.ScriptPath,
			InterfacePath: app.InterfacePath,
			Port:          app.Port,
			TechStack:     app.Framework,
			Dependencies:  ReadDependencies(app.FolderPath),
			LastScanned:   now,
		}
		stored, err := s.persistOne(ctx, entry)
		if err == nil {
			app.ShortID = stored.ShortID
		}
	}
	for i := range batch.Static {
		page := &batch.Static[i]
		entry := catalog.Entry{
			Kind:        catalog.KindStatic,
			Name:        page.Name,
			FolderPath:  page.FolderPath,
			PrimaryPath: page.PagePath,
			LastScanned: now,
		}
		stored, err := s.persistOne(ctx, entry)
		if err == nil {
			page.ShortID = stored.ShortID
		}
	}
}

func (s *Scanner) persistOne(ctx context.Context, entry catalog.Entry) (catalog.Entry, error) {
	start := time.Now()
	if info, err := os.Stat(entry.PrimaryPath); err == nil {
		entry.FileSize = info.Size()
		entry.LastModified = info.ModTime().UTC()
	}
	if data, err := os.ReadFile(entry.PrimaryPath); err == nil {
		entry.Checksum = s.hasher.Hash(data)
	}

	_, err := s.store.GetByPath(ctx, entry.PrimaryPath, entry.FolderPath)
	isNew := errors.Is(err, catalog.ErrNotFound)

	stored, err := s.store.Upsert(ctx, entry)
	if err != nil {
		s.logger.Error("persist entry failed", zap.String("path", entry.PrimaryPath), zap.Error(err))
		s.tracker.Record(entry.PrimaryPath, catalog.TaskResult{
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		metrics.ObserveScanEntry(string(entry.Kind), "error")
		return catalog.Entry{}, err
	}

	s.tracker.Record(entry.PrimaryPath, catalog.TaskResult{
		Success:  true,
		Duration: time.Since(start),
	})
	if isNew {
		metrics.ObserveScanEntry(string(entry.Kind), "new")
		s.fireEnrichment(stored.ShortID)
	} else {
		metrics.ObserveScanEntry(string(entry.Kind), "updated")
	}
	return stored, nil
}

// fireEnrichment kicks the enrichment collaborator without waiting on it.
func (s *Scanner) fireEnrichment(id catalog.ShortID) {
	if s.enricher == nil {
		return
	}
	go func() {
		if err := s.enricher.Enrich(context.Background(), id); err != nil {
			s.logger.Warn("enrichment failed", zap.String("short_id", id.String()), zap.Error(err))
		}
	}()
}

func (s *Scanner) excluded(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, glob := range s.cfg.ExcludeGlobs {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
		// Globs like "**/node_modules/**" should also skip the directory
		// itself so the walk can prune early.
		trimmed := strings.TrimSuffix(glob, "/**")
		if trimmed != glob {
			if ok, err := doublestar.Match(trimmed, rel); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// appName derives a title-cased display name from a file name, so
// "my_cool-app.py" catalogs as "My Cool App".
func appName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	words := strings.Fields(name)
	for i, word := range words {
		runes := []rune(strings.ToLower(word))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
