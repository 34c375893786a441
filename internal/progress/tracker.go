// Package progress tracks job batch state for the polling endpoints.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/catalog"
	"github.com/appshelf/appshelf/internal/id/uuid"
)

// How many recent failures a snapshot carries.
const maxRecentErrors = 5

// Tracker holds the mutable state of one job queue's current batch. Workers
// update it as items finish; HTTP handlers read consistent snapshots. All
// methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	name   string
	clock  catalog.Clock
	ids    *uuid.Generator
	logger *zap.Logger

	batchID       string
	phase         catalog.JobPhase
	total         int
	completed     int
	active        bool
	indeterminate bool
	startedAt     time.Time
	busyTime      time.Duration
	errors        []catalog.JobError
}

// NewTracker constructs an idle Tracker. A nil logger is replaced with a
// no-op logger.
func NewTracker(name string, clock catalog.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		name:   name,
		clock:  clock,
		ids:    uuid.New(),
		logger: logger,
		phase:  catalog.PhaseIdle,
	}
}

// Begin resets the tracker for a new batch. While indeterminate is true the
// total is not yet trustworthy and snapshots say so.
func (t *Tracker) Begin(phase catalog.JobPhase, indeterminate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beginLocked(phase, indeterminate)
}

// TryBegin starts a new batch only if none is running. The check and the
// reset happen under one lock, so concurrent callers cannot both win.
func (t *Tracker) TryBegin(phase catalog.JobPhase, indeterminate bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return false
	}
	t.beginLocked(phase, indeterminate)
	return true
}

func (t *Tracker) beginLocked(phase catalog.JobPhase, indeterminate bool) {
	if id, err := t.ids.NewID(); err == nil {
		t.batchID = id
	}
	t.phase = phase
	t.total = 0
	t.completed = 0
	t.active = true
	t.indeterminate = indeterminate
	t.startedAt = t.clock.Now()
	t.busyTime = 0
	t.errors = nil
	t.logger.Info("batch started",
		zap.String("tracker", t.name),
		zap.String("batch_id", t.batchID),
		zap.String("phase", string(phase)),
	)
}

// SetPhase advances the batch to a new stage.
func (t *Tracker) SetPhase(phase catalog.JobPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.logger.Info("batch phase", zap.String("tracker", t.name), zap.String("phase", string(phase)))
}

// SetTotal fixes the item count and clears the indeterminate flag. Called
// once the batch contents are fully known.
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
	t.indeterminate = false
}

// AddTotal grows the item count while the batch is still being assembled.
func (t *Tracker) AddTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += n
}

// Record marks one item finished. The completed counter only ever grows
// within a batch; failures are kept for the recent-errors window.
func (t *Tracker) Record(item string, result catalog.TaskResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	t.busyTime += result.Duration
	if !result.Success {
		t.errors = append(t.errors, catalog.JobError{Item: item, Error: result.Error})
		if len(t.errors) > maxRecentErrors {
			t.errors = t.errors[len(t.errors)-maxRecentErrors:]
		}
		t.logger.Warn("item failed",
			zap.String("tracker", t.name),
			zap.String("item", item),
			zap.String("error", result.Error),
		)
	}
}

// Finish marks the batch done and returns the tracker to idle.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.phase = catalog.PhaseIdle
	t.indeterminate = false
	t.logger.Info("batch finished",
		zap.String("tracker", t.name),
		zap.Int("completed", t.completed),
		zap.Int("failed", len(t.errors)),
	)
}

// Active reports whether a batch is currently running.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Snapshot returns a consistent view for the polling endpoints. Completed is
// clamped to Total once the total is known, and the percentage never exceeds
// 100.
func (t *Tracker) Snapshot() catalog.JobState {
	t.mu.Lock()
	defer t.mu.Unlock()

	completed := t.completed
	if !t.indeterminate && t.total > 0 && completed > t.total {
		completed = t.total
	}

	state := catalog.JobState{
		BatchID:       t.batchID,
		Phase:         t.phase,
		Total:         t.total,
		Completed:     completed,
		Active:        t.active,
		Indeterminate: t.indeterminate,
		StartedAt:     t.startedAt,
	}
	if !t.indeterminate && t.total > 0 {
		state.Percentage = float64(completed) / float64(t.total) * 100
		if state.Percentage > 100 {
			state.Percentage = 100
		}
	}
	if completed > 0 && t.total > completed {
		avg := t.busyTime / time.Duration(completed)
		state.ETASeconds = int64((avg * time.Duration(t.total-completed)).Seconds())
	}
	if len(t.errors) > 0 {
		state.RecentErrors = append([]catalog.JobError(nil), t.errors...)
	}
	return state
}
