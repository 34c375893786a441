package progress

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appshelf/appshelf/internal/catalog"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestTracker() *Tracker {
	return NewTracker("test", &fakeClock{now: time.Unix(1700000000, 0).UTC()}, nil)
}

func TestTrackerIdleSnapshot(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	state := tr.Snapshot()
	assert.Equal(t, catalog.PhaseIdle, state.Phase)
	assert.False(t, state.Active)
	assert.Zero(t, state.Total)
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	tr.Begin(catalog.PhaseFindingApps, true)

	state := tr.Snapshot()
	require.True(t, state.Active)
	assert.True(t, state.Indeterminate, "total is unknown until assembly completes")
	assert.Zero(t, state.Percentage)
	assert.NotEmpty(t, state.BatchID)

	tr.AddTotal(3)
	tr.SetPhase(catalog.PhaseFindingStatic)
	tr.AddTotal(1)
	tr.SetTotal(4)

	state = tr.Snapshot()
	assert.False(t, state.Indeterminate)
	assert.Equal(t, 4, state.Total)

	tr.SetPhase(catalog.PhaseSavingCatalog)
	tr.Record("a", catalog.TaskResult{Success: true, Duration: 2 * time.Second})
	tr.Record("b", catalog.TaskResult{Success: false, Error: "boom", Duration: 2 * time.Second})

	state = tr.Snapshot()
	assert.Equal(t, 2, state.Completed)
	assert.InDelta(t, 50.0, state.Percentage, 0.01)
	// avg 2s per item, 2 remaining.
	assert.Equal(t, int64(4), state.ETASeconds)
	require.Len(t, state.RecentErrors, 1)
	assert.Equal(t, "b", state.RecentErrors[0].Item)

	tr.Record("c", catalog.TaskResult{Success: true})
	tr.Record("d", catalog.TaskResult{Success: true})
	tr.Finish()

	state = tr.Snapshot()
	assert.False(t, state.Active)
	assert.Equal(t, catalog.PhaseIdle, state.Phase)
}

func TestTrackerCompletedNeverExceedsTotal(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	tr.Begin(catalog.PhaseCapturing, false)
	tr.SetTotal(2)
	for i := 0; i < 5; i++ {
		tr.Record("x", catalog.TaskResult{Success: true})
	}
	state := tr.Snapshot()
	assert.Equal(t, 2, state.Completed)
	assert.InDelta(t, 100.0, state.Percentage, 0.01)
}

func TestTrackerRecentErrorsWindow(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	tr.Begin(catalog.PhaseCapturing, false)
	tr.SetTotal(10)
	for i := 0; i < 8; i++ {
		tr.Record("item", catalog.TaskResult{Success: false, Error: string(rune('a' + i))})
	}
	state := tr.Snapshot()
	require.Len(t, state.RecentErrors, maxRecentErrors)
	assert.Equal(t, "d", state.RecentErrors[0].Error, "oldest errors drop first")
	assert.Equal(t, "h", state.RecentErrors[4].Error)
}

func TestTrackerTryBeginExcludesConcurrentBatches(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()

	const attempts = 16
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.TryBegin(catalog.PhaseCapturing, false) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent start may win")
	assert.True(t, tr.Active())

	assert.False(t, tr.TryBegin(catalog.PhaseCapturing, false), "active batch blocks a new one")
	tr.Finish()
	assert.False(t, tr.Active())
	assert.True(t, tr.TryBegin(catalog.PhaseCapturing, false), "finished batch frees the tracker")
}

func TestTrackerBeginResetsState(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	tr.Begin(catalog.PhaseCapturing, false)
	tr.SetTotal(1)
	tr.Record("x", catalog.TaskResult{Success: false, Error: "old"})
	firstBatch := tr.Snapshot().BatchID
	tr.Finish()

	tr.Begin(catalog.PhaseInitializing, true)
	state := tr.Snapshot()
	assert.Zero(t, state.Completed)
	assert.Empty(t, state.RecentErrors)
	assert.True(t, state.Active)
	assert.NotEqual(t, firstBatch, state.BatchID, "each batch gets its own id")
}
