package preview

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appshelf/appshelf/internal/catalog"
	"github.com/appshelf/appshelf/internal/config"
	"github.com/appshelf/appshelf/internal/metrics"
	"github.com/appshelf/appshelf/internal/ports"
	"github.com/appshelf/appshelf/internal/store/memory"
)

func init() {
	metrics.Init()
}

type tickClock struct{}

func (tickClock) Now() time.Time { return time.Now().UTC() }

// stubCapturer fakes the browser: it records URLs and returns fixed bytes.
type stubCapturer struct {
	urls   chan string
	fail   bool
	closed atomic.Bool
}

func (s *stubCapturer) Capture(_ context.Context, url string, _ time.Duration) (string, []byte, error) {
	select {
	case s.urls <- url:
	default:
	}
	if s.fail {
		return "", nil, errors.New("render failed")
	}
	return "stub page", []byte("png"), nil
}

func (s *stubCapturer) Close() { s.closed.Store(true) }

func previewConfig(t *testing.T) config.PreviewConfig {
	t.Helper()
	return config.PreviewConfig{
		Dir:               filepath.Join(t.TempDir(), "previews"),
		QueueDepth:        16,
		SettleSeconds:     0,
		RenderSeconds:     0,
		NavTimeoutSeconds: 5,
		Width:             800,
		Height:            600,
	}
}

func launchConfig() config.LaunchConfig {
	return config.LaunchConfig{
		PythonBin:        "/bin/sh",
		ScratchDir:       "",
		SettleSeconds:    0,
		StopGraceSeconds: 2,
	}
}

func seedEntries(t *testing.T, st *memory.Store) (catalog.Entry, catalog.Entry) {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	script := filepath.Join(dir, "app.sh")
	body := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	page := filepath.Join(dir, "game.html")
	require.NoError(t, os.WriteFile(page, []byte("<html/>"), 0o644))

	exe, err := st.Upsert(ctx, catalog.Entry{
		Kind:        catalog.KindExecutable,
		Name:        "app",
		FolderPath:  dir,
		PrimaryPath: script,
	})
	require.NoError(t, err)
	static, err := st.Upsert(ctx, catalog.Entry{
		Kind:        catalog.KindStatic,
		Name:        "game",
		FolderPath:  dir,
		PrimaryPath: page,
	})
	require.NoError(t, err)
	return exe, static
}

func newTestWorker(t *testing.T, st *memory.Store, stub *stubCapturer) *Worker {
	t.Helper()
	w := NewWorker(previewConfig(t), launchConfig(), st, ports.New(), tickClock{}, nil)
	w.SetCapturerFactory(func() (Capturer, error) { return stub, nil })
	return w
}

func waitIdle(t *testing.T, w *Worker) catalog.JobState {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for w.Progress().Active {
		if time.Now().After(deadline) {
			t.Fatalf("batch did not finish: %+v", w.Progress())
		}
		time.Sleep(10 * time.Millisecond)
	}
	return w.Progress()
}

func TestBatchCapturesBothKinds(t *testing.T) {
	t.Parallel()

	st := memory.NewStore()
	exe, static := seedEntries(t, st)
	stub := &stubCapturer{urls: make(chan string, 4)}
	w := newTestWorker(t, st, stub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	count, err := w.StartBatch(ctx, []catalog.Entry{exe, static})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	state := waitIdle(t, w)
	assert.Equal(t, 2, state.Completed)
	assert.Empty(t, state.RecentErrors)

	// Both rows carry preview paths with 5-digit image names.
	got, err := st.GetByShortID(ctx, exe.ShortID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.cfg.Dir, "A00001.png"), got.PreviewPath)
	_, err = os.Stat(got.PreviewPath)
	assert.NoError(t, err, "screenshot written to disk")

	got, err = st.GetByShortID(ctx, static.ShortID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.cfg.Dir, "B00001.png"), got.PreviewPath)

	// The sentinel tears the shared browser down.
	assert.Eventually(t, stub.closed.Load, 5*time.Second, 10*time.Millisecond)

	// Executable went through a local URL, static through file://.
	urls := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-stub.urls:
			urls[u] = true
		case <-time.After(time.Second):
			t.Fatal("missing capture URL")
		}
	}
	var sawHTTP, sawFile bool
	for u := range urls {
		switch {
		case len(u) > 7 && u[:7] == "http://":
			sawHTTP = true
		case len(u) > 7 && u[:7] == "file://":
			sawFile = true
		}
	}
	assert.True(t, sawHTTP && sawFile, "urls: %v", urls)
}

func TestExecutableEarlyExitFailsWithOutput(t *testing.T) {
	t.Parallel()

	st := memory.NewStore()
	ctx := context.Background()

	dir := t.TempDir()
	script := filepath.Join(dir, "broken.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho port already bound >&2\nexit 1\n"), 0o755))
	exe, err := st.Upsert(ctx, catalog.Entry{
		Kind:        catalog.KindExecutable,
		FolderPath:  dir,
		PrimaryPath: script,
	})
	require.NoError(t, err)

	stub := &stubCapturer{urls: make(chan string, 1)}
	w := NewWorker(previewConfig(t), launchConfig(), st, ports.New(), tickClock{}, nil)
	// A settle window long enough for the exit to be observed first.
	w.cfg.SettleSeconds = 2
	w.SetCapturerFactory(func() (Capturer, error) { return stub, nil })

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(runCtx)

	_, err = w.StartBatch(runCtx, []catalog.Entry{exe})
	require.NoError(t, err)

	state := waitIdle(t, w)
	require.Len(t, state.RecentErrors, 1)
	assert.Contains(t, state.RecentErrors[0].Error, "port already bound",
		"failure must carry the child's captured output")

	got, err := st.GetByShortID(ctx, exe.ShortID)
	require.NoError(t, err)
	assert.Empty(t, got.PreviewPath, "failed item must not get a preview path")
}

func TestCaptureFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	st := memory.NewStore()
	_, static := seedEntries(t, st)
	stub := &stubCapturer{urls: make(chan string, 4), fail: true}
	w := newTestWorker(t, st, stub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	_, err := w.StartBatch(ctx, []catalog.Entry{static, static})
	require.NoError(t, err)

	state := waitIdle(t, w)
	assert.Equal(t, 2, state.Completed, "both items reach a terminal outcome")
	assert.Len(t, state.RecentErrors, 2)
}

func TestRegenerateMissingClearsStaleRefs(t *testing.T) {
	t.Parallel()

	st := memory.NewStore()
	exe, static := seedEntries(t, st)
	ctx := context.Background()

	// static has a live preview file; exe references a vanished one.
	livePreview := filepath.Join(t.TempDir(), "live.png")
	require.NoError(t, os.WriteFile(livePreview, []byte("png"), 0o644))
	require.NoError(t, st.SetPreviewPath(ctx, static.ShortID, livePreview))
	require.NoError(t, st.SetPreviewPath(ctx, exe.ShortID, filepath.Join(t.TempDir(), "gone.png")))

	stub := &stubCapturer{urls: make(chan string, 4)}
	w := newTestWorker(t, st, stub)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(runCtx)

	count, err := w.RegenerateMissing(runCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the stale entry is re-captured")
	waitIdle(t, w)

	got, err := st.GetByShortID(ctx, static.ShortID)
	require.NoError(t, err)
	assert.Equal(t, livePreview, got.PreviewPath, "healthy preview untouched")
}

func TestStartBatchRejectsConcurrent(t *testing.T) {
	t.Parallel()

	st := memory.NewStore()
	exe, _ := seedEntries(t, st)
	w := newTestWorker(t, st, &stubCapturer{urls: make(chan string, 1)})

	// No worker running: the first batch stays active.
	ctx := context.Background()
	_, err := w.StartBatch(ctx, []catalog.Entry{exe})
	require.NoError(t, err)
	_, err = w.StartBatch(ctx, []catalog.Entry{exe})
	assert.ErrorIs(t, err, ErrBatchActive)
}

func TestStartBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t, memory.NewStore(), &stubCapturer{urls: make(chan string, 1)})
	count, err := w.StartBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, w.Progress().Active)
}
