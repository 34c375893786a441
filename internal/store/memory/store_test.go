package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appshelf/appshelf/internal/catalog"
)

func entryFixture(primary string, kind catalog.Kind) catalog.Entry {
	return catalog.Entry{
		Kind:         kind,
		Name:         "fixture",
		FolderPath:   "/apps/x",
		PrimaryPath:  primary,
		FileSize:     100,
		LastModified: time.Unix(1700000000, 0).UTC(),
		LastScanned:  time.Unix(1700000100, 0).UTC(),
	}
}

func TestUpsertAllocatesSequentialShortIDs(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	first, err := s.Upsert(ctx, entryFixture("/apps/x/app.py", catalog.KindExecutable))
	require.NoError(t, err)
	second, err := s.Upsert(ctx, entryFixture("/apps/x/other.py", catalog.KindExecutable))
	require.NoError(t, err)
	page, err := s.Upsert(ctx, entryFixture("/apps/x/game.html", catalog.KindStatic))
	require.NoError(t, err)

	assert.Equal(t, "A001", first.ShortID.String())
	assert.Equal(t, "A002", second.ShortID.String())
	assert.Equal(t, "B001", page.ShortID.String(), "kinds have independent sequences")
}

func TestUpsertUnchangedMtimeOnlyBumpsLastScanned(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	original := entryFixture("/apps/x/app.py", catalog.KindExecutable)
	stored, err := s.Upsert(ctx, original)
	require.NoError(t, err)

	rescan := original
	rescan.Name = "should not apply"
	rescan.LastScanned = original.LastScanned.Add(time.Hour)
	updated, err := s.Upsert(ctx, rescan)
	require.NoError(t, err)

	assert.Equal(t, stored.ShortID, updated.ShortID)
	assert.Equal(t, "fixture", updated.Name, "unchanged mtime keeps metadata")
	assert.Equal(t, rescan.LastScanned, updated.LastScanned)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "re-discovery must not duplicate")
}

func TestUpsertChangedMtimeUpdatesMetadata(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	original := entryFixture("/apps/x/app.py", catalog.KindExecutable)
	stored, err := s.Upsert(ctx, original)
	require.NoError(t, err)

	changed := original
	changed.Name = "renamed"
	changed.FileSize = 222
	changed.LastModified = original.LastModified.Add(time.Minute)
	updated, err := s.Upsert(ctx, changed)
	require.NoError(t, err)

	assert.Equal(t, stored.ShortID, updated.ShortID, "identity survives updates")
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, int64(222), updated.FileSize)
}

func TestConcurrentUpsertsNeverShareShortID(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	ids := make(chan catalog.ShortID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := entryFixture(fmt.Sprintf("/apps/x/app%d.py", i), catalog.KindExecutable)
			stored, err := s.Upsert(ctx, e)
			if err != nil {
				t.Error(err)
				return
			}
			ids <- stored.ShortID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[catalog.ShortID]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate short id %s", id)
		}
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestPreviewPathLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	stored, err := s.Upsert(ctx, entryFixture("/apps/x/app.py", catalog.KindExecutable))
	require.NoError(t, err)

	require.NoError(t, s.SetPreviewPath(ctx, stored.ShortID, "previews/A00001.png"))
	got, err := s.GetByShortID(ctx, stored.ShortID)
	require.NoError(t, err)
	assert.Equal(t, "previews/A00001.png", got.PreviewPath)

	require.NoError(t, s.ClearPreviewPath(ctx, stored.ShortID))
	got, err = s.GetByShortID(ctx, stored.ShortID)
	require.NoError(t, err)
	assert.Empty(t, got.PreviewPath)

	missing := catalog.ShortID{Kind: catalog.KindStatic, Seq: 99}
	assert.ErrorIs(t, s.SetPreviewPath(ctx, missing, "x"), catalog.ErrNotFound)
}

func TestRemoveDoesNotReuseShortIDs(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	first, err := s.Upsert(ctx, entryFixture("/apps/x/a.py", catalog.KindExecutable))
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, first.ShortID))

	next, err := s.Upsert(ctx, entryFixture("/apps/x/b.py", catalog.KindExecutable))
	require.NoError(t, err)
	assert.Equal(t, "A002", next.ShortID.String(), "ids are never reused after deletion")
}

func TestRemoveByFolderAndMissing(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	a := entryFixture("/apps/x/a.py", catalog.KindExecutable)
	b := entryFixture("/apps/y/b.py", catalog.KindExecutable)
	b.FolderPath = "/apps/y"
	_, err := s.Upsert(ctx, a)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, b)
	require.NoError(t, err)

	removed, err := s.RemoveByFolder(ctx, "/apps/y")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.RemoveMissing(ctx, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetByPathNotFound(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_, err := s.GetByPath(context.Background(), "/nope", "/nope")
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}
