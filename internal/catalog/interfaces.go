package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no entry matches.
var ErrNotFound = errors.New("entry not found")

// Store persists catalog entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Upsert inserts the entry or updates the row with the same
	// (primary path, folder path). New rows receive a ShortID from the
	// per-kind sequence; the stored entry is returned either way.
	Upsert(ctx context.Context, entry Entry) (Entry, error)
	GetAll(ctx context.Context) ([]Entry, error)
	GetByShortID(ctx context.Context, id ShortID) (Entry, error)
	GetByPath(ctx context.Context, primaryPath, folderPath string) (Entry, error)
	SetPreviewPath(ctx context.Context, id ShortID, previewPath string) error
	ClearPreviewPath(ctx context.Context, id ShortID) error
	Remove(ctx context.Context, id ShortID) error
	RemoveByFolder(ctx context.Context, folderPath string) (int, error)
	// RemoveMissing deletes entries whose primary path no longer exists,
	// as judged by the supplied callback, and returns how many were removed.
	RemoveMissing(ctx context.Context, exists func(path string) bool) (int, error)
	Close()
}

// Enricher augments a stored entry with derived metadata. Implementations
// are invoked fire-and-forget after an entry is first persisted.
type Enricher interface {
	Enrich(ctx context.Context, id ShortID) error
}

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

// PortAllocator hands out free TCP ports on the loopback interface.
type PortAllocator interface {
	Allocate() (int, error)
}
