// Package memory provides an in-memory catalog store for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/appshelf/appshelf/internal/catalog"
)

type pathKey struct {
	primary string
	folder  string
}

// Store implements catalog.Store with a mutex-guarded map.
type Store struct {
	mu      sync.RWMutex
	entries map[int64]catalog.Entry
	byPath  map[pathKey]int64
	nextID  int64
	nextSeq map[catalog.Kind]int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[int64]catalog.Entry),
		byPath:  make(map[pathKey]int64),
		nextSeq: make(map[catalog.Kind]int),
	}
}

// Upsert inserts or updates by (primary path, folder path). ShortIDs are
// allocated from the per-kind sequence under the same lock as the insert,
// so concurrent upserts can never share an id.
func (s *Store) Upsert(_ context.Context, entry catalog.Entry) (catalog.Entry, error) {
	if !entry.Kind.Valid() {
		return catalog.Entry{}, fmt.Errorf("upsert: unknown kind %q", entry.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pathKey{primary: entry.PrimaryPath, folder: entry.FolderPath}
	if id, ok := s.byPath[key]; ok {
		existing := s.entries[id]
		if !entry.LastModified.IsZero() && entry.LastModified.Equal(existing.LastModified) {
			// Unchanged file: only note that we saw it.
			existing.LastScanned = entry.LastScanned
			s.entries[id] = existing
			return existing, nil
		}
		existing.Name = entry.Name
		existing.InterfacePath = entry.InterfacePath
		existing.Port = entry.Port
		existing.TechStack = entry.TechStack
		existing.Dependencies = entry.Dependencies
		existing.FileSize = entry.FileSize
		existing.Checksum = entry.Checksum
		existing.LastModified = entry.LastModified
		existing.LastScanned = entry.LastScanned
		s.entries[id] = existing
		return existing, nil
	}

	s.nextID++
	s.nextSeq[entry.Kind]++
	entry.ID = s.nextID
	entry.ShortID = catalog.ShortID{Kind: entry.Kind, Seq: s.nextSeq[entry.Kind]}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.LastScanned
	}
	s.entries[entry.ID] = entry
	s.byPath[key] = entry.ID
	return entry, nil
}

// GetAll returns every entry ordered by insertion.
func (s *Store) GetAll(_ context.Context) ([]catalog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetByShortID fetches one entry by its display identifier.
func (s *Store) GetByShortID(_ context.Context, id catalog.ShortID) (catalog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ShortID == id {
			return e, nil
		}
	}
	return catalog.Entry{}, catalog.ErrNotFound
}

// GetByPath fetches one entry by its unique path pair.
func (s *Store) GetByPath(_ context.Context, primaryPath, folderPath string) (catalog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byPath[pathKey{primary: primaryPath, folder: folderPath}]; ok {
		return s.entries[id], nil
	}
	return catalog.Entry{}, catalog.ErrNotFound
}

// SetPreviewPath records a captured preview image.
func (s *Store) SetPreviewPath(_ context.Context, id catalog.ShortID, previewPath string) error {
	return s.updateByShortID(id, func(e *catalog.Entry) { e.PreviewPath = previewPath })
}

// ClearPreviewPath drops a stale preview reference.
func (s *Store) ClearPreviewPath(_ context.Context, id catalog.ShortID) error {
	return s.updateByShortID(id, func(e *catalog.Entry) { e.PreviewPath = "" })
}

func (s *Store) updateByShortID(id catalog.ShortID, mutate func(*catalog.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.ShortID == id {
			mutate(&e)
			s.entries[key] = e
			return nil
		}
	}
	return catalog.ErrNotFound
}

// Remove deletes one entry. The ShortID sequence is never rewound, so
// removed ids are not reused.
func (s *Store) Remove(_ context.Context, id catalog.ShortID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.ShortID == id {
			delete(s.entries, key)
			delete(s.byPath, pathKey{primary: e.PrimaryPath, folder: e.FolderPath})
			return nil
		}
	}
	return catalog.ErrNotFound
}

// RemoveByFolder deletes every entry under folderPath and returns the count.
func (s *Store) RemoveByFolder(_ context.Context, folderPath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if e.FolderPath == folderPath {
			delete(s.entries, key)
			delete(s.byPath, pathKey{primary: e.PrimaryPath, folder: e.FolderPath})
			removed++
		}
	}
	return removed, nil
}

// RemoveMissing sweeps entries whose primary file no longer exists.
func (s *Store) RemoveMissing(_ context.Context, exists func(path string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if !exists(e.PrimaryPath) {
			delete(s.entries, key)
			delete(s.byPath, pathKey{primary: e.PrimaryPath, folder: e.FolderPath})
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}
