// Package songstore persists song sheets: the full lyrics-and-chords
// content referenced by selections. The live layer treats song content
// as opaque; this store backs the REST lookup clients use to fetch a
// sheet after seeing its reference in a broadcast.
package songstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jamlink-dev/jamlink/pkg/song"
)

// ErrNotFound is returned when no sheet exists for an ID.
var ErrNotFound = errors.New("songstore: song not found")

// Store is a song sheet repository.
type Store interface {
	// Get returns the full sheet for id, or ErrNotFound.
	Get(ctx context.Context, id string) (song.Song, error)

	// Put stores or replaces a sheet.
	Put(ctx context.Context, s song.Song) error

	// List returns references (no sheet content) for every stored song,
	// sorted by ID.
	List(ctx context.Context) ([]song.Song, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	songs map[string]song.Song
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{songs: make(map[string]song.Song)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (song.Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.songs[id]
	if !ok {
		return song.Song{}, ErrNotFound
	}
	return s, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, s song.Song) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.songs[s.ID] = s
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]song.Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := make([]song.Song, 0, len(m.songs))
	for _, s := range m.songs {
		refs = append(refs, s.Ref())
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}
