// Package memory provides an in-memory storage.ArtifactStore for tests and
// single-process deployments. Artifacts are lost when the process restarts.
// Optional LRU eviction limits memory usage.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/drivercore/pkg/storage"
)

type key struct {
	driverID  string
	modelHint string
}

type entry struct {
	rec     *storage.Record
	lruElem *list.Element
}

// Store is an in-memory ArtifactStore with optional LRU eviction.
type Store struct {
	mu      sync.Mutex
	entries map[key]*entry
	lruList *list.List // front = most recently used
	maxSize int        // 0 = unlimited
}

var _ storage.ArtifactStore = (*Store)(nil)

// New creates an in-memory store. When maxSize > 0 the least recently used
// artifact is evicted once the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[key]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// Get returns a copy of the stored record.
func (s *Store) Get(_ context.Context, driverID, modelHint string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key{driverID, modelHint}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)
	return cloneRecord(e.rec), nil
}

// Put stores a copy of rec, replacing any record with the same key.
func (s *Store) Put(_ context.Context, rec *storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneRecord(rec)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	k := key{rec.DriverID, rec.ModelHint}
	if e, ok := s.entries[k]; ok {
		e.rec = stored
		s.lruList.MoveToFront(e.lruElem)
		return nil
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}
	s.entries[k] = &entry{rec: stored, lruElem: s.lruList.PushFront(k)}
	return nil
}

// DeleteDriver removes all records of a driver.
func (s *Store) DeleteDriver(_ context.Context, driverID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if k.driverID != driverID {
			continue
		}
		s.lruList.Remove(e.lruElem)
		delete(s.entries, k)
		n++
	}
	return n, nil
}

// List returns copies of a driver's records ordered by model hint.
func (s *Store) List(_ context.Context, driverID string) ([]*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.Record
	for k, e := range s.entries {
		if k.driverID == driverID {
			out = append(out, cloneRecord(e.rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelHint < out[j].ModelHint })
	return out, nil
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HealthCheck always returns nil.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	k := back.Value.(key)
	s.lruList.Remove(back)
	delete(s.entries, k)
}

func cloneRecord(r *storage.Record) *storage.Record {
	c := *r
	c.Content = append([]byte(nil), r.Content...)
	return &c
}
