package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"edge-sync/internal/entity"
)

// Store holds entity state keyed by entity reference.
//
// Put is last-write-wins by sequence: a record is written only when its
// Seq is newer than the stored one (tombstones included).
type Store interface {
	Get(ctx context.Context, ref entity.Ref) (Record, bool, error)
	Put(ctx context.Context, rec Record) (bool, error)
	// List returns live records ordered by kind then id.
	List(ctx context.Context) ([]Record, error)
	// IsNew reports whether the store had no completed full sync when it
	// was opened.
	IsNew(ctx context.Context) (bool, error)
	// MarkSynced records that a full sync finished, so the next open
	// reports the store as not new.
	MarkSynced(ctx context.Context) error
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// MemoryStore is a concurrency-safe in-memory Store.
//
// It never has prior content, so it always reports itself as new.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[entity.Ref]Record
}

// NewMemoryStore initializes and returns a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[entity.Ref]Record),
	}
}

// Get returns the record for ref, tombstones included.
func (s *MemoryStore) Get(_ context.Context, ref entity.Ref) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[ref]
	if !ok {
		return Record{}, false, nil
	}
	rec.Assigned = rec.Assigned.Clone()
	return rec, true, nil
}

// Put inserts or replaces a record using last-write-wins on Seq.
//
// Rules:
// - If the ref does not exist, insert it.
// - If the ref exists, overwrite only if the incoming sequence is newer.
func (s *MemoryStore) Put(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[rec.Ref]
	if exists && rec.Seq <= existing.Seq {
		return false, nil
	}

	rec.Assigned = rec.Assigned.Clone()
	s.data[rec.Ref] = rec
	return true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.data))
	for _, rec := range s.data {
		if rec.Live() {
			rec.Assigned = rec.Assigned.Clone()
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) IsNew(_ context.Context) (bool, error) {
	return true, nil
}

func (s *MemoryStore) MarkSynced(_ context.Context) error {
	return nil
}

// PurgeTombstones removes tombstones last written before the given time.
//
// This is used by the background tombstone cleaner.
func (s *MemoryStore) PurgeTombstones(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ref, rec := range s.data {
		if rec.Purgeable(before) {
			delete(s.data, ref)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Ref.Kind != recs[j].Ref.Kind {
			return recs[i].Ref.Kind < recs[j].Ref.Kind
		}
		return recs[i].Ref.ID.String() < recs[j].Ref.ID.String()
	})
}
