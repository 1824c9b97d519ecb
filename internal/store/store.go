// Package store holds the ordered list of post records shared by the sync
// managers and the display layer.
//
// Writers never modify a published record or slice; every write builds a new
// slice, so a Snapshot taken at any instant stays stable.
package store

import (
	"slices"
	"sync"

	"github.com/g960059/postsync/internal/model"
)

type Store struct {
	mu      sync.RWMutex
	records []model.PostRecord
	version uint64
	changed chan struct{}
}

func New() *Store {
	return &Store{changed: make(chan struct{})}
}

// Load replaces the entire sequence, typically after a full fetch.
func (s *Store) Load(records []model.PostRecord) {
	next := slices.Clone(records)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = next
	s.notifyLocked()
}

// Patch merges patch into the record with the given id. It reports false, and
// changes nothing, when the id is not present.
func (s *Store) Patch(id int64, patch model.PostPatch) bool {
	return s.PatchIf(id, nil, patch)
}

// PatchIf applies patch only when pred holds for the current record. The check
// and the write happen under one lock. A nil pred always holds.
func (s *Store) PatchIf(id int64, pred func(model.PostRecord) bool, patch model.PostPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	if pred != nil && !pred(s.records[idx]) {
		return false
	}
	s.writeLocked(idx, s.records[idx].Apply(patch))
	return true
}

// Replace overwrites the full record with the same id. Missing ids are a no-op.
func (s *Store) Replace(record model.PostRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(record.ID)
	if idx < 0 {
		return false
	}
	s.writeLocked(idx, record)
	return true
}

func (s *Store) Get(id int64) (model.PostRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return model.PostRecord{}, false
	}
	return s.records[idx], true
}

// Snapshot returns the current sequence. The returned slice is owned by the
// caller.
func (s *Store) Snapshot() []model.PostRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// VersionedSnapshot returns the current sequence together with the version
// it belongs to.
func (s *Store) VersionedSnapshot() ([]model.PostRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records), s.version
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Changed returns a channel closed on the next write.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) indexLocked(id int64) int {
	return slices.IndexFunc(s.records, func(r model.PostRecord) bool {
		return r.ID == id
	})
}

func (s *Store) writeLocked(idx int, record model.PostRecord) {
	next := slices.Clone(s.records)
	next[idx] = record
	s.records = next
	s.notifyLocked()
}

func (s *Store) notifyLocked() {
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
}
