// Copyright 2025 The Buildfarm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memstore is an in-memory store.Store used by unit tests.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store"
)

// Store implements store.Store with mutex-guarded maps.
type Store struct {
	mu       sync.Mutex
	builders map[string]*model.Builder
	queue    map[int64]*model.BuildQueueEntry
	tails    map[int64][]byte
	nextID   int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		builders: map[string]*model.Builder{},
		queue:    map[int64]*model.BuildQueueEntry{},
		tails:    map[int64][]byte{},
		nextID:   1,
	}
}

// AddBuilder registers a builder. Test setup helper.
func (s *Store) AddBuilder(b *model.Builder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.builders[b.Name] = &cp
}

// RemoveBuilder deregisters a builder. Test setup helper.
func (s *Store) RemoveBuilder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.builders, name)
}

// AddQueueEntry registers a queue entry, assigning it an id if it has none.
// Test setup helper. Returns the entry's id.
func (s *Store) AddQueueEntry(e *model.BuildQueueEntry) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneEntry(e)
	if cp.ID == 0 {
		cp.ID = s.nextID
	}
	if cp.ID >= s.nextID {
		s.nextID = cp.ID + 1
	}
	s.queue[cp.ID] = cp
	return cp.ID
}

func cloneEntry(e *model.BuildQueueEntry) *model.BuildQueueEntry {
	cp := *e
	cp.ResourceTags = slices.Clone(e.ResourceTags)
	cp.Files = maps.Clone(e.Files)
	cp.LogTail = slices.Clone(e.LogTail)
	return &cp
}

// LogTail returns the last stored log tail for an entry. Test helper.
func (s *Store) LogTail(id int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tails[id]
}

// ListBuilders is part of store.Store.
func (s *Store) ListBuilders(ctx context.Context) ([]*model.Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Builder, 0, len(s.builders))
	for _, b := range s.builders {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetBuilder is part of store.Store.
func (s *Store) GetBuilder(ctx context.Context, name string) (*model.Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builders[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// SaveBuilder is part of store.Store.
func (s *Store) SaveBuilder(ctx context.Context, b *model.Builder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builders[b.Name]; !ok {
		return store.ErrNotFound
	}
	cp := *b
	s.builders[b.Name] = &cp
	return nil
}

// GetQueueEntry is part of store.Store.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*model.BuildQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEntry(e), nil
}

// PendingCandidates is part of store.Store.
func (s *Store) PendingCandidates(ctx context.Context, f store.CandidateFilter, limit int) ([]*model.BuildQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vitals := &model.BuilderVitals{
		Virtualized:         f.Virtualized,
		OpenResources:       f.OpenResources,
		RestrictedResources: f.RestrictedResources,
	}
	if f.Processor != "" {
		vitals.Processors = []string{f.Processor}
	}
	var out []*model.BuildQueueEntry
	for _, e := range s.queue {
		if e.Status != model.QueuePending || e.Processor != f.Processor {
			continue
		}
		if !e.SuitsBuilder(vitals) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimQueueEntry is part of store.Store.
func (s *Store) ClaimQueueEntry(ctx context.Context, id int64, builderName, cookie string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return false, store.ErrNotFound
	}
	b, ok := s.builders[builderName]
	if !ok {
		return false, store.ErrNotFound
	}
	if e.Status != model.QueuePending {
		return false, nil
	}
	e.Status = model.QueueBuilding
	e.BuilderName = builderName
	e.Cookie = cookie
	b.CurrentJob = id
	return true, nil
}

// ResetQueueEntry is part of store.Store.
func (s *Store) ResetQueueEntry(ctx context.Context, id int64) error {
	return s.detach(id, model.QueuePending, false)
}

// FailQueueEntry is part of store.Store.
func (s *Store) FailQueueEntry(ctx context.Context, id int64) error {
	return s.detach(id, model.QueueFailed, false)
}

// CancelQueueEntry is part of store.Store.
func (s *Store) CancelQueueEntry(ctx context.Context, id int64) error {
	return s.detach(id, model.QueueCancelled, true)
}

// CompleteQueueEntry is part of store.Store.
func (s *Store) CompleteQueueEntry(ctx context.Context, id int64, ok bool) error {
	status := model.QueueCompleted
	if !ok {
		status = model.QueueFailed
	}
	return s.detach(id, status, true)
}

// detach moves an entry to the given status and disassociates it from its
// builder. If dirty is true the builder is left DIRTY for a cleanup pass.
func (s *Store) detach(id int64, status model.QueueStatus, dirty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.BuilderName != "" {
		if b, ok := s.builders[e.BuilderName]; ok && b.CurrentJob == id {
			b.CurrentJob = 0
			if dirty {
				b.Clean = model.CleanStatusDirty
			}
		}
	}
	e.Status = status
	e.BuilderName = ""
	e.Cookie = ""
	return nil
}

// IncrementFailureCounts is part of store.Store.
func (s *Store) IncrementFailureCounts(ctx context.Context, builderName string, queueID int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builders[builderName]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	b.FailureCount++
	var jobCount int64
	if queueID != 0 {
		e, ok := s.queue[queueID]
		if !ok {
			return 0, 0, store.ErrNotFound
		}
		e.FailureCount++
		jobCount = e.FailureCount
	}
	return b.FailureCount, jobCount, nil
}

// PutLogTails is part of store.Store.
func (s *Store) PutLogTails(ctx context.Context, tails map[int64][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tail := range tails {
		s.tails[id] = append([]byte(nil), tail...)
		if e, ok := s.queue[id]; ok {
			e.LogTail = append([]byte(nil), tail...)
		}
	}
	return nil
}
