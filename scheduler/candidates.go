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

package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.chromium.org/luci/common/errors"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store"
)

// groupKey identifies one capability class of builders: candidates fetched
// for a key suit every builder sharing it.
//
// processor is a concrete processor name, or "" for the wildcard group of
// candidates with no processor requirement.
type groupKey struct {
	processor   string
	virtualized bool
	restricted  string // sorted, space-joined
	open        string // sorted, space-joined
}

func joinSorted(tags []string) string {
	s := make([]string, len(tags))
	copy(s, tags)
	sort.Strings(s)
	return strings.Join(s, " ")
}

// groupKeysFor enumerates the grouping keys implied by a builder's vitals:
// one per supported processor, plus the "any processor" wildcard.
func groupKeysFor(v *model.BuilderVitals) []groupKey {
	restricted := joinSorted(v.RestrictedResources)
	open := joinSorted(v.OpenResources)
	keys := make([]groupKey, 0, len(v.Processors)+1)
	for _, p := range v.Processors {
		keys = append(keys, groupKey{p, v.Virtualized, restricted, open})
	}
	keys = append(keys, groupKey{"", v.Virtualized, restricted, open})
	return keys
}

func (k groupKey) filter() store.CandidateFilter {
	return store.CandidateFilter{
		Processor:           k.processor,
		Virtualized:         k.virtualized,
		RestrictedResources: strings.Fields(k.restricted),
		OpenResources:       strings.Fields(k.open),
	}
}

// sortKey orders candidates: higher score first, lower id on ties.
type sortKey struct {
	score int64
	id    int64
}

func (k sortKey) before(o sortKey) bool {
	if k.score != o.score {
		return k.score > o.score
	}
	return k.id < o.id
}

// CandidateIndex answers "what is the best pending job this builder could
// run right now" without a database round trip per builder.
//
// Candidates are bulk-prefetched per grouping key, at most as many as there
// are builders sharing the key, and cached sorted. Pop never re-sorts: it
// merges the heads of the matching groups. The whole index is rebuilt once
// per outer fleet scan; within one cycle a popped candidate is never
// returned again, even if it was prefetched into several groups.
type CandidateIndex struct {
	store store.Store

	mu            sync.Mutex
	groups        map[groupKey][]int64                // candidate ids, sorted by sortKey
	keys          map[int64]sortKey                   // side table of sort keys
	entries       map[int64]*model.BuildQueueEntry    // prefetched entries by id
	taken         map[int64]bool                      // popped this cycle
	builderCounts map[groupKey]int                    // builders per key, set by Rebuild
}

// NewCandidateIndex returns an empty index.
func NewCandidateIndex(s store.Store) *CandidateIndex {
	ci := &CandidateIndex{store: s}
	ci.Rebuild(nil)
	return ci
}

// Rebuild drops all cached groups and recounts how many builders share
// each grouping key. Called once per outer fleet scan with the vitals of
// every builder in the fleet.
func (ci *CandidateIndex) Rebuild(fleet []*model.BuilderVitals) {
	counts := map[groupKey]int{}
	for _, v := range fleet {
		for _, k := range groupKeysFor(v) {
			counts[k]++
		}
	}
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.groups = map[groupKey][]int64{}
	ci.keys = map[int64]sortKey{}
	ci.entries = map[int64]*model.BuildQueueEntry{}
	ci.taken = map[int64]bool{}
	ci.builderCounts = counts
}

// PrefetchForBuilder makes sure every grouping key implied by vitals has a
// cached candidate list, issuing one bulk query per missing key.
//
// Each query is capped at the number of builders sharing the key: more
// candidates than that cannot be dispatched this cycle anyway. Calling it
// again before a Rebuild is a no-op for already cached keys.
func (ci *CandidateIndex) PrefetchForBuilder(ctx context.Context, v *model.BuilderVitals) error {
	ci.mu.Lock()
	var missing []groupKey
	for _, k := range groupKeysFor(v) {
		if _, ok := ci.groups[k]; !ok {
			missing = append(missing, k)
		}
	}
	counts := ci.builderCounts
	ci.mu.Unlock()

	for _, k := range missing {
		limit := counts[k]
		if limit < 1 {
			limit = 1
		}
		found, err := ci.store.PendingCandidates(ctx, k.filter(), limit)
		if err != nil {
			return errors.Annotate(err, "prefetching candidates for %q", v.Name)
		}
		ci.mu.Lock()
		if _, ok := ci.groups[k]; !ok { // lost a prefetch race: keep the first
			ids := make([]int64, 0, len(found))
			for _, e := range found {
				ids = append(ids, e.ID)
				ci.keys[e.ID] = sortKey{score: e.Score, id: e.ID}
				ci.entries[e.ID] = e
			}
			ci.groups[k] = ids
		}
		ci.mu.Unlock()
	}
	return nil
}

// Pop removes and returns the globally best cached candidate this builder
// could run, or nil if all matching groups are exhausted.
//
// The caller must immediately claim the returned candidate (mark it
// BUILDING) through the store; the index only guarantees it won't hand the
// same candidate out again before the next Rebuild.
func (ci *CandidateIndex) Pop(v *model.BuilderVitals) *model.BuildQueueEntry {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	var bestKey groupKey
	var best sortKey
	found := false
	for _, k := range groupKeysFor(v) {
		ids := ci.groups[k]
		// Drop already-taken heads: a candidate prefetched into several
		// groups is consumed from all of them.
		for len(ids) > 0 && ci.taken[ids[0]] {
			ids = ids[1:]
		}
		ci.groups[k] = ids
		if len(ids) == 0 {
			continue
		}
		if head := ci.keys[ids[0]]; !found || head.before(best) {
			bestKey, best, found = k, head, true
		}
	}
	if !found {
		return nil
	}

	id := ci.groups[bestKey][0]
	ci.groups[bestKey] = ci.groups[bestKey][1:]
	ci.taken[id] = true
	delete(ci.keys, id)
	entry := ci.entries[id]
	delete(ci.entries, id)
	return entry
}
