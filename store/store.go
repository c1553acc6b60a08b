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

// Package store defines the persistence surface of the build farm manager.
//
// The manager treats the backing database as a black box behind this
// interface. Every mutation that must survive a crash (a dispatch, a
// recovery verdict, a cleanup completion) is one call here, committed before
// the caller proceeds.
package store

import (
	"context"

	"go.chromium.org/luci/common/errors"

	"github.com/buildfarm-dev/builddmgr/model"
)

// ErrNotFound is returned when a builder or queue entry does not exist.
var ErrNotFound = errors.New("no such record")

// CandidateFilter selects pending queue entries a particular kind of builder
// could run.
type CandidateFilter struct {
	// Processor selects entries requiring exactly this processor name. The
	// empty string selects entries with no processor requirement.
	Processor string

	// Virtualized selects entries requiring this virtualization mode.
	Virtualized bool

	// OpenResources and RestrictedResources are the tag sets offered by the
	// builders this filter describes. Entries must require a subset of the
	// union, and must require every restricted tag.
	OpenResources       []string
	RestrictedResources []string
}

// Store is the persistence interface of the scheduler core.
//
// Implementations must be safe for concurrent use: one scan goroutine runs
// per builder, plus the fleet loop.
type Store interface {
	// ListBuilders returns all registered builders.
	ListBuilders(ctx context.Context) ([]*model.Builder, error)

	// GetBuilder returns one builder by name, or ErrNotFound.
	GetBuilder(ctx context.Context, name string) (*model.Builder, error)

	// SaveBuilder overwrites the builder's mutable state.
	SaveBuilder(ctx context.Context, b *model.Builder) error

	// GetQueueEntry returns one queue entry by id, or ErrNotFound.
	GetQueueEntry(ctx context.Context, id int64) (*model.BuildQueueEntry, error)

	// PendingCandidates returns up to limit pending entries matching the
	// filter, ordered by score descending then id ascending.
	PendingCandidates(ctx context.Context, f CandidateFilter, limit int) ([]*model.BuildQueueEntry, error)

	// ClaimQueueEntry atomically assigns a pending entry to a builder.
	//
	// The claim is conditional on the entry still being PENDING: it reports
	// false, without error, if another scanner got there first. On success
	// the entry is BUILDING with the given builder and cookie, and the
	// builder's CurrentJob points at it.
	ClaimQueueEntry(ctx context.Context, id int64, builderName, cookie string) (bool, error)

	// ResetQueueEntry requeues an entry: status back to PENDING, builder
	// assignment and cookie cleared, and the previously assigned builder's
	// CurrentJob cleared. The entry's failure count is preserved.
	ResetQueueEntry(ctx context.Context, id int64) error

	// FailQueueEntry marks an entry FAILED and detaches it from its builder.
	FailQueueEntry(ctx context.Context, id int64) error

	// CancelQueueEntry marks an entry CANCELLED and detaches it from its
	// builder, leaving the builder DIRTY so it gets a cleanup pass.
	CancelQueueEntry(ctx context.Context, id int64) error

	// CompleteQueueEntry records a finished build: the entry becomes
	// COMPLETED (ok) or FAILED, and its builder is detached and marked DIRTY.
	CompleteQueueEntry(ctx context.Context, id int64, ok bool) error

	// IncrementFailureCounts adds one to both the builder's and the entry's
	// persisted failure counts in a single commit and returns the new values.
	// A zero queueID increments and returns only the builder count.
	IncrementFailureCounts(ctx context.Context, builderName string, queueID int64) (builderCount, jobCount int64, err error)

	// PutLogTails upserts log tails for many entries in one write.
	PutLogTails(ctx context.Context, tails map[int64][]byte) error
}
