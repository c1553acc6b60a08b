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

package model

import (
	"time"

	"go.chromium.org/luci/common/data/stringset"
)

// JobType identifies the kind of build a queue entry represents.
//
// It selects the dispatch behaviour used to drive the build on a worker.
type JobType string

// Known job types.
const (
	JobTypeBinaryPackage JobType = "binarypackage"
	JobTypeCI            JobType = "ci"
	JobTypeCharmRecipe   JobType = "charmrecipe"
)

// QueueStatus is the lifecycle state of a build queue entry.
type QueueStatus int64

// Possible queue entry statuses.
const (
	// QueuePending means the entry is waiting for a builder.
	QueuePending QueueStatus = 0
	// QueueBuilding means the entry has been claimed by a builder and is
	// running there.
	QueueBuilding QueueStatus = 1
	// QueueCancelling means a cancellation has been requested and the
	// manager is waiting for the worker to confirm the abort.
	QueueCancelling QueueStatus = 2
	// QueueCancelled is terminal: the build was aborted.
	QueueCancelled QueueStatus = 3
	// QueueCompleted is terminal: the worker finished the build and its
	// results were collected.
	QueueCompleted QueueStatus = 4
	// QueueFailed is terminal: the failure machinery gave up on the entry.
	QueueFailed QueueStatus = 5
	// QueueSuspended means the entry is parked and must not be dispatched.
	QueueSuspended QueueStatus = 6
)

// String returns the symbolic name of the status, for logs.
func (s QueueStatus) String() string {
	switch s {
	case QueuePending:
		return "PENDING"
	case QueueBuilding:
		return "BUILDING"
	case QueueCancelling:
		return "CANCELLING"
	case QueueCancelled:
		return "CANCELLED"
	case QueueCompleted:
		return "COMPLETED"
	case QueueFailed:
		return "FAILED"
	case QueueSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// BuildQueueEntry is a pending build job waiting for (or running on) a
// builder.
//
// Created externally when a build is requested, claimed by the dispatch step
// (status goes PENDING -> BUILDING atomically), and moved to a terminal
// status when the job finishes one way or another.
type BuildQueueEntry struct {
	// ID uniquely identifies the entry. Lower ids win score ties.
	ID int64

	// JobType selects the dispatch behaviour for this entry.
	JobType JobType

	// Score is the scheduling priority. Higher scores dispatch first.
	Score int64

	// Processor is the processor name the job requires, or "" if the job can
	// build on any processor.
	Processor string

	// Virtualized is true if the job must run on a virtualized builder.
	Virtualized bool

	// ResourceTags are builder resources the job requires.
	ResourceTags []string

	// Status is the entry's lifecycle state.
	Status QueueStatus

	// BuilderName is the builder the entry is assigned to, or "" if pending.
	BuilderName string

	// Cookie identifies a particular dispatch of this entry on a worker. A
	// worker reporting a different cookie has lost the job.
	Cookie string

	// FailureCount is the number of hard failures charged to this job across
	// all builders it has been tried on.
	FailureCount int64

	// Files maps artifact digests to URLs. The dispatch step stages each of
	// them on the worker before starting the build.
	Files map[string]string

	// LogTail is the last portion of the build log, refreshed while the job
	// is building.
	LogTail []byte

	// Created is when the build was requested.
	Created time.Time
}

// SuitsBuilder reports whether the entry's capability requirements are met
// by a builder with the given vitals.
//
// Processor and virtualization must match exactly (an empty Processor means
// any). Every tag the job requires must be offered by the builder, and every
// restricted resource the builder has must be explicitly required by the
// job: restricted builders serve only jobs that asked for them.
func (e *BuildQueueEntry) SuitsBuilder(v *BuilderVitals) bool {
	if e.Virtualized != v.Virtualized {
		return false
	}
	if e.Processor != "" && !stringset.NewFromSlice(v.Processors...).Has(e.Processor) {
		return false
	}
	offered := stringset.NewFromSlice(v.OpenResources...)
	offered.AddAll(v.RestrictedResources)
	required := stringset.NewFromSlice(e.ResourceTags...)
	if !offered.Contains(required) {
		return false
	}
	return required.Contains(stringset.NewFromSlice(v.RestrictedResources...))
}
