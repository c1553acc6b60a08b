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

// Package model defines records describing builders and pending build jobs.
package model

import (
	"slices"
)

// CleanStatus describes whether a builder's environment is known to be free
// of leftover state from a previous job.
type CleanStatus int64

// Possible clean statuses of a builder.
const (
	// CleanStatusClean means the builder is ready to take a new job.
	CleanStatusClean CleanStatus = 0
	// CleanStatusDirty means the builder ran a job and needs a cleanup pass
	// before it can take another one.
	CleanStatusDirty CleanStatus = 1
	// CleanStatusCleaning means a cleanup request has been issued to the
	// worker and has not finished yet.
	CleanStatusCleaning CleanStatus = 2
)

// String returns the symbolic name of the status, for logs.
func (c CleanStatus) String() string {
	switch c {
	case CleanStatusClean:
		return "CLEAN"
	case CleanStatusDirty:
		return "DIRTY"
	case CleanStatusCleaning:
		return "CLEANING"
	default:
		return "UNKNOWN"
	}
}

// Builder is the persistent record of a single build host.
//
// It is created externally when the host is registered with the farm. The
// manager mutates its operational state (clean status, failure count, current
// job) on every scan cycle but never deletes the record.
type Builder struct {
	// Name uniquely identifies the builder in the fleet.
	Name string

	// URL is the base endpoint of the worker agent running on the builder.
	URL string

	// Processors are the processor names this builder can build for.
	Processors []string

	// Virtualized is true if the builder is a resettable VM rather than
	// hardware cleaned in place.
	Virtualized bool

	// OpenResources are resource tags the builder offers to any job.
	OpenResources []string

	// RestrictedResources are resource tags the builder offers only to jobs
	// that explicitly require them. A builder with restricted resources takes
	// no job that doesn't ask for all of them.
	RestrictedResources []string

	// Clean tracks leftover state from the previously run job.
	Clean CleanStatus

	// Enabled is false if the builder has been taken out of rotation, either
	// manually or by the failure machinery.
	Enabled bool

	// ManualMode stops automatic dispatch to this builder. The builder is
	// still scanned so an operator can watch a manually started build.
	ManualMode bool

	// FailureCount is the number of consecutive hard scan failures charged
	// to this builder. Reset on a successful dispatch.
	FailureCount int64

	// CurrentJob is the id of the queue entry assigned to this builder, or
	// zero if it is idle.
	CurrentJob int64
}

// Vitals returns an immutable snapshot of the builder's state.
func (b *Builder) Vitals() *BuilderVitals {
	return &BuilderVitals{
		Name:                b.Name,
		URL:                 b.URL,
		Processors:          slices.Clone(b.Processors),
		Virtualized:         b.Virtualized,
		OpenResources:       slices.Clone(b.OpenResources),
		RestrictedResources: slices.Clone(b.RestrictedResources),
		Clean:               b.Clean,
		Enabled:             b.Enabled,
		ManualMode:          b.ManualMode,
		FailureCount:        b.FailureCount,
		CurrentJob:          b.CurrentJob,
	}
}

// BuilderVitals is a read-only snapshot of Builder fields taken once per
// scan round.
//
// Scan cycles make decisions against a snapshot so they never observe a
// half-updated builder mid-cycle. Must not be mutated after creation; take
// a fresh snapshot instead.
type BuilderVitals struct {
	Name                string
	URL                 string
	Processors          []string
	Virtualized         bool
	OpenResources       []string
	RestrictedResources []string
	Clean               CleanStatus
	Enabled             bool
	ManualMode          bool
	FailureCount        int64
	CurrentJob          int64
}
