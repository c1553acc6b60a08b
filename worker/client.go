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

// Package worker talks to the agent running on a builder.
//
// The agent exposes a small JSON-over-HTTP RPC surface; everything the
// scheduler knows about a builder's runtime state comes through here. All
// failures surface as tagged errors: transient ones carry the retry
// transient tag, detected isolation breaches carry IsolationViolation.
package worker

import (
	"context"

	"go.chromium.org/luci/common/errors/errtag"

	"github.com/buildfarm-dev/builddmgr/model"
)

// IsolationViolation tags errors indicating that a builder's environment
// was not properly reset between jobs, i.e. a security boundary may have
// been crossed. Such errors are never retried: the failure machinery fails
// both the builder and the job immediately.
var IsolationViolation = errtag.Make("builder isolation violation", true)

// BuilderStatus is the worker-reported state of the build host.
type BuilderStatus string

// Statuses a worker can report.
const (
	// StatusIdle means the worker has no build.
	StatusIdle BuilderStatus = "IDLE"
	// StatusBuilding means a build is in progress.
	StatusBuilding BuilderStatus = "BUILDING"
	// StatusWaiting means a build finished and its results are waiting to
	// be collected.
	StatusWaiting BuilderStatus = "WAITING"
	// StatusAborting means the worker is tearing down a build after an
	// abort request.
	StatusAborting BuilderStatus = "ABORTING"
)

// Status is a snapshot of the worker's state, as reported by the worker.
type Status struct {
	// BuilderStatus is the overall state of the worker.
	BuilderStatus BuilderStatus `json:"builder_status"`

	// BuildID is the cookie of the build the worker is running or holding
	// results for. Empty when idle.
	BuildID string `json:"build_id,omitempty"`

	// BuildStatus is the outcome of a finished build ("OK", "PACKAGEFAIL",
	// "DEPFAIL", ...). Only meaningful when BuilderStatus is WAITING.
	BuildStatus string `json:"build_status,omitempty"`

	// LogTail is the last portion of the in-progress build log.
	LogTail []byte `json:"logtail,omitempty"`
}

// Info describes the worker agent itself.
type Info struct {
	// Version is the agent protocol version.
	Version string `json:"version"`

	// Arch is the processor architecture the agent builds for.
	Arch string `json:"arch"`
}

// BuildRequest is everything a worker needs to start a build.
type BuildRequest struct {
	// Cookie identifies this dispatch; the worker echoes it in Status.
	Cookie string `json:"build_id"`

	// Kind selects the build driver on the worker.
	Kind model.JobType `json:"kind"`

	// Files maps artifact digests to URLs the worker fetches them from.
	Files map[string]string `json:"files"`

	// Args are driver-specific build arguments.
	Args map[string]string `json:"args"`
}

// Client is the RPC surface of one build worker.
//
// All methods block on network I/O and honor context cancellation.
type Client interface {
	// Info probes the agent's version and capabilities.
	Info(ctx context.Context) (*Info, error)

	// Status reports the worker's current state.
	Status(ctx context.Context) (*Status, error)

	// Build starts a build.
	Build(ctx context.Context, req *BuildRequest) error

	// Abort asks the worker to kill the build in progress. Confirmation
	// arrives asynchronously via Status.
	Abort(ctx context.Context) error

	// Clean removes leftover state from the previous build in place.
	Clean(ctx context.Context) error

	// Resume resets a virtualized builder to its pristine image. Only
	// meaningful for virtualized builders.
	Resume(ctx context.Context) error

	// EnsurePresent makes the artifact with the given digest available on
	// the worker, fetching it from url if needed.
	EnsurePresent(ctx context.Context, digest, url string) error
}

// ClientFactory builds a Client for the builder described by vitals.
//
// The manager holds exactly one factory; tests substitute one returning
// fakes.
type ClientFactory func(vitals *model.BuilderVitals) Client
