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

// Package behavior drives type-specific parts of a build's lifecycle.
//
// The scheduler core is agnostic to what is being built: everything specific
// to a build farm job type (how to validate a request, what to send to the
// worker, how to interpret worker status) lives behind the Behavior
// interface, with one implementation per model.JobType.
package behavior

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store"
	"github.com/buildfarm-dev/builddmgr/worker"
)

// MaxLogTailLength bounds the log tail bytes kept per building entry.
const MaxLogTailLength = 2048

// Env is what a Behavior may touch while handling a build: the persistence
// layer, the worker the build runs on, and the batched log-tail sink.
type Env struct {
	// Store persists builder and queue entry state.
	Store store.Store

	// Client talks to the worker the entry is (or will be) running on.
	Client worker.Client

	// ReportLogTail queues a log tail update for the batched writer. May be
	// nil when the caller doesn't collect log tails.
	ReportLogTail func(id int64, tail []byte)
}

// Behavior is the per-job-type dispatch strategy.
type Behavior interface {
	// VerifyBuildRequest checks that the entry is dispatchable to a builder
	// with the given vitals. Returns an error describing the mismatch.
	VerifyBuildRequest(entry *model.BuildQueueEntry, vitals *model.BuilderVitals) error

	// ComposeBuildRequest assembles the worker RPC payload for the entry.
	ComposeBuildRequest(ctx context.Context, entry *model.BuildQueueEntry, vitals *model.BuilderVitals) (*worker.BuildRequest, error)

	// DispatchBuildToWorker stages the entry's artifacts on the worker and
	// starts the build.
	DispatchBuildToWorker(ctx context.Context, env Env, entry *model.BuildQueueEntry, vitals *model.BuilderVitals) error

	// HandleStatus interprets a worker status report for a dispatched entry:
	// log tail refresh while building, result collection once the worker is
	// waiting.
	HandleStatus(ctx context.Context, env Env, entry *model.BuildQueueEntry, st *worker.Status) error
}

// Registry maps job types to their behaviours.
type Registry map[model.JobType]Behavior

// DefaultRegistry returns a registry with all production behaviours.
func DefaultRegistry() Registry {
	return Registry{
		model.JobTypeBinaryPackage: &BinaryPackage{},
		model.JobTypeCI:            &CI{},
		model.JobTypeCharmRecipe:   &CharmRecipe{},
	}
}

// For returns the behaviour for a job type.
func (r Registry) For(t model.JobType) (Behavior, error) {
	b, ok := r[t]
	if !ok {
		return nil, errors.Reason("no behaviour registered for job type %q", t)
	}
	return b, nil
}

// dispatch is the dispatch flow shared by all behaviours: stage every
// artifact on the worker, then start the build.
func dispatch(ctx context.Context, env Env, bhv Behavior, entry *model.BuildQueueEntry, vitals *model.BuilderVitals) error {
	req, err := bhv.ComposeBuildRequest(ctx, entry, vitals)
	if err != nil {
		return errors.Annotate(err, "composing build request for job %d", entry.ID)
	}
	for digest, url := range req.Files {
		if err := env.Client.EnsurePresent(ctx, digest, url); err != nil {
			return errors.Annotate(err, "staging artifact %s on %q", digest, vitals.Name)
		}
	}
	if err := env.Client.Build(ctx, req); err != nil {
		return errors.Annotate(err, "starting build of job %d on %q", entry.ID, vitals.Name)
	}
	return nil
}

// collector implements the HandleStatus logic common to all behaviours.
type collector struct{}

// HandleStatus is part of Behavior.
func (collector) HandleStatus(ctx context.Context, env Env, entry *model.BuildQueueEntry, st *worker.Status) error {
	switch st.BuilderStatus {
	case worker.StatusBuilding:
		if env.ReportLogTail != nil {
			env.ReportLogTail(entry.ID, SanitizeLogTail(st.LogTail))
		}
		return nil
	case worker.StatusAborting:
		// An abort is in flight; the cancellation machinery owns the entry
		// until the worker settles.
		logging.Debugf(ctx, "job %d still aborting on %q", entry.ID, entry.BuilderName)
		return nil
	case worker.StatusWaiting:
		ok := st.BuildStatus == "OK"
		logging.Infof(ctx, "collecting job %d from %q: %s", entry.ID, entry.BuilderName, st.BuildStatus)
		if err := env.Store.CompleteQueueEntry(ctx, entry.ID, ok); err != nil {
			return errors.Annotate(err, "recording result of job %d", entry.ID)
		}
		return nil
	default:
		return errors.Reason("job %d: unexpected worker status %q", entry.ID, st.BuilderStatus)
	}
}

// SanitizeLogTail bounds and cleans a worker-supplied log tail so it is safe
// to persist: at most MaxLogTailLength bytes, valid UTF-8, NULs stripped.
func SanitizeLogTail(tail []byte) []byte {
	if len(tail) > MaxLogTailLength {
		tail = tail[len(tail)-MaxLogTailLength:]
		// Resynchronize on a rune boundary after the cut.
		for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
			tail = tail[1:]
		}
	}
	s := strings.ToValidUTF8(string(tail), "�")
	s = strings.ReplaceAll(s, "\x00", "")
	return []byte(s)
}
