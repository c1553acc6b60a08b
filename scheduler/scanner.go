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
	"time"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"

	"github.com/buildfarm-dev/builddmgr/behavior"
	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store"
	"github.com/buildfarm-dev/builddmgr/worker"
)

// cancelTimedOut tags the error raised when a worker fails to confirm an
// abort before the cancellation deadline. Not retry-eligible: by the time
// the deadline fires the worker has been given every chance already.
var cancelTimedOut = errtag.Make("build cancellation timed out", true)

// ScannerDeps are the collaborators a WorkerScanner needs.
type ScannerDeps struct {
	// Store persists builder and queue entry state.
	Store store.Store
	// Factory provides (possibly cached) builder vitals.
	Factory *BuilderFactory
	// Index supplies dispatch candidates.
	Index *CandidateIndex
	// Clients builds worker RPC clients.
	Clients worker.ClientFactory
	// Behaviors maps job types to dispatch behaviours.
	Behaviors behavior.Registry
	// ReportLogTail queues a log tail update for the batched writer. May be
	// nil.
	ReportLogTail func(id int64, tail []byte)
	// Options tunes intervals and thresholds.
	Options *Options
}

// WorkerScanner drives the scan cycle of one builder.
//
// One scanner exists per builder and ticks on its own interval. A tick
// probes the worker, dispatches or collects a build, and on error feeds the
// failure machinery. Nothing escapes a tick: every error is converted into
// a persisted state change or swallowed as a transient glitch.
type WorkerScanner struct {
	builderName string
	deps        ScannerDeps

	// consecutiveFailures counts failed scan cycles since the last good one.
	// In-memory only, distinct from the persisted failure counts.
	consecutiveFailures int

	// cancelDeadline is when the pending abort request expires, or zero if
	// no cancellation is in flight.
	cancelDeadline time.Time
}

// NewWorkerScanner returns a scanner for the named builder. It does not
// start scanning; use RunLoop, or SingleCycle from a test.
func NewWorkerScanner(builderName string, deps ScannerDeps) *WorkerScanner {
	if deps.Options == nil {
		deps.Options = DefaultOptions()
	}
	return &WorkerScanner{builderName: builderName, deps: deps}
}

// RunLoop scans until the context is cancelled.
func (s *WorkerScanner) RunLoop(ctx context.Context) {
	ctx = logging.SetFields(ctx, logging.Fields{"builder": s.builderName})
	logging.Debugf(ctx, "scanner starting")
	for {
		s.SingleCycle(ctx)
		if r := <-clock.After(ctx, s.deps.Options.ScanInterval); r.Err != nil {
			logging.Debugf(ctx, "scanner stopping: %s", r.Err)
			return
		}
	}
}

// SingleCycle runs one scan cycle, absorbing any failure.
func (s *WorkerScanner) SingleCycle(ctx context.Context) {
	if err := s.scan(ctx); err != nil {
		scanCycles.Add(ctx, 1, false)
		s.scanFailed(ctx, err)
		return
	}
	scanCycles.Add(ctx, 1, true)
	s.consecutiveFailures = 0
}

// scan is one pass of the per-builder state machine.
func (s *WorkerScanner) scan(ctx context.Context) error {
	vitals, err := s.deps.Factory.Vitals(ctx, s.builderName)
	if err != nil {
		return err
	}
	client := s.deps.Clients(vitals)
	if vitals.CurrentJob != 0 {
		return s.scanBuilding(ctx, vitals, client)
	}
	return s.scanIdle(ctx, vitals, client)
}

// scanBuilding monitors a builder with an assigned job.
func (s *WorkerScanner) scanBuilding(ctx context.Context, vitals *model.BuilderVitals, client worker.Client) error {
	entry, err := s.deps.Store.GetQueueEntry(ctx, vitals.CurrentJob)
	if err != nil {
		return errors.Annotate(err, "fetching job %d", vitals.CurrentJob)
	}

	// A disabled builder keeps no job. Not a hard failure: the job just
	// goes back to the queue for someone else.
	if !vitals.Enabled {
		logging.Warningf(ctx, "builder disabled mid-build, requeueing job %d", entry.ID)
		return s.requeue(ctx, entry.ID)
	}

	st, err := client.Status(ctx)
	if err != nil {
		return errors.Annotate(err, "probing worker for job %d", entry.ID)
	}

	// The worker lost (or never had) the job it is supposed to be running.
	// Not conclusively anyone's fault: requeue without failure accounting.
	if st.BuildID != entry.Cookie {
		logging.Warningf(ctx, "worker reports build %q, expected %q; requeueing lost job %d",
			st.BuildID, entry.Cookie, entry.ID)
		return s.requeue(ctx, entry.ID)
	}

	if err := s.checkCancellation(ctx, entry, client); err != nil {
		return err
	}

	// An abort confirmed by the worker settles the cancellation.
	if entry.Status == model.QueueCancelling && st.BuilderStatus == worker.StatusWaiting {
		logging.Infof(ctx, "worker aborted job %d, marking it cancelled", entry.ID)
		s.cancelDeadline = time.Time{}
		if err := s.deps.Store.CancelQueueEntry(ctx, entry.ID); err != nil {
			return errors.Annotate(err, "cancelling job %d", entry.ID)
		}
		return s.refreshVitals(ctx)
	}

	bhv, err := s.deps.Behaviors.For(entry.JobType)
	if err != nil {
		return err
	}
	env := behavior.Env{Store: s.deps.Store, Client: client, ReportLogTail: s.deps.ReportLogTail}
	if err := bhv.HandleStatus(ctx, env, entry, st); err != nil {
		return err
	}
	if st.BuilderStatus == worker.StatusWaiting {
		// Collection detached the job and dirtied the builder.
		return s.refreshVitals(ctx)
	}
	return nil
}

// scanIdle handles a builder with no assigned job: cleanup if dirty,
// dispatch if clean.
func (s *WorkerScanner) scanIdle(ctx context.Context, vitals *model.BuilderVitals, client worker.Client) error {
	if !vitals.Enabled {
		logging.Debugf(ctx, "builder is disabled")
		return nil
	}
	switch vitals.Clean {
	case model.CleanStatusDirty, model.CleanStatusCleaning:
		return s.cleanWorker(ctx, vitals, client)
	case model.CleanStatusClean:
		st, err := client.Status(ctx)
		if err != nil {
			return errors.Annotate(err, "probing idle worker")
		}
		// A clean builder whose worker is not idle means a previous build's
		// state leaked past cleanup. Never tolerated.
		if st.BuilderStatus != worker.StatusIdle {
			return worker.IsolationViolation.Apply(errors.Reason(
				"builder %q is CLEAN but its worker reports %q (build %q)",
				vitals.Name, st.BuilderStatus, st.BuildID))
		}
		if vitals.ManualMode {
			logging.Debugf(ctx, "builder is in manual mode, not dispatching")
			return nil
		}
		return s.dispatch(ctx, vitals, client)
	default:
		return errors.Reason("builder %q has unknown clean status %d", vitals.Name, vitals.Clean)
	}
}

// cleanWorker runs one cleanup step: virtualized builders are reset to
// their pristine image, bare metal is cleaned in place.
func (s *WorkerScanner) cleanWorker(ctx context.Context, vitals *model.BuilderVitals, client worker.Client) error {
	if vitals.Clean == model.CleanStatusDirty {
		// Record the cleanup in flight first so a manager restart re-issues
		// it rather than trusting a half-cleaned environment.
		if err := s.setCleanStatus(ctx, model.CleanStatusCleaning); err != nil {
			return err
		}
	}
	var err error
	if vitals.Virtualized {
		err = client.Resume(ctx)
	} else {
		err = client.Clean(ctx)
	}
	if err != nil {
		return errors.Annotate(err, "cleaning builder %q", vitals.Name)
	}
	logging.Infof(ctx, "builder %q is clean", vitals.Name)
	return s.setCleanStatus(ctx, model.CleanStatusClean)
}

// setCleanStatus persists a clean status change and refreshes the cached
// vitals.
func (s *WorkerScanner) setCleanStatus(ctx context.Context, cs model.CleanStatus) error {
	builder, err := s.deps.Store.GetBuilder(ctx, s.builderName)
	if err != nil {
		return errors.Annotate(err, "fetching builder")
	}
	builder.Clean = cs
	if err := s.deps.Store.SaveBuilder(ctx, builder); err != nil {
		return errors.Annotate(err, "marking builder %s", cs)
	}
	s.deps.Factory.Put(builder.Vitals())
	return nil
}

// dispatch pops candidates until one is claimed and started on the worker.
func (s *WorkerScanner) dispatch(ctx context.Context, vitals *model.BuilderVitals, client worker.Client) error {
	if err := s.deps.Index.PrefetchForBuilder(ctx, vitals); err != nil {
		return err
	}
	// Probed lazily: most idle ticks find no candidate and should cost the
	// worker nothing beyond the status check.
	var info *worker.Info
	for {
		entry := s.deps.Index.Pop(vitals)
		if entry == nil {
			logging.Debugf(ctx, "no candidates for builder %q", vitals.Name)
			return nil
		}
		if info == nil {
			var err error
			if info, err = client.Info(ctx); err != nil {
				return errors.Annotate(err, "probing worker before dispatch")
			}
		}
		bhv, err := s.deps.Behaviors.For(entry.JobType)
		if err != nil {
			return err
		}
		if err := bhv.VerifyBuildRequest(entry, vitals); err != nil {
			logging.Warningf(ctx, "skipping job %d: %s", entry.ID, err)
			continue
		}
		cookie := uuid.NewString()
		claimed, err := s.deps.Store.ClaimQueueEntry(ctx, entry.ID, vitals.Name, cookie)
		if err != nil {
			return errors.Annotate(err, "claiming job %d", entry.ID)
		}
		if !claimed {
			logging.Debugf(ctx, "lost the claim race for job %d", entry.ID)
			continue
		}
		entry.Status = model.QueueBuilding
		entry.BuilderName = vitals.Name
		entry.Cookie = cookie

		env := behavior.Env{Store: s.deps.Store, Client: client, ReportLogTail: s.deps.ReportLogTail}
		if err := bhv.DispatchBuildToWorker(ctx, env, entry, vitals); err != nil {
			return errors.Annotate(err, "dispatching job %d", entry.ID)
		}
		logging.Infof(ctx, "dispatched job %d (%s) to %q running worker %s",
			entry.ID, entry.JobType, vitals.Name, info.Version)
		dispatchCount.Add(ctx, 1, string(entry.JobType))

		// A successful dispatch proves the builder works: forgive its past.
		builder, err := s.deps.Store.GetBuilder(ctx, s.builderName)
		if err != nil {
			return err
		}
		builder.FailureCount = 0
		if err := s.deps.Store.SaveBuilder(ctx, builder); err != nil {
			return errors.Annotate(err, "resetting failure count of %q", vitals.Name)
		}
		s.deps.Factory.Put(builder.Vitals())
		return nil
	}
}

// checkCancellation advances the polled abort protocol for the current job.
//
// The first tick that sees the job CANCELLING sends the abort and arms the
// deadline; later ticks wait for the worker to settle until the deadline
// fires, which escalates to a (non-retryable) failure.
func (s *WorkerScanner) checkCancellation(ctx context.Context, entry *model.BuildQueueEntry, client worker.Client) error {
	if entry.Status != model.QueueCancelling {
		s.cancelDeadline = time.Time{}
		return nil
	}
	now := clock.Now(ctx)
	if s.cancelDeadline.IsZero() {
		logging.Infof(ctx, "cancellation requested for job %d, aborting worker", entry.ID)
		if err := client.Abort(ctx); err != nil {
			return errors.Annotate(err, "aborting job %d", entry.ID)
		}
		s.cancelDeadline = now.Add(s.deps.Options.CancelTimeout)
		return nil
	}
	if now.Before(s.cancelDeadline) {
		logging.Debugf(ctx, "waiting for job %d to abort, %s until timeout",
			entry.ID, s.cancelDeadline.Sub(now))
		return nil
	}
	return cancelTimedOut.Apply(errors.Reason(
		"worker did not confirm abort of job %d within %s",
		entry.ID, s.deps.Options.CancelTimeout))
}

// requeue puts a job back in the queue without touching any failure
// counter, for failures not conclusively attributable to either side.
//
// The worker may still be chewing on the stale build, so the builder goes
// DIRTY: the cleanup pass resets the worker before the next dispatch,
// rather than the clean-idle check tripping an isolation violation on it.
func (s *WorkerScanner) requeue(ctx context.Context, id int64) error {
	if err := s.deps.Store.ResetQueueEntry(ctx, id); err != nil {
		return errors.Annotate(err, "requeueing job %d", id)
	}
	return s.setCleanStatus(ctx, model.CleanStatusDirty)
}

// refreshVitals pushes a fresh snapshot of this builder into the factory
// after a mutation committed outside SaveBuilder.
func (s *WorkerScanner) refreshVitals(ctx context.Context) error {
	builder, err := s.deps.Store.GetBuilder(ctx, s.builderName)
	if err != nil {
		return errors.Annotate(err, "refreshing vitals of %q", s.builderName)
	}
	s.deps.Factory.Put(builder.Vitals())
	return nil
}

// scanFailed absorbs a failed scan cycle.
//
// Failures below ScanFailureThreshold are swallowed as transient glitches,
// touching no persisted state. At the threshold (or immediately, for
// failures that must not be retried) the persisted failure counts are
// incremented and the judge's verdict is applied. Errors in the recovery
// path itself are logged and dropped: this must never take down the loop.
func (s *WorkerScanner) scanFailed(ctx context.Context, scanErr error) {
	retry := !worker.IsolationViolation.In(scanErr) && !cancelTimedOut.In(scanErr)
	s.consecutiveFailures++
	if retry && s.consecutiveFailures < s.deps.Options.ScanFailureThreshold {
		logging.Warningf(ctx, "scan of %q failed (%d of %d tolerated): %s",
			s.builderName, s.consecutiveFailures, s.deps.Options.ScanFailureThreshold, scanErr)
		return
	}
	s.consecutiveFailures = 0
	if err := s.recoverFailure(ctx, scanErr, retry); err != nil {
		logging.Errorf(ctx, "applying recovery for %q failed: %s (original failure: %s)",
			s.builderName, err, scanErr)
	}
}

// recoverFailure charges the failure to the persisted counters and applies
// the judge's verdict to builder and job state.
func (s *WorkerScanner) recoverFailure(ctx context.Context, scanErr error, retry bool) error {
	builder, err := s.deps.Store.GetBuilder(ctx, s.builderName)
	if err != nil {
		return errors.Annotate(err, "fetching builder")
	}
	var entry *model.BuildQueueEntry
	if builder.CurrentJob != 0 {
		if entry, err = s.deps.Store.GetQueueEntry(ctx, builder.CurrentJob); err != nil {
			return errors.Annotate(err, "fetching job %d", builder.CurrentJob)
		}
	}

	var jobID int64
	if entry != nil {
		jobID = entry.ID
	}
	builderCount, jobCount, err := s.deps.Store.IncrementFailureCounts(ctx, s.builderName, jobID)
	if err != nil {
		return errors.Annotate(err, "incrementing failure counts")
	}

	verdict := Judge(builderCount, jobCount, scanErr, retry)
	logging.Warningf(ctx, "scan of %q failed hard (builder %d, job %d failures): %s; verdict: builder=%s job=%s",
		s.builderName, builderCount, jobCount, scanErr, verdict.Builder, verdict.Job)
	recoveryVerdicts.Add(ctx, 1, verdict.Builder.String(), verdict.Job.String())

	// Job side first: detaching the job also touches the builder row.
	if entry != nil {
		switch {
		case entry.Status == model.QueueCancelling:
			// Any failure while the job is being cancelled settles it as
			// cancelled rather than bouncing or failing it.
			s.cancelDeadline = time.Time{}
			if err := s.deps.Store.CancelQueueEntry(ctx, entry.ID); err != nil {
				return errors.Annotate(err, "cancelling job %d", entry.ID)
			}
		case verdict.Job == ActionReset:
			if err := s.deps.Store.ResetQueueEntry(ctx, entry.ID); err != nil {
				return errors.Annotate(err, "requeueing job %d", entry.ID)
			}
		case verdict.Job == ActionFail:
			logging.Errorf(ctx, "giving up on job %d", entry.ID)
			if err := s.deps.Store.FailQueueEntry(ctx, entry.ID); err != nil {
				return errors.Annotate(err, "failing job %d", entry.ID)
			}
		}
	}

	if verdict.Builder != ActionNone {
		builder, err := s.deps.Store.GetBuilder(ctx, s.builderName)
		if err != nil {
			return errors.Annotate(err, "refetching builder")
		}
		switch verdict.Builder {
		case ActionReset:
			builder.Clean = model.CleanStatusDirty
		case ActionFail:
			logging.Errorf(ctx, "disabling builder %q after %d failures", s.builderName, builderCount)
			builder.Enabled = false
		}
		if err := s.deps.Store.SaveBuilder(ctx, builder); err != nil {
			return errors.Annotate(err, "saving builder")
		}
		s.deps.Factory.Put(builder.Vitals())
		return nil
	}
	return s.refreshVitals(ctx)
}
