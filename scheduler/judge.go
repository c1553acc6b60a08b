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
	"github.com/buildfarm-dev/builddmgr/worker"
)

// Thresholds of the failure blame machinery.
const (
	// JobResetThreshold is how many ambiguous (builder and job equally
	// suspect) failures are tolerated before the job is requeued onto a
	// different builder.
	JobResetThreshold = 3

	// BuilderFailureThreshold is how many failures a builder may accumulate
	// beyond its job's before it is taken out of rotation.
	BuilderFailureThreshold = 5

	// ScanFailureThreshold is how many consecutive scan failures are
	// swallowed as transient glitches before the persisted failure counts
	// are touched at all.
	ScanFailureThreshold = 5
)

// Action is what the failure judge decides to do to a builder or a job.
type Action int

// Possible actions.
const (
	// ActionNone leaves the subject alone.
	ActionNone Action = iota
	// ActionReset recycles the subject: the builder is dirtied so it gets a
	// cleanup pass, the job is requeued for another builder.
	ActionReset
	// ActionFail gives up on the subject: the builder is disabled, the job
	// is marked failed.
	ActionFail
)

// String returns the symbolic name of the action, for logs and metrics.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionReset:
		return "reset"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Verdict is a pair of recovery actions, one per side of the blame.
type Verdict struct {
	Builder Action
	Job     Action
}

// Judge assigns blame for a hard scan failure.
//
// It is a pure function of the persisted failure counts (already
// incremented for the current failure), the error that caused it, and
// whether the failure is retry-eligible. All persistence is the caller's
// business.
//
// The blame heuristic: equal counts mean the evidence is ambiguous, so the
// job is bounced to another builder once quiet retrying is exhausted; a
// builder ahead of its job is probably broken and gets recycled, then
// disabled; a job ahead of its builder has failed on several distinct
// builders and is hopeless.
func Judge(builderFailures, jobFailures int64, err error, retry bool) Verdict {
	if worker.IsolationViolation.In(err) {
		// A possible security boundary breach. No grace period for either
		// side.
		return Verdict{Builder: ActionFail, Job: ActionFail}
	}
	switch {
	case builderFailures == jobFailures:
		if retry && builderFailures < JobResetThreshold {
			return Verdict{Builder: ActionNone, Job: ActionNone}
		}
		return Verdict{Builder: ActionNone, Job: ActionReset}
	case builderFailures > jobFailures:
		if builderFailures < BuilderFailureThreshold {
			return Verdict{Builder: ActionReset, Job: ActionReset}
		}
		return Verdict{Builder: ActionFail, Job: ActionReset}
	default:
		return Verdict{Builder: ActionNone, Job: ActionFail}
	}
}
