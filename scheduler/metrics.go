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
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	scanCycles = metric.NewCounter(
		"buildfarm/manager/scan_cycles",
		"Number of per-builder scan cycles executed.",
		nil,
		field.Bool("ok"))

	dispatchCount = metric.NewCounter(
		"buildfarm/manager/dispatches",
		"Number of builds dispatched to workers.",
		nil,
		field.String("job_type"))

	recoveryVerdicts = metric.NewCounter(
		"buildfarm/manager/recovery_verdicts",
		"Number of recovery verdicts applied after hard scan failures.",
		nil,
		field.String("builder_action"),
		field.String("job_action"))

	trackedBuilders = metric.NewInt(
		"buildfarm/manager/tracked_builders",
		"Number of builders with an active scanner.",
		nil)

	logTailWrites = metric.NewCounter(
		"buildfarm/manager/log_tail_writes",
		"Number of batched log tail write transactions.",
		nil)
)
