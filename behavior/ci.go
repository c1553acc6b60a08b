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

package behavior

import (
	"context"
	"maps"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/worker"
)

// CI runs a repository's CI pipeline on a worker.
type CI struct {
	collector
}

// VerifyBuildRequest is part of Behavior.
func (*CI) VerifyBuildRequest(entry *model.BuildQueueEntry, vitals *model.BuilderVitals) error {
	// CI jobs run untrusted code and must never land on a builder that is
	// cleaned in place.
	if !vitals.Virtualized {
		return errors.Reason("CI job %d requires a virtualized builder, got %q", entry.ID, vitals.Name)
	}
	if !entry.SuitsBuilder(vitals) {
		return errors.Reason("job %d does not suit builder %q", entry.ID, vitals.Name)
	}
	return nil
}

// ComposeBuildRequest is part of Behavior.
func (*CI) ComposeBuildRequest(ctx context.Context, entry *model.BuildQueueEntry, vitals *model.BuilderVitals) (*worker.BuildRequest, error) {
	return &worker.BuildRequest{
		Cookie: entry.Cookie,
		Kind:   model.JobTypeCI,
		Files:  maps.Clone(entry.Files),
		Args: map[string]string{
			"arch_tag":  entry.Processor,
			"resources": strings.Join(entry.ResourceTags, " "),
		},
	}, nil
}

// DispatchBuildToWorker is part of Behavior.
func (b *CI) DispatchBuildToWorker(ctx context.Context, env Env, entry *model.BuildQueueEntry, vitals *model.BuilderVitals) error {
	return dispatch(ctx, env, b, entry, vitals)
}
