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

	"go.chromium.org/luci/common/errors"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/worker"
)

// CharmRecipe builds charms from a recipe checked out on the worker.
type CharmRecipe struct {
	collector
}

// VerifyBuildRequest is part of Behavior.
func (*CharmRecipe) VerifyBuildRequest(entry *model.BuildQueueEntry, vitals *model.BuilderVitals) error {
	if !vitals.Virtualized {
		return errors.Reason("charm recipe job %d requires a virtualized builder, got %q", entry.ID, vitals.Name)
	}
	if !entry.SuitsBuilder(vitals) {
		return errors.Reason("job %d does not suit builder %q", entry.ID, vitals.Name)
	}
	return nil
}

// ComposeBuildRequest is part of Behavior.
func (*CharmRecipe) ComposeBuildRequest(ctx context.Context, entry *model.BuildQueueEntry, vitals *model.BuilderVitals) (*worker.BuildRequest, error) {
	return &worker.BuildRequest{
		Cookie: entry.Cookie,
		Kind:   model.JobTypeCharmRecipe,
		Files:  maps.Clone(entry.Files),
		Args: map[string]string{
			"arch_tag": entry.Processor,
		},
	}, nil
}

// DispatchBuildToWorker is part of Behavior.
func (b *CharmRecipe) DispatchBuildToWorker(ctx context.Context, env Env, entry *model.BuildQueueEntry, vitals *model.BuilderVitals) error {
	return dispatch(ctx, env, b, entry, vitals)
}
