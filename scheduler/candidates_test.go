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
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store/memstore"
)

func TestCandidateIndex(t *testing.T) {
	t.Parallel()

	ftt.Run("With a populated store", t, func(t *ftt.Test) {
		ctx := context.Background()
		st := memstore.New()

		amd64 := &model.BuilderVitals{
			Name:       "bos01",
			Processors: []string{"amd64"},
			Enabled:    true,
		}
		arm64 := &model.BuilderVitals{
			Name:       "bos02",
			Processors: []string{"arm64"},
			Enabled:    true,
		}

		addPending := func(id, score int64, processor string) int64 {
			return st.AddQueueEntry(&model.BuildQueueEntry{
				ID:        id,
				JobType:   model.JobTypeBinaryPackage,
				Score:     score,
				Processor: processor,
				Status:    model.QueuePending,
			})
		}

		ci := NewCandidateIndex(st)
		ci.Rebuild([]*model.BuilderVitals{amd64, arm64})

		t.Run("pops by score descending, id ascending on ties", func(t *ftt.Test) {
			addPending(1, 100, "amd64")
			addPending(2, 300, "amd64")
			addPending(3, 300, "")
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))

			e := ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)
			assert.Loosely(t, e.ID, should.Equal(2))

			e = ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)
			assert.Loosely(t, e.ID, should.Equal(3))

			e = ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)
			assert.Loosely(t, e.ID, should.Equal(1))

			assert.Loosely(t, ci.Pop(amd64), should.BeNil)
		})

		t.Run("never hands out the same candidate twice across groups", func(t *ftt.Test) {
			// Both builders share the wildcard group here, so the entry is
			// reachable from either of them, once.
			addPending(1, 500, "")
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, arm64))

			first := ci.Pop(amd64)
			assert.Loosely(t, first, should.NotBeNil)
			assert.Loosely(t, first.ID, should.Equal(1))
			assert.Loosely(t, ci.Pop(arm64), should.BeNil)
		})

		t.Run("prefetch is idempotent within a cycle", func(t *ftt.Test) {
			addPending(1, 100, "amd64")
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))

			e := ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)

			// A second prefetch before Rebuild must not resurrect it.
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))
			assert.Loosely(t, ci.Pop(amd64), should.BeNil)
		})

		t.Run("claimed entries do not come back after a rebuild", func(t *ftt.Test) {
			id := addPending(1, 100, "amd64")
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))
			e := ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)

			claimed, err := st.ClaimQueueEntry(ctx, id, "bos01", "cookie")
			assert.NoErr(t, err)
			assert.Loosely(t, claimed, should.BeTrue)

			ci.Rebuild([]*model.BuilderVitals{amd64, arm64})
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))
			assert.Loosely(t, ci.Pop(amd64), should.BeNil)
		})

		t.Run("rebuild resurfaces unclaimed entries", func(t *ftt.Test) {
			addPending(1, 100, "amd64")
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))
			e := ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)

			// Not claimed in the store: the next cycle sees it again.
			ci.Rebuild([]*model.BuilderVitals{amd64, arm64})
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))
			e = ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)
			assert.Loosely(t, e.ID, should.Equal(1))
		})

		t.Run("processor groups do not leak across builders", func(t *ftt.Test) {
			addPending(1, 100, "amd64")
			addPending(2, 900, "arm64")
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, amd64))
			assert.NoErr(t, ci.PrefetchForBuilder(ctx, arm64))

			e := ci.Pop(amd64)
			assert.Loosely(t, e, should.NotBeNil)
			assert.Loosely(t, e.ID, should.Equal(1))

			e = ci.Pop(arm64)
			assert.Loosely(t, e, should.NotBeNil)
			assert.Loosely(t, e.ID, should.Equal(2))
		})
	})
}
