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

package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store"
)

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	ftt.Run("With a fresh database", t, func(t *ftt.Test) {
		ctx := context.Background()
		st, err := Open(ctx, filepath.Join(t.TempDir(), "farm.db"))
		assert.NoErr(t, err)
		defer func() { assert.NoErr(t, st.Close()) }()

		builder := &model.Builder{
			Name:       "bos01",
			URL:        "http://bos01.farm:8221/",
			Processors: []string{"amd64", "i386"},
			Enabled:    true,
		}
		assert.NoErr(t, st.CreateBuilder(ctx, builder))

		newEntry := func(e *model.BuildQueueEntry) int64 {
			id, err := st.CreateQueueEntry(ctx, e)
			assert.NoErr(t, err)
			return id
		}

		t.Run("round trips builders", func(t *ftt.Test) {
			got, err := st.GetBuilder(ctx, "bos01")
			assert.NoErr(t, err)
			assert.Loosely(t, got.Processors, should.Match([]string{"amd64", "i386"}))
			assert.Loosely(t, got.Enabled, should.BeTrue)

			got.Clean = model.CleanStatusDirty
			got.FailureCount = 2
			assert.NoErr(t, st.SaveBuilder(ctx, got))

			again, err := st.GetBuilder(ctx, "bos01")
			assert.NoErr(t, err)
			assert.Loosely(t, again.Clean, should.Equal(model.CleanStatusDirty))
			assert.Loosely(t, again.FailureCount, should.Equal(2))

			all, err := st.ListBuilders(ctx)
			assert.NoErr(t, err)
			assert.Loosely(t, all, should.HaveLength(1))
		})

		t.Run("missing records report ErrNotFound", func(t *ftt.Test) {
			_, err := st.GetBuilder(ctx, "nope")
			assert.Loosely(t, err, should.ErrLike(store.ErrNotFound))

			_, err = st.GetQueueEntry(ctx, 12345)
			assert.Loosely(t, err, should.ErrLike(store.ErrNotFound))

			assert.Loosely(t, st.SaveBuilder(ctx, &model.Builder{Name: "nope"}),
				should.ErrLike(store.ErrNotFound))
		})

		t.Run("round trips queue entries including files", func(t *ftt.Test) {
			id := newEntry(&model.BuildQueueEntry{
				JobType:      model.JobTypeBinaryPackage,
				Score:        2505,
				Processor:    "amd64",
				ResourceTags: []string{"large-ram"},
				Files:        map[string]string{"sha256:aa": "http://librarian/aa"},
			})
			e, err := st.GetQueueEntry(ctx, id)
			assert.NoErr(t, err)
			assert.Loosely(t, e.Score, should.Equal(2505))
			assert.Loosely(t, e.ResourceTags, should.Match([]string{"large-ram"}))
			assert.Loosely(t, e.Files, should.Match(map[string]string{"sha256:aa": "http://librarian/aa"}))
			assert.Loosely(t, e.Created.IsZero(), should.BeFalse)
		})

		t.Run("pending candidates", func(t *ftt.Test) {
			low := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Score: 10, Processor: "amd64"})
			high := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Score: 90, Processor: "amd64"})
			tieA := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Score: 50, Processor: "amd64"})
			tieB := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Score: 50, Processor: "amd64"})
			newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Score: 999, Processor: "arm64"})
			newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Score: 999, Processor: "amd64", Status: model.QueueBuilding})

			t.Run("orders by score desc then id asc", func(t *ftt.Test) {
				got, err := st.PendingCandidates(ctx, store.CandidateFilter{Processor: "amd64"}, 0)
				assert.NoErr(t, err)
				ids := make([]int64, len(got))
				for i, e := range got {
					ids[i] = e.ID
				}
				assert.Loosely(t, ids, should.Match([]int64{high, tieA, tieB, low}))
			})

			t.Run("honors the limit", func(t *ftt.Test) {
				got, err := st.PendingCandidates(ctx, store.CandidateFilter{Processor: "amd64"}, 2)
				assert.NoErr(t, err)
				assert.Loosely(t, got, should.HaveLength(2))
				assert.Loosely(t, got[0].ID, should.Equal(high))
			})

			t.Run("restricted builders only serve jobs that ask", func(t *ftt.Test) {
				wants := newEntry(&model.BuildQueueEntry{
					JobType:      model.JobTypeBinaryPackage,
					Score:        5,
					Processor:    "amd64",
					ResourceTags: []string{"fips"},
				})
				got, err := st.PendingCandidates(ctx, store.CandidateFilter{
					Processor:           "amd64",
					RestrictedResources: []string{"fips"},
				}, 0)
				assert.NoErr(t, err)
				assert.Loosely(t, got, should.HaveLength(1))
				assert.Loosely(t, got[0].ID, should.Equal(wants))
			})
		})

		t.Run("claims are atomic", func(t *ftt.Test) {
			id := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Processor: "amd64"})

			claimed, err := st.ClaimQueueEntry(ctx, id, "bos01", "cookie-1")
			assert.NoErr(t, err)
			assert.Loosely(t, claimed, should.BeTrue)

			// The entry is no longer PENDING, so the second claim loses.
			claimed, err = st.ClaimQueueEntry(ctx, id, "bos01", "cookie-2")
			assert.NoErr(t, err)
			assert.Loosely(t, claimed, should.BeFalse)

			e, err := st.GetQueueEntry(ctx, id)
			assert.NoErr(t, err)
			assert.Loosely(t, e.Status, should.Equal(model.QueueBuilding))
			assert.Loosely(t, e.Cookie, should.Equal("cookie-1"))

			b, err := st.GetBuilder(ctx, "bos01")
			assert.NoErr(t, err)
			assert.Loosely(t, b.CurrentJob, should.Equal(id))
		})

		t.Run("detaching terminal states", func(t *ftt.Test) {
			id := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Processor: "amd64", FailureCount: 2})
			claimed, err := st.ClaimQueueEntry(ctx, id, "bos01", "cookie-1")
			assert.NoErr(t, err)
			assert.Loosely(t, claimed, should.BeTrue)

			t.Run("complete dirties the builder", func(t *ftt.Test) {
				assert.NoErr(t, st.CompleteQueueEntry(ctx, id, true))
				e, err := st.GetQueueEntry(ctx, id)
				assert.NoErr(t, err)
				assert.Loosely(t, e.Status, should.Equal(model.QueueCompleted))
				assert.Loosely(t, e.BuilderName, should.BeEmpty)

				b, err := st.GetBuilder(ctx, "bos01")
				assert.NoErr(t, err)
				assert.Loosely(t, b.CurrentJob, should.BeZero)
				assert.Loosely(t, b.Clean, should.Equal(model.CleanStatusDirty))
			})

			t.Run("reset requeues and keeps the failure count", func(t *ftt.Test) {
				assert.NoErr(t, st.ResetQueueEntry(ctx, id))
				e, err := st.GetQueueEntry(ctx, id)
				assert.NoErr(t, err)
				assert.Loosely(t, e.Status, should.Equal(model.QueuePending))
				assert.Loosely(t, e.Cookie, should.BeEmpty)
				assert.Loosely(t, e.FailureCount, should.Equal(2))

				b, err := st.GetBuilder(ctx, "bos01")
				assert.NoErr(t, err)
				assert.Loosely(t, b.CurrentJob, should.BeZero)
				assert.Loosely(t, b.Clean, should.Equal(model.CleanStatusClean))
			})

			t.Run("cancel dirties the builder", func(t *ftt.Test) {
				assert.NoErr(t, st.CancelQueueEntry(ctx, id))
				e, err := st.GetQueueEntry(ctx, id)
				assert.NoErr(t, err)
				assert.Loosely(t, e.Status, should.Equal(model.QueueCancelled))

				b, err := st.GetBuilder(ctx, "bos01")
				assert.NoErr(t, err)
				assert.Loosely(t, b.Clean, should.Equal(model.CleanStatusDirty))
			})
		})

		t.Run("failure counts increment atomically", func(t *ftt.Test) {
			id := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Processor: "amd64"})

			bc, jc, err := st.IncrementFailureCounts(ctx, "bos01", id)
			assert.NoErr(t, err)
			assert.Loosely(t, bc, should.Equal(1))
			assert.Loosely(t, jc, should.Equal(1))

			bc, jc, err = st.IncrementFailureCounts(ctx, "bos01", 0)
			assert.NoErr(t, err)
			assert.Loosely(t, bc, should.Equal(2))
			assert.Loosely(t, jc, should.BeZero)
		})

		t.Run("log tails batch update", func(t *ftt.Test) {
			a := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Processor: "amd64"})
			b := newEntry(&model.BuildQueueEntry{JobType: model.JobTypeBinaryPackage, Processor: "amd64"})

			assert.NoErr(t, st.PutLogTails(ctx, map[int64][]byte{
				a: []byte("tail a"),
				b: []byte("tail b"),
			}))

			ea, err := st.GetQueueEntry(ctx, a)
			assert.NoErr(t, err)
			assert.Loosely(t, string(ea.LogTail), should.Equal("tail a"))
			eb, err := st.GetQueueEntry(ctx, b)
			assert.NoErr(t, err)
			assert.Loosely(t, string(eb.LogTail), should.Equal("tail b"))
		})
	})
}
