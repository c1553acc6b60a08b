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

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/buildfarm-dev/builddmgr/behavior"
	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store/memstore"
	"github.com/buildfarm-dev/builddmgr/worker"
)

func TestManager(t *testing.T) {
	t.Parallel()

	ftt.Run("With a fleet", t, func(t *ftt.Test) {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		st := memstore.New()
		clients := func(*model.BuilderVitals) worker.Client {
			return &fakeClient{status: worker.Status{BuilderStatus: worker.StatusIdle}}
		}
		mgr := NewManager(st, clients, behavior.DefaultRegistry(), nil)

		addBuilder := func(name string) {
			st.AddBuilder(&model.Builder{
				Name:       name,
				URL:        "http://" + name + ".farm:8221/",
				Processors: []string{"amd64"},
				Enabled:    true,
			})
		}

		t.Run("starts one scanner per discovered builder", func(t *ftt.Test) {
			addBuilder("bos01")
			addBuilder("bos02")
			assert.NoErr(t, mgr.ScanFleet(ctx, nil))

			assert.Loosely(t, mgr.scanners, should.HaveLength(2))
			assert.Loosely(t, mgr.scanners, should.ContainKey("bos01"))
			assert.Loosely(t, mgr.scanners, should.ContainKey("bos02"))

			// A repeat round leaves the registry alone.
			assert.NoErr(t, mgr.ScanFleet(ctx, nil))
			assert.Loosely(t, mgr.scanners, should.HaveLength(2))
		})

		t.Run("stops the scanner of a disappeared builder", func(t *ftt.Test) {
			addBuilder("bos01")
			addBuilder("bos02")
			assert.NoErr(t, mgr.ScanFleet(ctx, nil))
			assert.Loosely(t, mgr.scanners, should.HaveLength(2))

			st.RemoveBuilder("bos02")
			assert.NoErr(t, mgr.ScanFleet(ctx, nil))
			assert.Loosely(t, mgr.scanners, should.HaveLength(1))
			assert.Loosely(t, mgr.scanners, should.ContainKey("bos01"))
		})

		t.Run("batches log tail writes", func(t *ftt.Test) {
			id := st.AddQueueEntry(&model.BuildQueueEntry{
				JobType: model.JobTypeBinaryPackage,
				Status:  model.QueueBuilding,
			})

			// Real clock here: draining flushes on the wall timer.
			tails, err := mgr.startLogTailWriter(context.Background())
			assert.NoErr(t, err)

			tails.C <- logTailUpdate{id: id, tail: []byte("stale tail")}
			tails.C <- logTailUpdate{id: id, tail: []byte("fresh tail")}
			tails.CloseAndDrain(context.Background())

			// Only the newest tail per job survives the batch.
			assert.Loosely(t, string(st.LogTail(id)), should.Equal("fresh tail"))
		})
	})
}
