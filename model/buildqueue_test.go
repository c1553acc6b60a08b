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

package model

import (
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestSuitsBuilder(t *testing.T) {
	t.Parallel()

	ftt.Run("SuitsBuilder", t, func(t *ftt.Test) {
		vitals := &BuilderVitals{
			Name:          "bos01",
			Processors:    []string{"amd64", "i386"},
			OpenResources: []string{"large-ram"},
		}
		entry := &BuildQueueEntry{Processor: "amd64"}

		t.Run("matches on processor and virtualization", func(t *ftt.Test) {
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeTrue)

			entry.Processor = "riscv64"
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeFalse)

			entry.Processor = "amd64"
			entry.Virtualized = true
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeFalse)
		})

		t.Run("an empty processor matches any builder", func(t *ftt.Test) {
			entry.Processor = ""
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeTrue)
		})

		t.Run("required tags must be offered", func(t *ftt.Test) {
			entry.ResourceTags = []string{"large-ram"}
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeTrue)

			entry.ResourceTags = []string{"large-ram", "gpu"}
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeFalse)
		})

		t.Run("restricted resources must be explicitly required", func(t *ftt.Test) {
			vitals.RestrictedResources = []string{"fips"}

			// The builder is reserved: plain jobs must not land on it.
			entry.ResourceTags = nil
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeFalse)

			entry.ResourceTags = []string{"fips"}
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeTrue)

			entry.ResourceTags = []string{"fips", "large-ram"}
			assert.Loosely(t, entry.SuitsBuilder(vitals), should.BeTrue)
		})
	})
}

func TestVitals(t *testing.T) {
	t.Parallel()

	ftt.Run("Vitals is a snapshot", t, func(t *ftt.Test) {
		b := &Builder{
			Name:       "bos01",
			Processors: []string{"amd64"},
			Enabled:    true,
		}
		v := b.Vitals()

		b.Processors[0] = "changed"
		b.Enabled = false

		assert.Loosely(t, v.Processors, should.Match([]string{"amd64"}))
		assert.Loosely(t, v.Enabled, should.BeTrue)
	})
}
