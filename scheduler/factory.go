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
	"sync"

	"go.chromium.org/luci/common/errors"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store"
)

// BuilderFactory hands out builder vitals snapshots.
//
// The fleet loop replaces the whole cache once per outer scan round via
// Update; scanners read from the cache and push back fresh snapshots after
// they commit a mutation, so a scanner never acts on its own stale write.
type BuilderFactory struct {
	store store.Store

	mu     sync.Mutex
	vitals map[string]*model.BuilderVitals
}

// NewBuilderFactory returns a factory with an empty cache.
func NewBuilderFactory(s store.Store) *BuilderFactory {
	return &BuilderFactory{
		store:  s,
		vitals: map[string]*model.BuilderVitals{},
	}
}

// Update replaces the cache with snapshots of the given builders and
// returns them.
func (f *BuilderFactory) Update(builders []*model.Builder) []*model.BuilderVitals {
	fresh := make(map[string]*model.BuilderVitals, len(builders))
	out := make([]*model.BuilderVitals, 0, len(builders))
	for _, b := range builders {
		v := b.Vitals()
		fresh[v.Name] = v
		out = append(out, v)
	}
	f.mu.Lock()
	f.vitals = fresh
	f.mu.Unlock()
	return out
}

// Vitals returns the cached snapshot for a builder, falling back to a
// store fetch (and caching the result) on a miss.
func (f *BuilderFactory) Vitals(ctx context.Context, name string) (*model.BuilderVitals, error) {
	f.mu.Lock()
	v, ok := f.vitals[name]
	f.mu.Unlock()
	if ok {
		return v, nil
	}
	b, err := f.store.GetBuilder(ctx, name)
	if err != nil {
		return nil, errors.Annotate(err, "fetching vitals of builder %q", name)
	}
	v = b.Vitals()
	f.Put(v)
	return v, nil
}

// Put installs a fresh snapshot, replacing any cached one.
func (f *BuilderFactory) Put(v *model.BuilderVitals) {
	f.mu.Lock()
	f.vitals[v.Name] = v
	f.mu.Unlock()
}
