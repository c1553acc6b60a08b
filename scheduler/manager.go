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
	"os"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/sync/dispatcher"
	"go.chromium.org/luci/common/sync/dispatcher/buffer"

	"github.com/buildfarm-dev/builddmgr/behavior"
	"github.com/buildfarm-dev/builddmgr/store"
	"github.com/buildfarm-dev/builddmgr/worker"
)

// Options tunes the manager and the scanners it runs.
type Options struct {
	// ScanInterval is the pause between scan cycles of one builder.
	ScanInterval time.Duration

	// FleetInterval is the pause between fleet discovery rounds.
	FleetInterval time.Duration

	// CancelTimeout is how long a worker gets to confirm an abort before the
	// cancellation escalates to a failure.
	CancelTimeout time.Duration

	// ScanFailureThreshold overrides how many consecutive scan failures are
	// swallowed before failure accounting kicks in.
	ScanFailureThreshold int

	// StagingDir is a scratch directory for file payloads staged for upload
	// to workers. Cleared on startup. Empty disables clearing.
	StagingDir string
}

// DefaultOptions returns the production tuning.
func DefaultOptions() *Options {
	return &Options{
		ScanInterval:         15 * time.Second,
		FleetInterval:        15 * time.Second,
		CancelTimeout:        180 * time.Second,
		ScanFailureThreshold: ScanFailureThreshold,
	}
}

// logTailUpdate is one pending log tail write, batched before hitting the
// store.
type logTailUpdate struct {
	id   int64
	tail []byte
}

// scannerHandle tracks one running scanner goroutine.
type scannerHandle struct {
	cancel context.CancelFunc
}

// Manager runs the whole scan-and-dispatch subsystem: it discovers the
// builder fleet, keeps one scanner goroutine per builder, and flushes
// batched log tail updates to the store.
type Manager struct {
	store     store.Store
	clients   worker.ClientFactory
	behaviors behavior.Registry
	opts      *Options

	factory *BuilderFactory
	index   *CandidateIndex

	wg       sync.WaitGroup
	scanners map[string]*scannerHandle
}

// NewManager assembles a manager. Nil opts means DefaultOptions.
func NewManager(s store.Store, clients worker.ClientFactory, behaviors behavior.Registry, opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Manager{
		store:     s,
		clients:   clients,
		behaviors: behaviors,
		opts:      opts,
		factory:   NewBuilderFactory(s),
		index:     NewCandidateIndex(s),
		scanners:  map[string]*scannerHandle{},
	}
}

// Run discovers and scans the fleet until the context is cancelled, then
// shuts down cleanly: stops every scanner and drains pending log tails.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.clearStaging(ctx); err != nil {
		return err
	}

	tails, err := m.startLogTailWriter(ctx)
	if err != nil {
		return err
	}
	report := func(id int64, tail []byte) {
		tails.C <- logTailUpdate{id: id, tail: tail}
	}

	logging.Infof(ctx, "fleet manager running")
	for {
		if err := m.ScanFleet(ctx, report); err != nil {
			logging.Errorf(ctx, "fleet scan failed: %s", err)
		}
		if r := <-clock.After(ctx, m.opts.FleetInterval); r.Err != nil {
			break
		}
	}

	logging.Infof(ctx, "fleet manager shutting down")
	for name, h := range m.scanners {
		h.cancel()
		delete(m.scanners, name)
	}
	m.wg.Wait()
	// Flush with a fresh context: the run context is already dead.
	tails.CloseAndDrain(context.WithoutCancel(ctx))
	return nil
}

// ScanFleet runs one discovery round: loads the fleet, rebuilds the
// candidate index, starts scanners for new builders and stops scanners
// whose builders disappeared.
func (m *Manager) ScanFleet(ctx context.Context, report func(int64, []byte)) error {
	builders, err := m.store.ListBuilders(ctx)
	if err != nil {
		return errors.Annotate(err, "listing builders")
	}
	fleet := m.factory.Update(builders)
	m.index.Rebuild(fleet)

	seen := make(map[string]bool, len(fleet))
	for _, v := range fleet {
		seen[v.Name] = true
		if _, ok := m.scanners[v.Name]; ok {
			continue
		}
		logging.Infof(ctx, "builder %q appeared, starting its scanner", v.Name)
		m.startScanner(ctx, v.Name, report)
	}
	for name, h := range m.scanners {
		if !seen[name] {
			logging.Infof(ctx, "builder %q disappeared, stopping its scanner", name)
			h.cancel()
			delete(m.scanners, name)
		}
	}
	trackedBuilders.Set(ctx, int64(len(m.scanners)))
	return nil
}

func (m *Manager) startScanner(ctx context.Context, name string, report func(int64, []byte)) {
	sctx, cancel := context.WithCancel(ctx)
	m.scanners[name] = &scannerHandle{cancel: cancel}
	scanner := NewWorkerScanner(name, ScannerDeps{
		Store:         m.store,
		Factory:       m.factory,
		Index:         m.index,
		Clients:       m.clients,
		Behaviors:     m.behaviors,
		ReportLogTail: report,
		Options:       m.opts,
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanner.RunLoop(sctx)
	}()
}

// startLogTailWriter starts the batched writer of log tail updates.
//
// Tails are cosmetic: the buffer drops the oldest batch under pressure
// rather than ever blocking a scanner, and deduplicates per job so only
// the newest tail in a batch is written.
func (m *Manager) startLogTailWriter(ctx context.Context) (dispatcher.Channel[logTailUpdate], error) {
	ch, err := dispatcher.NewChannel[logTailUpdate](ctx, &dispatcher.Options[logTailUpdate]{
		Buffer: buffer.Options{
			MaxLeases:     1,
			BatchItemsMax: 100,
			BatchAgeMax:   2 * time.Second,
			FullBehavior:  &buffer.DropOldestBatch{MaxLiveItems: 1024},
			Retry: func() retry.Iterator {
				return &retry.ExponentialBackoff{
					Limited: retry.Limited{
						Delay:   time.Second,
						Retries: 5,
					},
					MaxDelay: 30 * time.Second,
				}
			},
		},
	}, func(batch *buffer.Batch[logTailUpdate]) error {
		tails := make(map[int64][]byte, len(batch.Data))
		for _, d := range batch.Data {
			tails[d.Item.id] = d.Item.tail
		}
		// Writes keep going during shutdown drain.
		wctx := context.WithoutCancel(ctx)
		if err := m.store.PutLogTails(wctx, tails); err != nil {
			return transient.Tag.Apply(err)
		}
		logTailWrites.Add(ctx, 1)
		return nil
	})
	if err != nil {
		return ch, errors.Annotate(err, "creating log tail writer")
	}
	return ch, nil
}

// clearStaging wipes the staging directory left over from a previous run.
// Files staged for uploads are only meaningful within the run that staged
// them.
func (m *Manager) clearStaging(ctx context.Context) error {
	if m.opts.StagingDir == "" {
		return nil
	}
	logging.Infof(ctx, "clearing staging directory %q", m.opts.StagingDir)
	if err := os.RemoveAll(m.opts.StagingDir); err != nil {
		return errors.Annotate(err, "clearing staging directory")
	}
	if err := os.MkdirAll(m.opts.StagingDir, 0o755); err != nil {
		return errors.Annotate(err, "recreating staging directory")
	}
	return nil
}
