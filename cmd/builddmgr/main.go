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

// Command builddmgr runs the builder fleet manager daemon.
//
// It watches the build queue and the builder fleet in a shared SQLite
// database, dispatches pending builds to idle workers over HTTP, collects
// finished builds and recovers from builder failures.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/buildfarm-dev/builddmgr/behavior"
	"github.com/buildfarm-dev/builddmgr/scheduler"
	"github.com/buildfarm-dev/builddmgr/store/sqlitestore"
	"github.com/buildfarm-dev/builddmgr/worker"
)

// CommandLineFlags is the daemon's flag set. Values from the config file
// apply only to flags not given on the command line.
type CommandLineFlags struct {
	// ConfigPath is the optional YAML config file.
	ConfigPath string

	// Database is the path of the SQLite database file.
	Database string

	// StagingDir is the scratch directory for staged build payloads.
	StagingDir string

	// ScanInterval is the pause between scan cycles of one builder.
	ScanInterval time.Duration

	// FleetInterval is the pause between fleet discovery rounds.
	FleetInterval time.Duration

	// CancelTimeout is how long a worker gets to confirm an abort.
	CancelTimeout time.Duration

	// WorkerTimeout bounds a single worker RPC.
	WorkerTimeout time.Duration
}

// DefaultCommandLineFlags returns the default flag values.
func DefaultCommandLineFlags() CommandLineFlags {
	opts := scheduler.DefaultOptions()
	return CommandLineFlags{
		ScanInterval:  opts.ScanInterval,
		FleetInterval: opts.FleetInterval,
		CancelTimeout: opts.CancelTimeout,
		WorkerTimeout: 30 * time.Second,
	}
}

// Register registers flags in the flag set.
func (f *CommandLineFlags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", f.ConfigPath,
		"Path of an optional YAML config file.")
	fs.StringVar(&f.Database, "db", f.Database,
		"Path of the SQLite database file.")
	fs.StringVar(&f.StagingDir, "staging-dir", f.StagingDir,
		"Scratch directory for staged build payloads, cleared on startup.")
	fs.DurationVar(&f.ScanInterval, "scan-interval", f.ScanInterval,
		"Pause between scan cycles of one builder.")
	fs.DurationVar(&f.FleetInterval, "fleet-interval", f.FleetInterval,
		"Pause between fleet discovery rounds.")
	fs.DurationVar(&f.CancelTimeout, "cancel-timeout", f.CancelTimeout,
		"How long a worker gets to confirm an abort.")
	fs.DurationVar(&f.WorkerTimeout, "worker-timeout", f.WorkerTimeout,
		"Timeout of a single worker RPC.")
}

// Validate returns an error if some parsed flags have invalid values.
func (f *CommandLineFlags) Validate() error {
	if f.Database == "" {
		return errors.New("-db is required")
	}
	if f.ScanInterval <= 0 {
		return errors.New("-scan-interval must be positive")
	}
	if f.FleetInterval <= 0 {
		return errors.New("-fleet-interval must be positive")
	}
	return nil
}

// applyConfig fills in flags not given on the command line from the config
// file.
func (f *CommandLineFlags) applyConfig(fs *flag.FlagSet, cfg *Config) {
	given := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { given[fl.Name] = true })

	if !given["db"] && cfg.Database != "" {
		f.Database = cfg.Database
	}
	if !given["staging-dir"] && cfg.StagingDir != "" {
		f.StagingDir = cfg.StagingDir
	}
	if !given["scan-interval"] && cfg.ScanInterval != 0 {
		f.ScanInterval = cfg.ScanInterval
	}
	if !given["fleet-interval"] && cfg.FleetInterval != 0 {
		f.FleetInterval = cfg.FleetInterval
	}
	if !given["cancel-timeout"] && cfg.CancelTimeout != 0 {
		f.CancelTimeout = cfg.CancelTimeout
	}
	if !given["worker-timeout"] && cfg.WorkerTimeout != 0 {
		f.WorkerTimeout = cfg.WorkerTimeout
	}
}

func mainImpl(ctx context.Context, flags CommandLineFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := sqlitestore.Open(ctx, flags.Database)
	if err != nil {
		return errors.Annotate(err, "opening database %q", flags.Database)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Errorf(ctx, "closing database: %s", err)
		}
	}()

	mgr := scheduler.NewManager(
		st,
		worker.NewHTTPFactory(flags.WorkerTimeout),
		behavior.DefaultRegistry(),
		&scheduler.Options{
			ScanInterval:         flags.ScanInterval,
			FleetInterval:        flags.FleetInterval,
			CancelTimeout:        flags.CancelTimeout,
			ScanFailureThreshold: scheduler.ScanFailureThreshold,
			StagingDir:           flags.StagingDir,
		})
	return mgr.Run(ctx)
}

// Entry point.
func main() {
	flags := DefaultCommandLineFlags()
	flags.Register(flag.CommandLine)
	logConfig := logging.Config{Level: logging.Info}
	logConfig.AddFlags(flag.CommandLine)
	flag.Parse()

	ctx := gologger.StdConfig.Use(context.Background())
	ctx = logConfig.Set(ctx)

	if flags.ConfigPath != "" {
		cfg, err := LoadConfig(flags.ConfigPath)
		if err != nil {
			errors.Log(ctx, err)
			os.Exit(1)
		}
		flags.applyConfig(flag.CommandLine, cfg)
	}
	if err := flags.Validate(); err != nil {
		errors.Log(ctx, err)
		os.Exit(1)
	}

	if err := mainImpl(ctx, flags); err != nil {
		errors.Log(ctx, err)
		os.Exit(1)
	}
}
