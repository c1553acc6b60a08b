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

package main

import (
	"bytes"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"go.chromium.org/luci/common/errors"
)

// Config is the daemon configuration file. Flags override its values.
type Config struct {
	// Database is the path of the SQLite database file.
	Database string `yaml:"database"`

	// StagingDir is the scratch directory for staged build payloads.
	StagingDir string `yaml:"staging_dir"`

	// ScanInterval is the pause between scan cycles of one builder.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// FleetInterval is the pause between fleet discovery rounds.
	FleetInterval time.Duration `yaml:"fleet_interval"`

	// CancelTimeout is how long a worker gets to confirm an abort.
	CancelTimeout time.Duration `yaml:"cancel_timeout"`

	// WorkerTimeout bounds a single worker RPC.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

// LoadConfig reads and strictly parses a YAML config file. Unknown keys are
// an error: a typo in the config must not silently fall back to a default.
func LoadConfig(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Annotate(err, "parsing config %q", path)
	}
	return cfg, nil
}
