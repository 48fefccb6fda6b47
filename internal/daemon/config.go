// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the fyreflow components into a long-running
// process behind the HTTP API.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fyreflow/fyreflow/internal/log"
	"github.com/fyreflow/fyreflow/internal/tracing"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "15s" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the daemon's YAML configuration.
type Config struct {
	// Listen is the HTTP listen address. Default: 127.0.0.1:8711.
	Listen string `yaml:"listen"`

	// DataDir holds local-db.json, the vault key, encrypted secrets and
	// the event history database. Default: ./data.
	DataDir string `yaml:"dataDir"`

	// StorageRoot is the artifact tree for shared/isolated/run scopes.
	// Default: <dataDir>/storage.
	StorageRoot string `yaml:"storageRoot"`

	// MaxParallelRuns bounds concurrently executing runs. Default: 8.
	MaxParallelRuns int `yaml:"maxParallelRuns"`

	// EventCapacity bounds the in-memory event window per run.
	// Default: 500.
	EventCapacity int `yaml:"eventCapacity"`

	// EventHistory toggles the durable SQLite event log. Default: true.
	EventHistory *bool `yaml:"eventHistory"`

	// SchedulerInterval is the cron poll cadence. Default: 15s.
	SchedulerInterval Duration `yaml:"schedulerInterval"`

	// DrainTimeout bounds graceful shutdown before runs are cancelled.
	// Default: 30s.
	DrainTimeout Duration `yaml:"drainTimeout"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Tracing tracing.Config `yaml:"tracing"`
}

// LoadConfig reads a YAML config file and applies defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8711"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.StorageRoot == "" {
		c.StorageRoot = filepath.Join(c.DataDir, "storage")
	}
	if c.MaxParallelRuns <= 0 {
		c.MaxParallelRuns = 8
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = 500
	}
	if c.EventHistory == nil {
		enabled := true
		c.EventHistory = &enabled
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = Duration(15 * time.Second)
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = Duration(30 * time.Second)
	}
	// File config wins over the environment for logging; unset fields
	// fall through to FYREFLOW_DEBUG / LOG_LEVEL / LOG_FORMAT.
	if c.Log.Level == "" || c.Log.Format == "" {
		env := log.FromEnv()
		if c.Log.Level == "" {
			c.Log.Level = env.Level
		}
		if c.Log.Format == "" {
			c.Log.Format = string(env.Format)
		}
	}
}
