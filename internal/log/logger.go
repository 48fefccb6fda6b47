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

// Package log builds the daemon's slog loggers. Every component receives
// a *slog.Logger from here; nothing logs through the stdlib default.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Field keys shared across packages so log queries stay stable.
const (
	RunIDKey      = "run_id"
	PipelineIDKey = "pipeline_id"
	StepIDKey     = "step_id"
	ProviderKey   = "provider"
	EventKey      = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string

	// Format picks the handler. Unrecognized values fall back to JSON.
	Format Format

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource attaches file:line to each record.
	AddSource bool
}

// DefaultConfig returns the production defaults: info-level JSON on
// stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv derives a Config from the environment. FYREFLOW_DEBUG wins
// over every level variable; FYREFLOW_LOG_LEVEL wins over LOG_LEVEL.
// LOG_FORMAT switches between json and text.
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch os.Getenv("FYREFLOW_DEBUG") {
	case "true", "1":
		cfg.Level = "debug"
		cfg.AddSource = true
	case "":
		if lvl := firstEnv("FYREFLOW_LOG_LEVEL", "LOG_LEVEL"); lvl != "" {
			cfg.Level = strings.ToLower(lvl)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	return cfg
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// New builds a logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// WithComponent tags every record with the owning component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext attaches run_id and pipeline_id for the life of a run.
func WithRunContext(logger *slog.Logger, runID, pipelineID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(PipelineIDKey, pipelineID))
}

// WithStepContext attaches run_id and step_id for one step dispatch.
func WithStepContext(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}

// SanitizeAPIKey keeps only the last 4 characters of a credential for
// correlation. Anything shorter is fully redacted.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}

// SanitizeSecret redacts a secret entirely.
func SanitizeSecret(string) string {
	return "[REDACTED]"
}
