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

// Package featureflags provides runtime feature flag management for Fyreflow.
package featureflags

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Flags holds all feature flags with thread-safe access.
type Flags struct {
	mu sync.RWMutex

	// LegacyRegexGates enables status-marker normalization and the
	// COMPLETE→PASS alias before regex gate evaluation.
	LegacyRegexGates bool
}

var (
	// globalFlags is the singleton instance of feature flags
	globalFlags *Flags
	once        sync.Once
)

// Get returns the global feature flags instance.
func Get() *Flags {
	once.Do(func() {
		globalFlags = &Flags{
			// Legacy gate behavior enabled by default
			LegacyRegexGates: true,
		}
		globalFlags.loadFromEnv()
	})
	return globalFlags
}

// loadFromEnv loads feature flags from environment variables.
// Environment variables override default values.
func (f *Flags) loadFromEnv() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if val := os.Getenv("FYREFLOW_ENABLE_LEGACY_REGEX_GATES"); val != "" {
		f.LegacyRegexGates = parseBool(val)
	}
}

// IsLegacyRegexGatesEnabled returns whether status-marker normalization
// applies before regex gate evaluation.
func (f *Flags) IsLegacyRegexGatesEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.LegacyRegexGates
}

// SetLegacyRegexGates sets the legacy regex gates flag (for testing).
func (f *Flags) SetLegacyRegexGates(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LegacyRegexGates = enabled
}

// parseBool converts a string to a boolean value.
// Accepts: "1", "t", "T", "true", "TRUE", "True"
func parseBool(val string) bool {
	val = strings.TrimSpace(val)
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return false
}
