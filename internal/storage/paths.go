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

// Package storage lays out the scoped artifact directories runs write into.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout roots the artifact directory tree:
//
//	<root>/shared/<pipelineId>/...
//	<root>/isolated/<pipelineId>/<stepId>/...
//	<root>/runs/<runId>/...
type Layout struct {
	Root string
}

// Paths is the storage-path bundle handed to the gate evaluator: the
// scopes an artifact may exist under, probed in order.
type Paths struct {
	Shared   string
	Isolated string
	Run      string
}

// ForStep resolves the path bundle for one step execution.
func (l Layout) ForStep(pipelineID, stepID, runID string) Paths {
	return Paths{
		Shared:   filepath.Join(l.Root, "shared", pipelineID),
		Isolated: filepath.Join(l.Root, "isolated", pipelineID, stepID),
		Run:      filepath.Join(l.Root, "runs", runID),
	}
}

// Ensure creates the bundle's directories.
func (l Layout) Ensure(paths Paths) error {
	for _, dir := range []string{paths.Shared, paths.Isolated, paths.Run} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// Exists probes for a relative artifact path under the scopes in order
// (shared, isolated, run). Absolute paths and parent traversal are
// rejected: artifacts never escape their scope.
func (p Paths) Exists(rel string) bool {
	_, ok := p.Find(rel)
	return ok
}

// Find returns the first scope path containing the relative artifact.
func (p Paths) Find(rel string) (string, bool) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", false
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}

	for _, scope := range []string{p.Shared, p.Isolated, p.Run} {
		if scope == "" {
			continue
		}
		candidate := filepath.Join(scope, clean)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
