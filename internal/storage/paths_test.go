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

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForStep_Layout(t *testing.T) {
	l := Layout{Root: "/data/artifacts"}
	paths := l.ForStep("pipe-1", "step-1", "run-1")

	assert.Equal(t, filepath.Join("/data/artifacts", "shared", "pipe-1"), paths.Shared)
	assert.Equal(t, filepath.Join("/data/artifacts", "isolated", "pipe-1", "step-1"), paths.Isolated)
	assert.Equal(t, filepath.Join("/data/artifacts", "runs", "run-1"), paths.Run)
}

func TestEnsureAndFind(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	paths := l.ForStep("pipe-1", "step-1", "run-1")
	require.NoError(t, l.Ensure(paths))

	// Shared wins over run scope when both exist.
	require.NoError(t, os.WriteFile(filepath.Join(paths.Shared, "report.md"), []byte("s"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(paths.Run, "report.md"), []byte("r"), 0644))

	found, ok := paths.Find("report.md")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(paths.Shared, "report.md"), found)

	// Run-scope only.
	require.NoError(t, os.WriteFile(filepath.Join(paths.Run, "out.json"), []byte("{}"), 0644))
	found, ok = paths.Find("out.json")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(paths.Run, "out.json"), found)

	assert.False(t, paths.Exists("missing.txt"))
}

func TestFind_RejectsEscapes(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	paths := l.ForStep("pipe-1", "step-1", "run-1")
	require.NoError(t, l.Ensure(paths))

	assert.False(t, paths.Exists("/etc/passwd"))
	assert.False(t, paths.Exists("../../../etc/passwd"))
	assert.False(t, paths.Exists(""))
}

func TestFind_NestedPaths(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	paths := l.ForStep("pipe-1", "step-1", "run-1")
	require.NoError(t, l.Ensure(paths))

	nested := filepath.Join(paths.Isolated, "reports")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "summary.md"), []byte("x"), 0644))

	assert.True(t, paths.Exists(filepath.Join("reports", "summary.md")))
}
