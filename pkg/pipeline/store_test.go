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

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fferrors "github.com/fyreflow/fyreflow/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "local-db.json"))
	require.NoError(t, err)
	return store
}

func TestStore_CreateGetList(t *testing.T) {
	store := newTestStore(t)

	created, err := store.CreatePipeline(validPipeline())
	require.NoError(t, err)
	assert.Equal(t, "pipe-1", created.ID)

	got, err := store.GetPipeline("pipe-1")
	require.NoError(t, err)
	assert.Equal(t, "Release review", got.Name)

	assert.Len(t, store.ListPipelines(), 1)

	// Returned pipelines are copies; mutating them does not touch the store.
	got.Steps[0].Prompt = "mutated"
	fresh, err := store.GetPipeline("pipe-1")
	require.NoError(t, err)
	assert.Equal(t, "Analyze the task", fresh.Steps[0].Prompt)
}

func TestStore_CreateAssignsID(t *testing.T) {
	store := newTestStore(t)

	p := validPipeline()
	p.ID = ""
	created, err := store.CreatePipeline(p)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestStore_CreateDuplicate(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreatePipeline(validPipeline())
	require.NoError(t, err)

	_, err = store.CreatePipeline(validPipeline())
	var valErr *fferrors.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestStore_CreateRejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	p := validPipeline()
	p.Name = "x"
	_, err := store.CreatePipeline(p)
	assert.Error(t, err)
	assert.Empty(t, store.ListPipelines())
}

func TestStore_Update(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreatePipeline(validPipeline())
	require.NoError(t, err)

	p := validPipeline()
	p.Name = "Renamed pipeline"
	updated, err := store.UpdatePipeline(p)
	require.NoError(t, err)
	assert.Equal(t, "Renamed pipeline", updated.Name)

	p.ID = "ghost"
	_, err = store.UpdatePipeline(p)
	var nfErr *fferrors.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestStore_DeleteRefusesActiveRun(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreatePipeline(validPipeline())
	require.NoError(t, err)

	err = store.DeletePipeline("pipe-1", func(string) bool { return true })
	var valErr *fferrors.ValidationError
	require.ErrorAs(t, err, &valErr)

	require.NoError(t, store.DeletePipeline("pipe-1", func(string) bool { return false }))
	_, err = store.GetPipeline("pipe-1")
	assert.Error(t, err)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local-db.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	_, err = store.CreatePipeline(validPipeline())
	require.NoError(t, err)

	reopened, err := NewStore(path)
	require.NoError(t, err)
	got, err := reopened.GetPipeline("pipe-1")
	require.NoError(t, err)
	assert.Equal(t, "Release review", got.Name)

	// No stray temp file left behind by the atomic replace.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RunRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local-db.json")
	store, err := NewStore(path, WithRunRetention(3))
	require.NoError(t, err)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveRun(RunRecord{
			ID:         fmt.Sprintf("run-%d", i),
			PipelineID: "pipe-1",
			Status:     "completed",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			Data:       json.RawMessage(`{}`),
		}))
	}

	runs := store.ListRuns(0)
	require.Len(t, runs, 3)
	// Newest-first; the two oldest were trimmed.
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-2", runs[2].ID)
}

func TestStore_SaveRunUpserts(t *testing.T) {
	store := newTestStore(t)

	record := RunRecord{ID: "run-1", PipelineID: "pipe-1", Status: "running", StartedAt: time.Now(), Data: json.RawMessage(`{}`)}
	require.NoError(t, store.SaveRun(record))

	record.Status = "completed"
	require.NoError(t, store.SaveRun(record))

	runs := store.ListRuns(0)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestStore_ListRunsLimit(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.SaveRun(RunRecord{
			ID:         fmt.Sprintf("run-%d", i),
			PipelineID: "pipe-1",
			StartedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}
	assert.Len(t, store.ListRuns(2), 2)
}

func TestStore_Providers(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetProviders([]ProviderConfig{
		{ID: "anthropic", Name: "Anthropic", AuthMode: "api_key", APIKey: "sk-test"},
		{ID: "openai", Name: "OpenAI"},
	}))

	p, ok := store.Provider("anthropic")
	require.True(t, ok)
	assert.True(t, p.Authenticated())

	p, ok = store.Provider("openai")
	require.True(t, ok)
	assert.False(t, p.Authenticated())

	_, ok = store.Provider("ghost")
	assert.False(t, ok)
}

func TestStore_ScheduledPipelines(t *testing.T) {
	store := newTestStore(t)

	p := validPipeline()
	p.Schedule = &Schedule{Enabled: true, Cron: "*/15 * * * *", Timezone: "UTC"}
	_, err := store.CreatePipeline(p)
	require.NoError(t, err)

	p2 := validPipeline()
	p2.ID = "pipe-2"
	p2.Name = "Unscheduled"
	_, err = store.CreatePipeline(p2)
	require.NoError(t, err)

	scheduled := store.ScheduledPipelines()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "pipe-1", scheduled[0].ID)
}
