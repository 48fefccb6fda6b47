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

package events

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitAndCursor(t *testing.T) {
	b := NewBus(nil)

	b.Emit("run-1", KindLog, "starting")
	b.Emit("run-1", KindStepStatus, "step running", WithStep("analyze"))
	b.Emit("run-1", KindLog, "done")

	all := b.After("run-1", 0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].Seq)
	assert.Equal(t, int64(3), all[2].Seq)
	assert.Equal(t, "analyze", all[1].StepID)

	tail := b.After("run-1", 2)
	require.Len(t, tail, 1)
	assert.Equal(t, "done", tail[0].Message)

	assert.Empty(t, b.After("run-1", 3))
	assert.Empty(t, b.After("missing", 0))
}

func TestBus_RunsAreIndependent(t *testing.T) {
	b := NewBus(nil)
	b.Emit("run-1", KindLog, "a")
	b.Emit("run-2", KindLog, "b")
	b.Emit("run-1", KindLog, "c")

	r1 := b.After("run-1", 0)
	r2 := b.After("run-2", 0)
	require.Len(t, r1, 2)
	require.Len(t, r2, 1)
	// Sequences start at 1 for every run.
	assert.Equal(t, int64(1), r1[0].Seq)
	assert.Equal(t, int64(1), r2[0].Seq)
}

func TestBus_TruncationKeepsSeq(t *testing.T) {
	b := NewBus(nil, WithCapacity(3))
	for i := 1; i <= 5; i++ {
		b.Emit("run-1", KindLog, fmt.Sprintf("line %d", i))
	}

	kept := b.After("run-1", 0)
	require.Len(t, kept, 3)
	assert.Equal(t, int64(3), kept[0].Seq)
	assert.Equal(t, int64(5), kept[2].Seq)

	// A new emission continues the sequence past the truncated history.
	ev := b.Emit("run-1", KindLog, "line 6")
	assert.Equal(t, int64(6), ev.Seq)
}

func TestBus_ConcurrentEmitTotalOrder(t *testing.T) {
	b := NewBus(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit("run-1", KindLog, "x")
		}()
	}
	wg.Wait()

	all := b.After("run-1", 0)
	require.Len(t, all, 50)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestBus_Drop(t *testing.T) {
	b := NewBus(nil)
	b.Emit("run-1", KindLog, "x")
	b.Drop("run-1")
	assert.Empty(t, b.After("run-1", 0))
}

func TestSQLiteSink_PersistAndHistory(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer sink.Close()

	b := NewBus(nil, WithSink(sink), WithCapacity(2))
	for i := 1; i <= 4; i++ {
		b.Emit("run-1", KindLog, fmt.Sprintf("line %d", i))
	}
	b.Emit("run-1", KindScheduleSkipped, "skipped", WithData(map[string]any{"reason": "busy"}))

	// In-memory log truncated; durable history keeps everything.
	assert.Len(t, b.After("run-1", 0), 2)

	hist, err := sink.History("run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, hist, 5)
	assert.Equal(t, "line 1", hist[0].Message)
	assert.Equal(t, KindScheduleSkipped, hist[4].Kind)
	assert.Equal(t, "busy", hist[4].Data["reason"])

	tail, err := sink.History("run-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	limited, err := sink.History("run-1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteSink_ReopenRetainsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	sink, err := NewSQLiteSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Persist(Event{RunID: "run-1", Seq: 1, Kind: KindLog, Message: "before restart"}))
	require.NoError(t, sink.Close())

	sink, err = NewSQLiteSink(path)
	require.NoError(t, err)
	defer sink.Close()

	hist, err := sink.History("run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "before restart", hist[0].Message)
}
