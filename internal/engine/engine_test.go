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

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyreflow/fyreflow/internal/events"
	"github.com/fyreflow/fyreflow/internal/log"
	"github.com/fyreflow/fyreflow/internal/storage"
	"github.com/fyreflow/fyreflow/internal/vault"
	"github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/gates"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
	"github.com/fyreflow/fyreflow/pkg/provider"
)

// scriptedProvider returns canned outputs per step, repeating the last
// entry once the script is exhausted. It records every request it sees.
type scriptedProvider struct {
	mu       sync.Mutex
	outputs  map[string][]string
	err      error
	requests []provider.Request

	// entered signals each call; stall parks calls until closed. Both
	// are set before the run starts.
	entered chan struct{}
	stall   chan struct{}
}

func (s *scriptedProvider) Execute(ctx context.Context, req provider.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.stall != nil {
		select {
		case <-s.stall:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}

	outs := s.outputs[req.Step.ID]
	if len(outs) == 0 {
		return "done", nil
	}
	out := outs[0]
	if len(outs) > 1 {
		s.outputs[req.Step.ID] = outs[1:]
	}
	return out, nil
}

func (s *scriptedProvider) requestsFor(stepID string) []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []provider.Request
	for _, req := range s.requests {
		if req.Step.ID == stepID {
			out = append(out, req)
		}
	}
	return out
}

type testHarness struct {
	engine   *Engine
	store    *pipeline.Store
	vault    *vault.Vault
	bus      *events.Bus
	provider *scriptedProvider
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	store, err := pipeline.NewStore(filepath.Join(dir, "local-db.json"))
	require.NoError(t, err)
	require.NoError(t, store.SetProviders([]pipeline.ProviderConfig{
		{ID: "anthropic", Name: "Anthropic", AuthMode: "api_key", APIKey: "sk-test"},
	}))

	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	v := vault.New(dataDir)

	storageRoot := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(storageRoot, 0755))

	scripted := &scriptedProvider{outputs: map[string][]string{}}
	registry := provider.NewRegistry(1000, 100)
	registry.Register("anthropic", scripted)

	bus := events.NewBus(log.New(&log.Config{Level: "error"}))
	eng := New(Config{MaxParallel: 4}, store, v, registry, bus, storage.Layout{Root: storageRoot}, log.New(&log.Config{Level: "error"}))

	return &testHarness{engine: eng, store: store, vault: v, bus: bus, provider: scripted}
}

func (h *testHarness) createPipeline(t *testing.T, p pipeline.Pipeline) pipeline.Pipeline {
	t.Helper()
	created, err := h.store.CreatePipeline(p)
	require.NoError(t, err)
	return created
}

func waitStatus(t *testing.T, e *Engine, runID string, want RunStatus) *RunSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.Get(runID)
		require.NoError(t, err)
		if snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := e.Get(runID)
	t.Fatalf("run %s never reached %s (last %s)", runID, want, snap.Status)
	return nil
}

func stepByID(snap *RunSnapshot, id string) StepRun {
	for _, sr := range snap.Steps {
		if sr.StepID == id {
			return sr
		}
	}
	return StepRun{}
}

func linearPipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "e2e linear",
		Steps: []pipeline.Step{
			{ID: "a", Name: "Analyze", Role: pipeline.RoleAnalysis, Prompt: "analyze", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
			{ID: "b", Name: "Build", Role: pipeline.RoleExecutor, Prompt: "build", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
			{ID: "c", Name: "Review", Role: pipeline.RoleReview, Prompt: "review", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Links: []pipeline.Link{
			{ID: "l1", SourceStepID: "a", TargetStepID: "b", Condition: pipeline.LinkAlways},
			{ID: "l2", SourceStepID: "b", TargetStepID: "c", Condition: pipeline.LinkAlways},
		},
		Gates: []pipeline.QualityGate{
			{ID: "g1", Name: "status marker", TargetStepID: "c", Kind: pipeline.GateRegexMustMatch, Pattern: `WORKFLOW_STATUS\s*:\s*(PASS|FAIL|NEUTRAL)`, Blocking: true},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	}
}

func remediationPipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "e2e remediation",
		Steps: []pipeline.Step{
			{ID: "build", Name: "Build", Role: pipeline.RoleExecutor, Prompt: "build", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
			{ID: "review", Name: "Reviewer", Role: pipeline.RoleReview, Prompt: "review", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Links: []pipeline.Link{
			{ID: "l1", SourceStepID: "build", TargetStepID: "review", Condition: pipeline.LinkAlways},
			{ID: "l2", SourceStepID: "review", TargetStepID: "build", Condition: pipeline.LinkOnFail},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	}
}

func TestRun_LinearAllPass(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, linearPipeline())
	h.provider.outputs["c"] = []string{"## Review\nWORKFLOW_STATUS: **PASS**"}

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "Run E1"})
	require.NoError(t, err)

	final := waitStatus(t, h.engine, snap.ID, RunCompleted)
	for _, id := range []string{"a", "b", "c"} {
		sr := stepByID(final, id)
		assert.Equal(t, StepCompleted, sr.Status, id)
		assert.Equal(t, 1, sr.Attempts, id)
	}

	review := stepByID(final, "c")
	assert.Equal(t, gates.OutcomePass, review.Outcome)
	require.Len(t, review.Gates, 1)
	assert.Equal(t, gates.StatusPass, review.Gates[0].Status)

	// Total dispatches: one per step.
	h.provider.mu.Lock()
	assert.Len(t, h.provider.requests, 3)
	h.provider.mu.Unlock()
}

func TestRun_RemediationLoopSucceeds(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, remediationPipeline())
	h.provider.outputs["review"] = []string{"WORKFLOW_STATUS: FAIL", "WORKFLOW_STATUS: PASS"}

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "Run E2"})
	require.NoError(t, err)

	final := waitStatus(t, h.engine, snap.ID, RunCompleted)
	assert.Equal(t, 2, stepByID(final, "build").Attempts)
	assert.Equal(t, 2, stepByID(final, "review").Attempts)
	assert.Equal(t, gates.OutcomePass, stepByID(final, "review").Outcome)
}

func TestRun_RemediationExhausted(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, remediationPipeline())
	h.provider.outputs["review"] = []string{"WORKFLOW_STATUS: FAIL"}

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "Run E3"})
	require.NoError(t, err)

	final := waitStatus(t, h.engine, snap.ID, RunFailed)
	assert.Equal(t, errors.CodeLoopExhausted, final.ErrorCode)

	// maxLoops+1 attempts on the failing branch.
	assert.Equal(t, 3, stepByID(final, "review").Attempts)
	assert.Equal(t, errors.CodeLoopExhausted, stepByID(final, "build").ErrorCode)

	found := false
	for _, line := range final.Logs {
		if strings.Contains(line, "loop_exhausted") {
			found = true
		}
	}
	assert.True(t, found, "expected a loop_exhausted log entry")
}

func approvalPipeline(blocking bool) pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "e2e approval",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Ship", Role: pipeline.RoleExecutor, Prompt: "ship", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Gates: []pipeline.QualityGate{
			{ID: "g1", Name: "human sign-off", TargetStepID: "s", Kind: pipeline.GateManualApproval, Blocking: blocking},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	}
}

func TestRun_ManualApprovalApproved(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, approvalPipeline(true))

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "approve me"})
	require.NoError(t, err)

	waiting := waitStatus(t, h.engine, snap.ID, RunAwaitingApproval)
	require.Len(t, waiting.Approvals, 1)
	approval := waiting.Approvals[0]
	assert.Equal(t, ApprovalPending, approval.Status)

	require.NoError(t, h.engine.ResolveApproval(snap.ID, approval.ID, true, "looks good"))

	final := waitStatus(t, h.engine, snap.ID, RunCompleted)
	sr := stepByID(final, "s")
	require.Len(t, sr.Gates, 1)
	assert.Equal(t, gates.StatusPass, sr.Gates[0].Status)
	require.Len(t, final.Approvals, 1)
	assert.Equal(t, ApprovalApproved, final.Approvals[0].Status)
	assert.Equal(t, "looks good", final.Approvals[0].Note)
}

func TestRun_ManualApprovalRejected(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, approvalPipeline(true))

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "reject me"})
	require.NoError(t, err)

	waiting := waitStatus(t, h.engine, snap.ID, RunAwaitingApproval)
	require.Len(t, waiting.Approvals, 1)

	require.NoError(t, h.engine.ResolveApproval(snap.ID, waiting.Approvals[0].ID, false, "not yet"))

	final := waitStatus(t, h.engine, snap.ID, RunFailed)
	sr := stepByID(final, "s")
	require.Len(t, sr.Gates, 1)
	assert.Equal(t, gates.StatusFail, sr.Gates[0].Status)
	assert.Equal(t, errors.CodeGateBlockingFailed, final.ErrorCode)
}

func TestRun_SecureInputRoundTrip(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, pipeline.Pipeline{
		Name: "e2e secure",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Deploy", Role: pipeline.RoleExecutor, Prompt: "deploy with {{input.api_key}}", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	})

	snap, err := h.engine.StartRun(context.Background(), StartRequest{
		PipelineID: p.ID,
		Task:       "Run E5",
		Inputs:     map[string]string{"api_key": "sk-test-123"},
	})
	require.NoError(t, err)

	final := waitStatus(t, h.engine, snap.ID, RunCompleted)

	// Provider received the resolved plaintext.
	reqs := h.provider.requestsFor("s")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Step.Prompt, "sk-test-123")

	// The run record masks the secret.
	assert.Equal(t, vault.SecureSentinel, final.Inputs["api_key"])
	for _, line := range final.Logs {
		assert.NotContains(t, line, "sk-test-123")
	}
	for _, ev := range h.bus.After(snap.ID, 0) {
		assert.NotContains(t, ev.Message, "sk-test-123")
	}

	// The secret persisted to the vault for later runs.
	stored, err := h.vault.Read(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", stored["api_key"])
}

func TestRun_SmartModeBlocksOnMissingInput(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, pipeline.Pipeline{
		Name: "smart gate",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Deploy", Role: pipeline.RoleExecutor, Prompt: "deploy {{input.repo_url}}", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	})

	_, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	// Quick mode skips input collection.
	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t", Mode: pipeline.RunModeQuick})
	require.NoError(t, err)
	waitStatus(t, h.engine, snap.ID, RunCompleted)
}

func TestRun_OneActiveRunPerPipeline(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, approvalPipeline(true))

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "first"})
	require.NoError(t, err)
	waitStatus(t, h.engine, snap.ID, RunAwaitingApproval)

	_, err = h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "second"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active run")

	require.NoError(t, h.engine.Stop(snap.ID))
	waitStatus(t, h.engine, snap.ID, RunCancelled)
	assert.False(t, h.engine.HasActiveRun(p.ID))

	// Slot released: a new run may start.
	_, err = h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "third"})
	require.NoError(t, err)
}

func TestRun_StopCancels(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, approvalPipeline(true))

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t"})
	require.NoError(t, err)
	waitStatus(t, h.engine, snap.ID, RunAwaitingApproval)

	require.NoError(t, h.engine.Stop(snap.ID))
	final := waitStatus(t, h.engine, snap.ID, RunCancelled)
	assert.Equal(t, errors.CodeCancelled, final.ErrorCode)
}

func TestRun_ProviderErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, pipeline.Pipeline{
		Name: "provider error",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Flaky", Role: pipeline.RoleExecutor, Prompt: "x", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	})
	h.provider.err = fmt.Errorf("upstream exploded")

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t"})
	require.NoError(t, err)

	final := waitStatus(t, h.engine, snap.ID, RunFailed)
	assert.Equal(t, errors.CodeProviderError, final.ErrorCode)
	assert.Equal(t, StepFailed, stepByID(final, "s").Status)
}

func TestRun_RuntimeInputPauseResume(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, pipeline.Pipeline{
		Name: "runtime inputs",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Analyze", Role: pipeline.RoleAnalysis, Prompt: "analyze", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	})

	request := "```input-request\n" +
		`{"summary": "Need the repo", "fields": [{"key": "repo_url", "label": "Repo", "type": "url", "required": true}]}` +
		"\n```"
	h.provider.outputs["s"] = []string{request, "analyzed {{done}}\nWORKFLOW_STATUS: PASS"}

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t"})
	require.NoError(t, err)

	paused := waitStatus(t, h.engine, snap.ID, RunPaused)
	require.NotNil(t, paused.PendingInput)
	assert.Equal(t, "s", paused.PendingInput.StepID)
	require.Len(t, paused.PendingInput.Request.Fields, 1)

	// Missing required value is rejected and the run stays paused.
	err = h.engine.SubmitInputs(snap.ID, map[string]string{"other": "x"})
	require.Error(t, err)

	require.NoError(t, h.engine.SubmitInputs(snap.ID, map[string]string{"repo_url": "https://github.com/x/y"}))

	final := waitStatus(t, h.engine, snap.ID, RunCompleted)
	assert.Nil(t, final.PendingInput)
	assert.Equal(t, "https://github.com/x/y", final.Inputs["repo_url"])
	// Resume replaced the pending attempt instead of adding one.
	assert.Equal(t, 1, stepByID(final, "s").Attempts)
}

func TestRun_PauseResume(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, approvalPipeline(false))

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t"})
	require.NoError(t, err)

	// Non-blocking approval still parks the run.
	waiting := waitStatus(t, h.engine, snap.ID, RunAwaitingApproval)
	require.NoError(t, h.engine.ResolveApproval(snap.ID, waiting.Approvals[0].ID, true, ""))
	waitStatus(t, h.engine, snap.ID, RunCompleted)
}

func TestRun_PersistedAcrossLookup(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, linearPipeline())
	h.provider.outputs["c"] = []string{"WORKFLOW_STATUS: PASS"}

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t"})
	require.NoError(t, err)
	waitStatus(t, h.engine, snap.ID, RunCompleted)

	// The store holds the terminal snapshot too.
	rec, err := h.store.GetRun(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, string(RunCompleted), rec.Status)

	runs := h.engine.List(10)
	require.NotEmpty(t, runs)
	assert.Equal(t, snap.ID, runs[0].ID)
}

func TestRun_QuickModeBlocksOnFailingProviderCheck(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, pipeline.Pipeline{
		Name: "unknown provider",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Deploy", Role: pipeline.RoleExecutor, Prompt: "deploy", Provider: pipeline.ProviderSelector{ProviderID: "ghost"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	})

	// Quick mode skips input collection but not pipeline-level checks.
	_, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t", Mode: pipeline.RunModeQuick})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "provider:ghost")

	_, err = h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t", Mode: pipeline.RunModeSmart})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	assert.False(t, h.engine.HasActiveRun(p.ID))
}

func TestRun_RunInputsRenderResolvedValues(t *testing.T) {
	h := newHarness(t)
	p := h.createPipeline(t, pipeline.Pipeline{
		Name: "bulk inputs",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Deploy", Role: pipeline.RoleExecutor, Prompt: "deploy with:\n{{run_inputs}}", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	})

	snap, err := h.engine.StartRun(context.Background(), StartRequest{
		PipelineID: p.ID,
		Task:       "t",
		Inputs:     map[string]string{"api_key": "sk-test-123", "repo_url": "https://github.com/x/y"},
	})
	require.NoError(t, err)
	final := waitStatus(t, h.engine, snap.ID, RunCompleted)

	// The bulk blob carries the same resolved values as {{input.<key>}}.
	reqs := h.provider.requestsFor("s")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Step.Prompt, "api_key: sk-test-123")
	assert.Contains(t, reqs[0].Step.Prompt, "repo_url: https://github.com/x/y")

	// Masking still holds everywhere outside the provider call.
	assert.Equal(t, vault.SecureSentinel, final.Inputs["api_key"])
	for _, ev := range h.bus.After(snap.ID, 0) {
		assert.NotContains(t, ev.Message, "sk-test-123")
	}
}

func TestControl_BusyDuringProviderCall(t *testing.T) {
	h := newHarness(t)
	h.engine.ctrlTimeout = 50 * time.Millisecond
	h.provider.entered = make(chan struct{}, 1)
	h.provider.stall = make(chan struct{})

	p := h.createPipeline(t, pipeline.Pipeline{
		Name: "slow provider",
		Steps: []pipeline.Step{
			{ID: "s", Name: "Slow", Role: pipeline.RoleExecutor, Prompt: "x", Provider: pipeline.ProviderSelector{ProviderID: "anthropic"}, OutputFormat: pipeline.OutputMarkdown},
		},
		Runtime: pipeline.RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60000},
	})

	snap, err := h.engine.StartRun(context.Background(), StartRequest{PipelineID: p.ID, Task: "t"})
	require.NoError(t, err)
	<-h.provider.entered

	// The executor is inside the provider call; the control plane
	// answers within the timeout instead of blocking for the step.
	err = h.engine.Pause(snap.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")

	close(h.provider.stall)
	waitStatus(t, h.engine, snap.ID, RunCompleted)
}
