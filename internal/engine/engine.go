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

// Package engine is the run state machine: it seeds entry steps, drives
// dispatch against providers, enforces quality gates and runtime caps,
// and owns every run's lifecycle transitions.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyreflow/fyreflow/internal/events"
	"github.com/fyreflow/fyreflow/internal/inputs"
	"github.com/fyreflow/fyreflow/internal/preflight"
	"github.com/fyreflow/fyreflow/internal/storage"
	"github.com/fyreflow/fyreflow/internal/vault"
	"github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
	"github.com/fyreflow/fyreflow/pkg/provider"
)

// MetricsCollector records run and step observations. A nil collector
// disables metrics.
type MetricsCollector interface {
	RecordRunStart(pipelineID string)
	RecordRunComplete(pipelineID, status string, duration time.Duration)
	RecordStepComplete(pipelineID, stepID, status string, duration time.Duration)
}

// Config bounds the engine's run concurrency.
type Config struct {
	MaxParallel int
}

// Engine executes runs against the pipeline catalog. One executor
// goroutine per active run; a semaphore bounds parallelism.
type Engine struct {
	store     *pipeline.Store
	vault     *vault.Vault
	providers *provider.Registry
	bus       *events.Bus
	broker    *inputs.Broker
	layout    storage.Layout
	logger    *slog.Logger

	metrics MetricsCollector
	tracer  trace.Tracer

	mu     sync.RWMutex
	runs   map[string]*Run
	active map[string]string // pipelineID -> active runID

	semaphore chan struct{}
	draining  atomic.Bool
	wg        sync.WaitGroup

	// ctrlTimeout bounds how long a control caller waits for the
	// executor to take a message.
	ctrlTimeout time.Duration
}

const defaultCtrlTimeout = 5 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer attaches an OpenTelemetry tracer for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine.
func New(cfg Config, store *pipeline.Store, v *vault.Vault, providers *provider.Registry, bus *events.Bus, layout storage.Layout, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     store,
		vault:     v,
		providers: providers,
		bus:       bus,
		broker:    inputs.NewBroker(),
		layout:    layout,
		logger:    logger,
		runs:        make(map[string]*Run),
		active:      make(map[string]string),
		semaphore:   make(chan struct{}, cfg.MaxParallel),
		ctrlTimeout: defaultCtrlTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest carries the parameters for starting a run.
type StartRequest struct {
	PipelineID string
	Task       string
	Inputs     map[string]string
	Mode       pipeline.RunMode
}

// StartRun creates and launches a run for a pipeline. Per pipeline, at
// most one run may be active at a time; a second start is refused.
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (*RunSnapshot, error) {
	if e.draining.Load() {
		return nil, &errors.ValidationError{Field: "pipelineId", Message: "daemon is shutting down"}
	}

	p, err := e.store.GetPipeline(req.PipelineID)
	if err != nil {
		return nil, err
	}

	if req.Mode == "" {
		req.Mode = pipeline.RunModeSmart
	}

	masked, resolved, err := e.resolveInputs(&p, req.Inputs)
	if err != nil {
		return nil, err
	}

	// Smart mode requires a fully clean plan. Quick mode skips input
	// collection but still refuses to start over a failing pipeline-level
	// check; the scheduler relies on this for its preflight skip.
	plan := preflight.BuildPlan(&p, resolved, preflight.Options{
		Providers:   e.providerConfigs(),
		MCPServers:  e.store.MCPServers(),
		StorageRoot: e.layout.Root,
	})
	if req.Mode == pipeline.RunModeSmart {
		if plan.Failing() {
			return nil, &errors.ValidationError{
				Field:      "inputs",
				Message:    "preflight checks failing",
				Suggestion: "resolve the failing checks in the smart run plan or start in quick mode",
			}
		}
	} else if blockers := plan.Blockers(); len(blockers) > 0 {
		return nil, &errors.ValidationError{
			Field:      "pipelineId",
			Message:    fmt.Sprintf("preflight check %s is failing: %s", blockers[0].ID, blockers[0].Message),
			Suggestion: "resolve the failing checks in the smart run plan",
		}
	}

	run := newRun(uuid.NewString(), &p, req.Task, masked, resolved)

	e.mu.Lock()
	if activeID, busy := e.active[p.ID]; busy {
		e.mu.Unlock()
		return nil, &errors.ValidationError{
			Field:   "pipelineId",
			Message: fmt.Sprintf("pipeline already has an active run %s", activeID),
		}
	}
	e.active[p.ID] = run.ID
	e.runs[run.ID] = run
	e.mu.Unlock()

	e.bus.Emit(run.ID, events.KindRunStatus, "run queued")
	e.persist(run)
	if e.metrics != nil {
		e.metrics.RecordRunStart(p.ID)
	}

	e.wg.Add(1)
	go e.execute(run)

	return run.Snapshot(), nil
}

// resolveInputs canonicalizes submitted inputs, persists submitted secret
// values to the vault, and merges stored secrets for keys the caller did
// not supply. It returns the masked display map and the plaintext map.
func (e *Engine) resolveInputs(p *pipeline.Pipeline, submitted map[string]string) (masked, resolved map[string]string, err error) {
	resolved = preflight.CanonicalizeInputs(submitted)

	secrets := map[string]string{}
	for key, val := range resolved {
		if vault.IsSensitiveKey(key) && val != "" && val != vault.SecureSentinel {
			secrets[key] = val
		}
	}
	if len(secrets) > 0 {
		if err := e.vault.Save(p.ID, secrets); err != nil {
			return nil, nil, err
		}
	}

	stored, err := e.vault.Read(p.ID)
	if err != nil {
		return nil, nil, err
	}
	for key, val := range stored {
		current, present := resolved[key]
		if !present || current == "" || current == vault.SecureSentinel {
			resolved[key] = val
		}
	}

	return vault.MaskInputs(resolved), resolved, nil
}

func (e *Engine) providerConfigs() map[string]pipeline.ProviderConfig {
	out := map[string]pipeline.ProviderConfig{}
	for _, cfg := range e.store.Providers() {
		out[cfg.ID] = cfg
	}
	return out
}

// Get returns a snapshot of a run, checking in-memory runs first and
// falling back to the persisted catalog for runs from earlier sessions.
func (e *Engine) Get(runID string) (*RunSnapshot, error) {
	e.mu.RLock()
	run, ok := e.runs[runID]
	e.mu.RUnlock()
	if ok {
		return run.Snapshot(), nil
	}

	rec, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	var snap RunSnapshot
	if err := json.Unmarshal(rec.Data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode stored run: %w", err)
	}
	return &snap, nil
}

// List returns snapshots of all known runs, newest first.
func (e *Engine) List(limit int) []*RunSnapshot {
	e.mu.RLock()
	live := make([]*RunSnapshot, 0, len(e.runs))
	seen := make(map[string]bool, len(e.runs))
	for _, run := range e.runs {
		live = append(live, run.Snapshot())
		seen[run.ID] = true
	}
	e.mu.RUnlock()

	for _, rec := range e.store.ListRuns(0) {
		if seen[rec.ID] {
			continue
		}
		var snap RunSnapshot
		if err := json.Unmarshal(rec.Data, &snap); err != nil {
			continue
		}
		live = append(live, &snap)
	}

	sort.Slice(live, func(i, j int) bool { return live[i].StartedAt.After(live[j].StartedAt) })
	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}
	return live
}

// HasActiveRun reports whether a pipeline currently holds its active slot.
func (e *Engine) HasActiveRun(pipelineID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, busy := e.active[pipelineID]
	return busy
}

// Stop cancels a run. The executor observes the cancellation at its next
// suspension point and terminates the run as cancelled.
func (e *Engine) Stop(runID string) error {
	run, err := e.liveRun(runID)
	if err != nil {
		return err
	}
	run.stop()
	return nil
}

// Pause parks a run between step dispatches.
func (e *Engine) Pause(runID string) error {
	return e.control(runID, ctrlMsg{kind: ctrlPause})
}

// Resume releases a paused run.
func (e *Engine) Resume(runID string) error {
	return e.control(runID, ctrlMsg{kind: ctrlResume})
}

// ResolveApproval resolves a pending approval. Approved rewrites the gate
// result to pass; rejected rewrites it to fail.
func (e *Engine) ResolveApproval(runID, approvalID string, approved bool, note string) error {
	return e.control(runID, ctrlMsg{kind: ctrlApprove, approvalID: approvalID, approved: approved, note: note})
}

// SubmitInputs delivers runtime input values to a run paused on an input
// request.
func (e *Engine) SubmitInputs(runID string, values map[string]string) error {
	return e.control(runID, ctrlMsg{kind: ctrlInputs, values: values})
}

func (e *Engine) control(runID string, msg ctrlMsg) error {
	run, err := e.liveRun(runID)
	if err != nil {
		return err
	}

	// The ctrl channel is unbuffered: a successful send means the
	// executor has taken the message and will reply promptly. The timer
	// bounds the wait when the executor is inside a provider call.
	msg.reply = make(chan error, 1)
	timer := time.NewTimer(e.ctrlTimeout)
	defer timer.Stop()
	select {
	case run.ctrl <- msg:
		return <-msg.reply
	case <-run.ctx.Done():
		return &errors.RunError{Code: errors.CodeCancelled, Message: "run is no longer active"}
	case <-timer.C:
		return &errors.ValidationError{Field: "runId", Message: "run is busy executing a step, retry shortly"}
	}
}

func (e *Engine) liveRun(runID string) (*Run, error) {
	e.mu.RLock()
	run, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if !run.Status().Active() {
		return nil, &errors.RunError{Code: errors.CodeCancelled, Message: "run is no longer active"}
	}
	return run, nil
}

// finish releases the pipeline's active slot and records the terminal
// state.
func (e *Engine) finish(run *Run) {
	e.mu.Lock()
	if e.active[run.PipelineID] == run.ID {
		delete(e.active, run.PipelineID)
	}
	e.mu.Unlock()

	e.broker.Forget(run.ID)
	e.persist(run)

	status := run.Status()
	e.bus.Emit(run.ID, events.KindRunStatus, fmt.Sprintf("run %s", status))
	if e.metrics != nil {
		e.metrics.RecordRunComplete(run.PipelineID, string(status), time.Since(run.startedAt))
	}
}

// persist writes the run's snapshot into the catalog. Secrets are masked
// in the snapshot already; plaintext never reaches disk.
func (e *Engine) persist(run *Run) {
	snap := run.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		e.logger.Error("failed to encode run snapshot", "run_id", run.ID, "error", err)
		return
	}
	rec := pipeline.RunRecord{
		ID:         snap.ID,
		PipelineID: snap.PipelineID,
		Status:     string(snap.Status),
		StartedAt:  snap.StartedAt,
		Data:       data,
	}
	if err := e.store.SaveRun(rec); err != nil {
		e.logger.Error("failed to persist run", "run_id", run.ID, "error", err)
	}
}

// Drain stops accepting new runs and waits for active executors to
// finish, up to the given timeout. Runs still active after the timeout
// are cancelled.
func (e *Engine) Drain(timeout time.Duration) {
	e.draining.Store(true)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	e.mu.RLock()
	for _, run := range e.runs {
		run.stop()
	}
	e.mu.RUnlock()
	<-done
}
