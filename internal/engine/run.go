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
	"sync"
	"time"

	"github.com/fyreflow/fyreflow/internal/inputs"
	"github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/gates"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunPaused           RunStatus = "paused"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// Active reports whether the run still holds its pipeline's active slot.
func (s RunStatus) Active() bool {
	switch s {
	case RunQueued, RunRunning, RunPaused, RunAwaitingApproval:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRun records the latest execution state of one pipeline step.
type StepRun struct {
	StepID     string         `json:"stepId"`
	StepName   string         `json:"stepName"`
	Status     StepStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Outcome    gates.Outcome  `json:"workflowOutcome"`
	Output     string         `json:"output,omitempty"`
	Gates      []gates.Result `json:"qualityGateResults,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  errors.Code    `json:"errorCode,omitempty"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// ApprovalStatus is the state of a manual-approval checkpoint.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a manual-decision checkpoint produced by a manual_approval
// gate. It lives until resolved or the run terminates.
type Approval struct {
	ID         string         `json:"id"`
	RunID      string         `json:"runId"`
	GateID     string         `json:"gateId"`
	GateName   string         `json:"gateName"`
	StepID     string         `json:"stepId"`
	StepName   string         `json:"stepName"`
	Message    string         `json:"message,omitempty"`
	Status     ApprovalStatus `json:"status"`
	Note       string         `json:"note,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// RuntimeInputPrompt surfaces a step's runtime input request while the
// run is paused waiting for values.
type RuntimeInputPrompt struct {
	StepID   string          `json:"stepId"`
	StepName string          `json:"stepName"`
	Request  *inputs.Request `json:"request"`
}

// Run is one execution of a pipeline. The embedded pipeline snapshot
// isolates the run from subsequent pipeline edits. Mutable fields are
// guarded by mu; external readers only ever see snapshots.
type Run struct {
	ID         string
	PipelineID string
	Pipeline   *pipeline.Pipeline
	Task       string

	// Inputs holds the display view of run inputs: secret keys carry the
	// masked sentinel, never plaintext.
	Inputs map[string]string

	mu           sync.RWMutex
	status       RunStatus
	steps        []*StepRun
	stepIndex    map[string]*StepRun
	approvals    []*Approval
	pendingInput *RuntimeInputPrompt
	logs         []string
	errCode      errors.Code
	errMsg       string
	startedAt    time.Time
	finishedAt   *time.Time

	// resolved is the plaintext inputs map used for context resolution.
	// It is never serialized and never logged.
	resolved map[string]string

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	ctrl       chan ctrlMsg
}

func newRun(id string, p *pipeline.Pipeline, task string, masked, resolved map[string]string) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{
		ID:         id,
		PipelineID: p.ID,
		Pipeline:   p,
		Task:       task,
		Inputs:     masked,
		status:     RunQueued,
		stepIndex:  make(map[string]*StepRun, len(p.Steps)),
		resolved:   resolved,
		startedAt:  time.Now().UTC(),
		ctx:        ctx,
		cancel:     cancel,
		ctrl:       make(chan ctrlMsg),
	}
	for _, step := range p.Steps {
		sr := &StepRun{StepID: step.ID, StepName: step.Name, Status: StepPending, Outcome: gates.OutcomeUnknown}
		r.steps = append(r.steps, sr)
		r.stepIndex[step.ID] = sr
	}
	return r
}

func (r *Run) step(id string) *StepRun {
	return r.stepIndex[id]
}

func (r *Run) setStatus(s RunStatus) {
	r.mu.Lock()
	r.status = s
	if !s.Active() && r.finishedAt == nil {
		now := time.Now().UTC()
		r.finishedAt = &now
	}
	r.mu.Unlock()
}

// Status returns the run's current lifecycle state.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// update runs fn under the run's write lock. Only the executor goroutine
// mutates step state, but snapshots may read concurrently.
func (r *Run) update(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

// resolvedInputs copies the plaintext inputs map for context resolution
// and gate path substitution. The copy never reaches logs or snapshots.
func (r *Run) resolvedInputs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.resolved))
	for k, v := range r.resolved {
		out[k] = v
	}
	return out
}

func (r *Run) appendLog(line string) {
	r.mu.Lock()
	r.logs = append(r.logs, line)
	r.mu.Unlock()
}

func (r *Run) fail(code errors.Code, msg string) {
	r.mu.Lock()
	r.errCode = code
	r.errMsg = msg
	r.mu.Unlock()
	r.setStatus(RunFailed)
}

func (r *Run) stop() {
	r.cancelOnce.Do(r.cancel)
}

// RunSnapshot is an immutable deep copy of run state for external access.
// It aliases none of the run's mutable internals.
type RunSnapshot struct {
	ID           string              `json:"id"`
	PipelineID   string              `json:"pipelineId"`
	Pipeline     *pipeline.Pipeline  `json:"pipeline"`
	Status       RunStatus           `json:"status"`
	Task         string              `json:"task"`
	Inputs       map[string]string   `json:"inputs,omitempty"`
	Steps        []StepRun           `json:"steps"`
	Approvals    []Approval          `json:"approvals,omitempty"`
	PendingInput *RuntimeInputPrompt `json:"pendingInput,omitempty"`
	Logs         []string            `json:"logs,omitempty"`
	Error        string              `json:"error,omitempty"`
	ErrorCode    errors.Code         `json:"errorCode,omitempty"`
	StartedAt    time.Time           `json:"startedAt"`
	FinishedAt   *time.Time          `json:"finishedAt,omitempty"`
}

// Snapshot copies the run's current state.
func (r *Run) Snapshot() *RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cloned := r.Pipeline.Clone()
	snap := &RunSnapshot{
		ID:         r.ID,
		PipelineID: r.PipelineID,
		Pipeline:   &cloned,
		Status:     r.status,
		Task:       r.Task,
		Inputs:     make(map[string]string, len(r.Inputs)),
		Steps:      make([]StepRun, 0, len(r.steps)),
		Logs:       append([]string(nil), r.logs...),
		Error:      r.errMsg,
		ErrorCode:  r.errCode,
		StartedAt:  r.startedAt,
	}
	for k, v := range r.Inputs {
		snap.Inputs[k] = v
	}
	for _, sr := range r.steps {
		copied := *sr
		copied.Gates = append([]gates.Result(nil), sr.Gates...)
		if sr.StartedAt != nil {
			t := *sr.StartedAt
			copied.StartedAt = &t
		}
		if sr.FinishedAt != nil {
			t := *sr.FinishedAt
			copied.FinishedAt = &t
		}
		snap.Steps = append(snap.Steps, copied)
	}
	for _, a := range r.approvals {
		copied := *a
		if a.ResolvedAt != nil {
			t := *a.ResolvedAt
			copied.ResolvedAt = &t
		}
		snap.Approvals = append(snap.Approvals, copied)
	}
	if r.pendingInput != nil {
		prompt := *r.pendingInput
		snap.PendingInput = &prompt
	}
	if r.finishedAt != nil {
		t := *r.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlApprove
	ctrlInputs
)

// ctrlMsg is a control message delivered to a run's executor goroutine.
// The executor processes messages only at safe points, which keeps the
// run single-threaded with respect to its own state.
type ctrlMsg struct {
	kind       ctrlKind
	approvalID string
	approved   bool
	note       string
	values     map[string]string
	reply      chan error
}
