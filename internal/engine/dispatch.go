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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyreflow/fyreflow/internal/events"
	"github.com/fyreflow/fyreflow/internal/inputs"
	"github.com/fyreflow/fyreflow/internal/preflight"
	"github.com/fyreflow/fyreflow/internal/vault"
	"github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/gates"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
	"github.com/fyreflow/fyreflow/pkg/provider"
)

// dispatchState tracks one run's progress through the graph. The state
// machine does not traverse the graph abstractly; it advances by dispatch
// events, with loop counters bounding cyclic progress.
type dispatchState struct {
	ready      []string
	executed   map[string]bool
	loopCounts map[string]int

	outputs    map[string]string
	order      []string
	prevOutput string

	dispatches    int
	loopExhausted bool
}

// execute is the run's executor goroutine. The run is single-threaded
// with respect to its own state; control messages are processed only at
// safe points.
func (e *Engine) execute(run *Run) {
	defer e.wg.Done()
	defer e.finish(run)
	defer run.cancel()

	e.semaphore <- struct{}{}
	defer func() { <-e.semaphore }()

	if run.ctx.Err() != nil {
		run.setStatus(RunCancelled)
		return
	}

	ctx := run.ctx
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "run")
		defer span.End()
	}

	run.setStatus(RunRunning)
	e.bus.Emit(run.ID, events.KindRunStatus, "run running")
	e.persist(run)

	st := &dispatchState{
		executed:   make(map[string]bool),
		loopCounts: make(map[string]int),
		outputs:    make(map[string]string),
	}
	for _, step := range run.Pipeline.EntrySteps() {
		st.ready = append(st.ready, step.ID)
	}

	rt := run.Pipeline.Runtime
	for len(st.ready) > 0 {
		if !e.checkpoint(run) {
			e.cancelRun(run, "")
			return
		}

		stepID := st.ready[0]
		st.ready = st.ready[1:]

		st.dispatches++
		if st.dispatches > rt.MaxStepExecutions {
			e.skipPending(run)
			run.fail(errors.CodeLimitExhausted, fmt.Sprintf("maximum step executions (%d) reached", rt.MaxStepExecutions))
			e.bus.Emit(run.ID, events.KindRunStatus, "run failed: step execution limit reached")
			return
		}

		step, ok := run.Pipeline.StepByID(stepID)
		if !ok {
			continue
		}
		if !e.executeStep(ctx, run, step, st) {
			return
		}
		e.persist(run)
	}

	e.skipPending(run)
	e.terminate(run, st)
}

// executeStep runs one dispatch: context resolution, provider call, gate
// evaluation, runtime-input and approval suspension, then link routing.
// Returns false when the run has terminated.
func (e *Engine) executeStep(ctx context.Context, run *Run, step pipeline.Step, st *dispatchState) bool {
	sr := run.step(step.ID)
	rt := run.Pipeline.Runtime

	stepCtx := ctx
	if e.tracer != nil {
		var span trace.Span
		stepCtx, span = e.tracer.Start(ctx, "step")
		defer span.End()
	}

	started := time.Now().UTC()
	run.update(func() {
		sr.Attempts++
		sr.Status = StepRunning
		sr.StartedAt = &started
		sr.Error = ""
		sr.ErrorCode = ""
	})
	e.bus.Emit(run.ID, events.KindStepStatus, fmt.Sprintf("step %s running (attempt %d)", step.Name, sr.Attempts), events.WithStep(step.ID))

	paths := e.layout.ForStep(run.PipelineID, step.ID, run.ID)
	if err := e.layout.Ensure(paths); err != nil {
		e.logger.Warn("failed to prepare storage paths", "run_id", run.ID, "error", err)
	}

	for {
		output, err := e.callProvider(stepCtx, run, step, st, rt)
		if err != nil {
			return e.recordStepError(run, step, sr, st, err)
		}

		if provider.IsSimulated(output) {
			e.finishStep(run, sr, output, nil, gates.OutcomeFail, StepFailed, errors.CodeProviderUnauthenticated,
				fmt.Sprintf("provider %s is not authenticated", step.Provider.ProviderID))
			e.skipPending(run)
			run.fail(errors.CodeProviderUnauthenticated, fmt.Sprintf("step %s ran without provider credentials", step.Name))
			e.bus.Emit(run.ID, events.KindRunStatus, "run failed: provider unauthenticated", events.WithStep(step.ID))
			return false
		}

		// Runtime input detection comes before gates: a step that is
		// asking for inputs has not produced its real output yet.
		if req := e.broker.Detect(run.ID, step.ID, sr.Attempts, output); req != nil {
			if !e.collectRuntimeInputs(run, step, req) {
				return false
			}
			// Resume replaces the pending attempt: same step, same
			// attempt count, augmented inputs.
			continue
		}

		ev := gates.Evaluate(gates.Input{
			Step:   step,
			Output: output,
			Gates:  run.Pipeline.GatesFor(step.ID),
			Paths:  paths,
			Inputs: run.resolvedInputs(),
		})

		if len(ev.PendingApprovals) > 0 {
			if !e.awaitApprovals(run, step, output, &ev) {
				return false
			}
		}

		status := StepCompleted
		var code errors.Code
		var errMsg string
		if blockingGateFailed(ev.Results) {
			status = StepFailed
			code = errors.CodeGateBlockingFailed
			errMsg = "a blocking quality gate failed"
		}
		e.finishStep(run, sr, output, ev.Results, ev.Outcome, status, code, errMsg)

		st.outputs[step.ID] = output
		st.order = append(st.order, step.ID)
		st.prevOutput = output
		st.executed[step.ID] = true

		e.routeLinks(run, step, ev.Outcome, st)
		return true
	}
}

func (e *Engine) callProvider(ctx context.Context, run *Run, step pipeline.Step, st *dispatchState, rt pipeline.RuntimeConfig) (string, error) {
	cfg, _ := e.store.Provider(step.Provider.ProviderID)

	mode := provider.OutputModeText
	if step.OutputFormat == pipeline.OutputJSON {
		mode = provider.OutputModeJSON
	}

	resolvedStep := step
	resolvedStep.Prompt = e.substitute(run, step, step.Prompt, st)

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(rt.StageTimeoutMs)*time.Millisecond)
	defer cancel()

	return e.providers.Execute(callCtx, provider.Request{
		Config:     cfg,
		Step:       resolvedStep,
		Task:       run.Task,
		Context:    e.substitute(run, step, step.ContextTemplate, st),
		OutputMode: mode,
	})
}

// recordStepError classifies a provider failure. Cancellation terminates
// the run; timeouts and provider errors fail the step and route on_fail
// remediation links.
func (e *Engine) recordStepError(run *Run, step pipeline.Step, sr *StepRun, st *dispatchState, err error) bool {
	if run.ctx.Err() != nil {
		e.finishStep(run, sr, "", nil, gates.OutcomeUnknown, StepFailed, errors.CodeCancelled, "run cancelled")
		e.cancelRun(run, step.ID)
		return false
	}

	code := errors.CodeOf(err)
	e.finishStep(run, sr, "", nil, gates.OutcomeFail, StepFailed, code, err.Error())
	e.bus.Emit(run.ID, events.KindStepStatus, fmt.Sprintf("step %s failed: %s", step.Name, code), events.WithStep(step.ID))

	st.executed[step.ID] = true
	e.routeLinks(run, step, gates.OutcomeFail, st)
	return true
}

// finishStep writes the terminal fields of one step attempt.
func (e *Engine) finishStep(run *Run, sr *StepRun, output string, results []gates.Result, outcome gates.Outcome, status StepStatus, code errors.Code, errMsg string) {
	finished := time.Now().UTC()
	run.update(func() {
		sr.Output = output
		sr.Gates = results
		sr.Outcome = outcome
		sr.Status = status
		sr.ErrorCode = code
		sr.Error = errMsg
		sr.FinishedAt = &finished
	})
	if e.metrics != nil {
		duration := finished.Sub(run.startedAt)
		if sr.StartedAt != nil {
			duration = finished.Sub(*sr.StartedAt)
		}
		e.metrics.RecordStepComplete(run.PipelineID, sr.StepID, string(status), duration)
	}
}

// routeLinks pushes accepted link targets onto the ready queue, counting
// remediation loops against maxLoops.
func (e *Engine) routeLinks(run *Run, step pipeline.Step, outcome gates.Outcome, st *dispatchState) {
	maxLoops := run.Pipeline.Runtime.MaxLoops

	for _, link := range run.Pipeline.OutboundLinks(step.ID) {
		take := link.Condition == pipeline.LinkAlways ||
			(link.Condition == pipeline.LinkOnPass && outcome == gates.OutcomePass) ||
			(link.Condition == pipeline.LinkOnFail && outcome == gates.OutcomeFail)
		if !take {
			continue
		}

		target := link.TargetStepID
		if st.executed[target] {
			st.loopCounts[target]++
			if st.loopCounts[target] > maxLoops {
				st.loopExhausted = true
				tr := run.step(target)
				run.update(func() {
					tr.Status = StepFailed
					tr.ErrorCode = errors.CodeLoopExhausted
					tr.Error = fmt.Sprintf("loop limit (%d) reached", maxLoops)
				})
				line := fmt.Sprintf("loop_exhausted: step %s will not be re-dispatched", target)
				run.appendLog(line)
				e.bus.Emit(run.ID, events.KindLog, line, events.WithStep(target))
				continue
			}
		}
		st.ready = append(st.ready, target)
	}
}

// terminate decides the run's final status once the ready queue empties.
func (e *Engine) terminate(run *Run, st *dispatchState) {
	var failedCode errors.Code
	var failedStep string

	run.mu.RLock()
	for _, sr := range run.steps {
		if sr.Status == StepFailed {
			failedCode = sr.ErrorCode
			failedStep = sr.StepName
			break
		}
	}
	run.mu.RUnlock()

	switch {
	case st.loopExhausted:
		run.fail(errors.CodeLoopExhausted, "remediation loop exhausted without passing")
	case failedCode != "":
		run.fail(failedCode, fmt.Sprintf("step %s failed", failedStep))
	default:
		run.setStatus(RunCompleted)
	}
}

// cancelRun terminates the run on external stop.
func (e *Engine) cancelRun(run *Run, stepID string) {
	e.skipPending(run)
	run.mu.Lock()
	run.errCode = errors.CodeCancelled
	run.errMsg = "run cancelled"
	run.mu.Unlock()
	run.setStatus(RunCancelled)
	e.bus.Emit(run.ID, events.KindRunStatus, "run cancelled", events.WithStep(stepID))
}

// skipPending marks never-dispatched steps as skipped.
func (e *Engine) skipPending(run *Run) {
	run.update(func() {
		for _, sr := range run.steps {
			if sr.Status == StepPending {
				sr.Status = StepSkipped
			}
		}
	})
}

func blockingGateFailed(results []gates.Result) bool {
	for _, r := range results {
		if r.Blocking && r.Status == gates.StatusFail {
			return true
		}
	}
	return false
}

// checkpoint processes queued control messages between dispatches. It
// blocks while the run is paused and returns false on cancellation.
func (e *Engine) checkpoint(run *Run) bool {
	for {
		select {
		case <-run.ctx.Done():
			return false
		case msg := <-run.ctrl:
			if !e.handleCtrl(run, msg) {
				return e.waitWhilePaused(run)
			}
		default:
			return true
		}
	}
}

// waitWhilePaused parks the executor until a resume or stop arrives.
func (e *Engine) waitWhilePaused(run *Run) bool {
	run.setStatus(RunPaused)
	e.bus.Emit(run.ID, events.KindRunStatus, "run paused")
	e.persist(run)

	for {
		select {
		case <-run.ctx.Done():
			return false
		case msg := <-run.ctrl:
			if msg.kind == ctrlResume {
				msg.reply <- nil
				run.setStatus(RunRunning)
				e.bus.Emit(run.ID, events.KindRunStatus, "run running")
				return true
			}
			e.handleCtrl(run, msg)
		}
	}
}

// handleCtrl services one control message outside of a dedicated wait.
// Returns false when the message was a pause request.
func (e *Engine) handleCtrl(run *Run, msg ctrlMsg) bool {
	switch msg.kind {
	case ctrlPause:
		msg.reply <- nil
		return false
	case ctrlResume:
		msg.reply <- &errors.ValidationError{Field: "status", Message: "run is not paused"}
	case ctrlApprove:
		msg.reply <- &errors.ValidationError{Field: "approvalId", Message: "no approval is pending"}
	case ctrlInputs:
		msg.reply <- &errors.ValidationError{Field: "inputs", Message: "run is not waiting for inputs"}
	}
	return true
}

// collectRuntimeInputs parks the run on a runtime input request and
// merges submitted values on resume. Secret-typed values are persisted to
// the vault; non-secret values merge into the run inputs.
func (e *Engine) collectRuntimeInputs(run *Run, step pipeline.Step, req *inputs.Request) bool {
	prompt := &RuntimeInputPrompt{StepID: step.ID, StepName: step.Name, Request: req}
	run.mu.Lock()
	run.pendingInput = prompt
	run.mu.Unlock()
	run.setStatus(RunPaused)
	e.bus.Emit(run.ID, events.KindInputRequest, fmt.Sprintf("step %s requires additional inputs", step.Name), events.WithStep(step.ID))
	e.persist(run)

	for {
		select {
		case <-run.ctx.Done():
			return false
		case msg := <-run.ctrl:
			switch msg.kind {
			case ctrlInputs:
				if err := e.mergeRuntimeInputs(run, req, msg.values); err != nil {
					msg.reply <- err
					continue
				}
				msg.reply <- nil
				run.mu.Lock()
				run.pendingInput = nil
				run.mu.Unlock()
				run.setStatus(RunRunning)
				e.bus.Emit(run.ID, events.KindRunStatus, "run running", events.WithStep(step.ID))
				e.persist(run)
				return true
			case ctrlResume:
				msg.reply <- &errors.ValidationError{Field: "inputs", Message: "run is waiting for inputs, not paused"}
			default:
				e.handleCtrl(run, msg)
			}
		}
	}
}

func (e *Engine) mergeRuntimeInputs(run *Run, req *inputs.Request, values map[string]string) error {
	merged := preflight.CanonicalizeInputs(values)

	secrets := map[string]string{}
	for _, field := range req.Fields {
		val, ok := merged[field.Key]
		if !ok {
			if field.Required {
				return &errors.ValidationError{Field: field.Key, Message: "required input missing"}
			}
			continue
		}
		if field.Secret() {
			secrets[field.Key] = val
		}
	}
	if len(secrets) > 0 {
		if err := e.vault.Save(run.PipelineID, secrets); err != nil {
			return err
		}
	}

	run.mu.Lock()
	for key, val := range merged {
		run.resolved[key] = val
		if vault.IsSensitiveKey(key) {
			run.Inputs[key] = vault.SecureSentinel
		} else {
			run.Inputs[key] = val
		}
	}
	run.mu.Unlock()
	return nil
}

// awaitApprovals emits approval requests and parks the run until every
// pending approval resolves, rewriting gate results as decisions land.
func (e *Engine) awaitApprovals(run *Run, step pipeline.Step, output string, ev *gates.Evaluation) bool {
	pending := map[string]*Approval{}

	run.mu.Lock()
	for _, gate := range ev.PendingApprovals {
		approval := &Approval{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			GateID:    gate.ID,
			GateName:  gate.Name,
			StepID:    step.ID,
			StepName:  step.Name,
			Message:   gate.Message,
			Status:    ApprovalPending,
			CreatedAt: time.Now().UTC(),
		}
		run.approvals = append(run.approvals, approval)
		pending[approval.ID] = approval
	}
	run.mu.Unlock()

	run.setStatus(RunAwaitingApproval)
	e.bus.Emit(run.ID, events.KindApproval, fmt.Sprintf("step %s awaiting approval", step.Name), events.WithStep(step.ID))
	e.persist(run)

	for len(pending) > 0 {
		select {
		case <-run.ctx.Done():
			return false
		case msg := <-run.ctrl:
			if msg.kind != ctrlApprove {
				e.handleCtrl(run, msg)
				continue
			}
			approval, ok := pending[msg.approvalID]
			if !ok {
				msg.reply <- &errors.NotFoundError{Resource: "approval", ID: msg.approvalID}
				continue
			}

			resolved := time.Now().UTC()
			status := ApprovalRejected
			gateStatus := gates.StatusFail
			if msg.approved {
				status = ApprovalApproved
				gateStatus = gates.StatusPass
			}

			run.mu.Lock()
			approval.Status = status
			approval.Note = msg.note
			approval.ResolvedAt = &resolved
			run.mu.Unlock()

			for i := range ev.Results {
				if ev.Results[i].GateID == approval.GateID {
					ev.Results[i].Status = gateStatus
					ev.Results[i].Message = fmt.Sprintf("manual approval %s", status)
				}
			}
			delete(pending, msg.approvalID)
			msg.reply <- nil

			e.bus.Emit(run.ID, events.KindApproval, fmt.Sprintf("approval %s for gate %s", status, approval.GateName), events.WithStep(step.ID))
		}
	}

	ev.Outcome = gates.DeriveOutcome(output, ev.Results)
	run.setStatus(RunRunning)
	e.bus.Emit(run.ID, events.KindRunStatus, "run running", events.WithStep(step.ID))
	return true
}
