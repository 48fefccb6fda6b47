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

// Package pipeline defines the persisted pipeline model: steps, links,
// quality gates, runtime caps, and schedules.
package pipeline

// Role classifies a step's function in the workflow graph.
type Role string

const (
	RoleAnalysis     Role = "analysis"
	RolePlanner      Role = "planner"
	RoleOrchestrator Role = "orchestrator"
	RoleExecutor     Role = "executor"
	RoleTester       Role = "tester"
	RoleReview       Role = "review"
)

// Roles lists all valid step roles.
var Roles = []Role{RoleAnalysis, RolePlanner, RoleOrchestrator, RoleExecutor, RoleTester, RoleReview}

// OutputFormat declares the contract for a step's output.
type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
)

// LinkCondition drives next-step selection in the run state machine.
type LinkCondition string

const (
	LinkAlways LinkCondition = "always"
	LinkOnPass LinkCondition = "on_pass"
	LinkOnFail LinkCondition = "on_fail"
)

// GateKind identifies a quality gate's check type.
type GateKind string

const (
	GateRegexMustMatch    GateKind = "regex_must_match"
	GateRegexMustNotMatch GateKind = "regex_must_not_match"
	GateJSONFieldExists   GateKind = "json_field_exists"
	GateArtifactExists    GateKind = "artifact_exists"
	GateManualApproval    GateKind = "manual_approval"
)

// GateTargetAny is the sentinel targetStepId matching every step.
const GateTargetAny = "any_step"

// RunMode selects how much preflight enforcement a run gets.
type RunMode string

const (
	// RunModeSmart enforces preflight required inputs before starting.
	RunModeSmart RunMode = "smart"
	// RunModeQuick skips user-input collection but still runs non-input
	// preflight checks.
	RunModeQuick RunMode = "quick"
)

// Runtime cap bounds and defaults, enforced by the state machine.
const (
	MaxLoopsMin     = 0
	MaxLoopsMax     = 12
	MaxLoopsDefault = 2

	MaxStepExecutionsMin     = 4
	MaxStepExecutionsMax     = 120
	MaxStepExecutionsDefault = 18

	StageTimeoutMsMin     = 10_000
	StageTimeoutMsMax     = 1_200_000
	StageTimeoutMsDefault = 300_000
)

// Pipeline is a directed graph of LLM-powered steps with typed links,
// quality gates, runtime caps, and an optional schedule.
type Pipeline struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Steps    []Step        `json:"steps"`
	Links    []Link        `json:"links,omitempty"`
	Gates    []QualityGate `json:"gates,omitempty"`
	Runtime  RuntimeConfig `json:"runtime"`
	Schedule *Schedule     `json:"schedule,omitempty"`
}

// Step is a unit of the graph invoking one provider call.
type Step struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Prompt string `json:"prompt"`

	Provider ProviderSelector `json:"provider"`

	// ContextTemplate may contain the placeholders {{task}},
	// {{previous_output}}, {{incoming_outputs}}, {{all_outputs}},
	// {{input.<key>}}, and {{run_inputs}}.
	ContextTemplate string `json:"contextTemplate,omitempty"`

	Delegation      bool `json:"delegation,omitempty"`
	DelegationCount int  `json:"delegationCount,omitempty"`

	IsolatedStorage bool `json:"isolatedStorage,omitempty"`
	SharedStorage   bool `json:"sharedStorage,omitempty"`

	MCPServerIDs []string `json:"mcpServerIds,omitempty"`

	OutputFormat OutputFormat `json:"outputFormat"`

	// Output contract
	RequiredFields []string `json:"requiredFields,omitempty"`
	RequiredFiles  []string `json:"requiredFiles,omitempty"`
}

// ProviderSelector identifies the provider and model a step runs against.
type ProviderSelector struct {
	ProviderID          string `json:"providerId"`
	Model               string `json:"model,omitempty"`
	ReasoningEffort     string `json:"reasoningEffort,omitempty"`
	FastMode            bool   `json:"fastMode,omitempty"`
	LongContext         bool   `json:"longContext,omitempty"`
	ContextWindowTokens int    `json:"contextWindowTokens,omitempty"`
}

// Link is a conditional edge between steps. Steps are referenced by id only.
type Link struct {
	ID           string        `json:"id"`
	SourceStepID string        `json:"sourceStepId"`
	TargetStepID string        `json:"targetStepId"`
	Condition    LinkCondition `json:"condition"`
}

// QualityGate is a declarative check on a step's output; blocking gates
// force the step to fail absent remediation.
type QualityGate struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	TargetStepID string   `json:"targetStepId"`
	Kind         GateKind `json:"kind"`
	Blocking     bool     `json:"blocking,omitempty"`

	// Kind-specific parameters
	Pattern      string `json:"pattern,omitempty"`
	Flags        string `json:"flags,omitempty"`
	JSONPath     string `json:"jsonPath,omitempty"`
	ArtifactPath string `json:"artifactPath,omitempty"`

	Message string `json:"message,omitempty"`
}

// Targets reports whether the gate applies to the given step.
func (g QualityGate) Targets(stepID string) bool {
	return g.TargetStepID == stepID || g.TargetStepID == GateTargetAny
}

// RuntimeConfig bounds a run's execution.
type RuntimeConfig struct {
	MaxLoops          int `json:"maxLoops"`
	MaxStepExecutions int `json:"maxStepExecutions"`
	StageTimeoutMs    int `json:"stageTimeoutMs"`
}

// ApplyDefaults fills an unset config with the documented defaults.
// maxLoops 0 is a legal explicit value (no remediation loops), so defaults
// only apply when the other caps are unset too.
func (r *RuntimeConfig) ApplyDefaults() {
	if r.MaxStepExecutions == 0 && r.StageTimeoutMs == 0 {
		if r.MaxLoops == 0 {
			r.MaxLoops = MaxLoopsDefault
		}
	}
	if r.MaxStepExecutions == 0 {
		r.MaxStepExecutions = MaxStepExecutionsDefault
	}
	if r.StageTimeoutMs == 0 {
		r.StageTimeoutMs = StageTimeoutMsDefault
	}
}

// Schedule configures cron-driven runs for a pipeline.
type Schedule struct {
	Enabled  bool              `json:"enabled"`
	Cron     string            `json:"cron,omitempty"`
	Timezone string            `json:"timezone,omitempty"`
	Task     string            `json:"task,omitempty"`
	RunMode  RunMode           `json:"runMode,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

// StepByID returns the step with the given id, if present.
func (p *Pipeline) StepByID(id string) (Step, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

// EntrySteps returns steps with no inbound links, in declared order.
// Declared order encodes the editor's visual-y then insertion ordering.
func (p *Pipeline) EntrySteps() []Step {
	// Remediation (on_fail) links form loops back to earlier steps and do
	// not make their target a non-entry.
	inbound := make(map[string]bool)
	for _, link := range p.Links {
		if link.Condition != LinkOnFail {
			inbound[link.TargetStepID] = true
		}
	}

	var entries []Step
	for _, step := range p.Steps {
		if !inbound[step.ID] {
			entries = append(entries, step)
		}
	}
	if len(entries) == 0 && len(p.Steps) > 0 {
		// Fully cyclic graph: start from the first declared step.
		entries = append(entries, p.Steps[0])
	}
	return entries
}

// OutboundLinks returns links whose source is the given step, in declared order.
func (p *Pipeline) OutboundLinks(stepID string) []Link {
	var out []Link
	for _, link := range p.Links {
		if link.SourceStepID == stepID {
			out = append(out, link)
		}
	}
	return out
}

// InboundLinks returns links whose target is the given step, in declared order.
func (p *Pipeline) InboundLinks(stepID string) []Link {
	var in []Link
	for _, link := range p.Links {
		if link.TargetStepID == stepID {
			in = append(in, link)
		}
	}
	return in
}

// GatesFor returns the gates targeting a step (specific id or any_step),
// in declared order.
func (p *Pipeline) GatesFor(stepID string) []QualityGate {
	var gates []QualityGate
	for _, gate := range p.Gates {
		if gate.Targets(stepID) {
			gates = append(gates, gate)
		}
	}
	return gates
}

// Clone returns a deep copy of the pipeline, used for run snapshots so a
// run is isolated from subsequent pipeline edits.
func (p *Pipeline) Clone() Pipeline {
	clone := *p

	clone.Steps = make([]Step, len(p.Steps))
	copy(clone.Steps, p.Steps)
	for i, step := range clone.Steps {
		clone.Steps[i].MCPServerIDs = append([]string(nil), step.MCPServerIDs...)
		clone.Steps[i].RequiredFields = append([]string(nil), step.RequiredFields...)
		clone.Steps[i].RequiredFiles = append([]string(nil), step.RequiredFiles...)
	}

	clone.Links = append([]Link(nil), p.Links...)
	clone.Gates = append([]QualityGate(nil), p.Gates...)

	if p.Schedule != nil {
		sched := *p.Schedule
		sched.Inputs = make(map[string]string, len(p.Schedule.Inputs))
		for k, v := range p.Schedule.Inputs {
			sched.Inputs[k] = v
		}
		clone.Schedule = &sched
	}

	return clone
}
