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
	"fmt"
	"regexp"
	"time"

	"github.com/fyreflow/fyreflow/internal/cron"
	"github.com/fyreflow/fyreflow/pkg/errors"
)

// Validate checks the pipeline against the model invariants. It is called
// on every write; validation errors never reach a run.
func (p *Pipeline) Validate() error {
	if len(p.Name) < 2 || len(p.Name) > 120 {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("name must be 2-120 characters, got %d", len(p.Name)),
			Suggestion: "choose a short descriptive name",
		}
	}

	if len(p.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "pipeline must have at least one step"}
	}

	stepIDs := make(map[string]bool, len(p.Steps))
	stepNames := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
		if stepIDs[step.ID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].id", i),
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		if stepNames[step.Name] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("step name %q is not unique within the pipeline", step.Name),
			}
		}
		stepIDs[step.ID] = true
		stepNames[step.Name] = true
	}

	for i, link := range p.Links {
		if !stepIDs[link.SourceStepID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("links[%d].sourceStepId", i),
				Message: fmt.Sprintf("unknown step %q", link.SourceStepID),
			}
		}
		if !stepIDs[link.TargetStepID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("links[%d].targetStepId", i),
				Message: fmt.Sprintf("unknown step %q", link.TargetStepID),
			}
		}
		if link.SourceStepID == link.TargetStepID {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("links[%d]", i),
				Message: "link source and target must differ",
			}
		}
		switch link.Condition {
		case LinkAlways, LinkOnPass, LinkOnFail:
		default:
			return &errors.ValidationError{
				Field:      fmt.Sprintf("links[%d].condition", i),
				Message:    fmt.Sprintf("unknown condition %q", link.Condition),
				Suggestion: "use always, on_pass, or on_fail",
			}
		}
	}

	for i, gate := range p.Gates {
		if err := validateGate(i, gate, stepIDs); err != nil {
			return err
		}
	}

	if err := validateRuntime(p.Runtime); err != nil {
		return err
	}

	if p.Schedule != nil && p.Schedule.Enabled {
		if err := ValidateSchedule(p.Schedule); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(i int, step Step) error {
	if step.ID == "" {
		return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Message: "step id is required"}
	}
	if step.Name == "" {
		return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Message: "step name is required"}
	}

	valid := false
	for _, role := range Roles {
		if step.Role == role {
			valid = true
			break
		}
	}
	if !valid {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps[%d].role", i),
			Message:    fmt.Sprintf("unknown role %q", step.Role),
			Suggestion: "use analysis, planner, orchestrator, executor, tester, or review",
		}
	}

	if step.Provider.ProviderID == "" {
		return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].provider.providerId", i), Message: "provider id is required"}
	}

	if step.Delegation && (step.DelegationCount < 1 || step.DelegationCount > 8) {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps[%d].delegationCount", i),
			Message: fmt.Sprintf("delegation count must be 1-8, got %d", step.DelegationCount),
		}
	}

	switch step.OutputFormat {
	case OutputMarkdown, OutputJSON:
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps[%d].outputFormat", i),
			Message:    fmt.Sprintf("unknown output format %q", step.OutputFormat),
			Suggestion: "use markdown or json",
		}
	}

	return nil
}

func validateGate(i int, gate QualityGate, stepIDs map[string]bool) error {
	if gate.TargetStepID != GateTargetAny && !stepIDs[gate.TargetStepID] {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("gates[%d].targetStepId", i),
			Message:    fmt.Sprintf("unknown step %q", gate.TargetStepID),
			Suggestion: fmt.Sprintf("use a step id or %q", GateTargetAny),
		}
	}

	switch gate.Kind {
	case GateRegexMustMatch, GateRegexMustNotMatch:
		if gate.Pattern == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("gates[%d].pattern", i), Message: "regex gates require a pattern"}
		}
		if _, err := CompileGatePattern(gate.Pattern, gate.Flags); err != nil {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("gates[%d].pattern", i),
				Message: fmt.Sprintf("invalid pattern: %v", err),
			}
		}
	case GateJSONFieldExists:
		if gate.JSONPath == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("gates[%d].jsonPath", i), Message: "json_field_exists gates require a jsonPath"}
		}
	case GateArtifactExists:
		if gate.ArtifactPath == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("gates[%d].artifactPath", i), Message: "artifact_exists gates require an artifactPath"}
		}
	case GateManualApproval:
	default:
		return &errors.ValidationError{
			Field:   fmt.Sprintf("gates[%d].kind", i),
			Message: fmt.Sprintf("unknown gate kind %q", gate.Kind),
		}
	}

	return nil
}

func validateRuntime(r RuntimeConfig) error {
	if r.MaxLoops < MaxLoopsMin || r.MaxLoops > MaxLoopsMax {
		return &errors.ValidationError{
			Field:   "runtime.maxLoops",
			Message: fmt.Sprintf("maxLoops must be %d-%d, got %d", MaxLoopsMin, MaxLoopsMax, r.MaxLoops),
		}
	}
	if r.MaxStepExecutions < MaxStepExecutionsMin || r.MaxStepExecutions > MaxStepExecutionsMax {
		return &errors.ValidationError{
			Field:   "runtime.maxStepExecutions",
			Message: fmt.Sprintf("maxStepExecutions must be %d-%d, got %d", MaxStepExecutionsMin, MaxStepExecutionsMax, r.MaxStepExecutions),
		}
	}
	if r.StageTimeoutMs < StageTimeoutMsMin || r.StageTimeoutMs > StageTimeoutMsMax {
		return &errors.ValidationError{
			Field:   "runtime.stageTimeoutMs",
			Message: fmt.Sprintf("stageTimeoutMs must be %d-%d, got %d", StageTimeoutMsMin, StageTimeoutMsMax, r.StageTimeoutMs),
		}
	}
	return nil
}

// ValidateSchedule checks an enabled schedule: a 5-field cron expression
// and an IANA timezone validated against the platform zone database.
func ValidateSchedule(s *Schedule) error {
	if _, err := cron.Parse(s.Cron); err != nil {
		return &errors.ValidationError{
			Field:      "schedule.cron",
			Message:    fmt.Sprintf("invalid cron expression %q: %v", s.Cron, err),
			Suggestion: "use the standard 5-field format: minute hour day-of-month month day-of-week",
		}
	}

	if s.Timezone == "" {
		return &errors.ValidationError{
			Field:      "schedule.timezone",
			Message:    "timezone is required for enabled schedules",
			Suggestion: "use an IANA zone name such as UTC or Europe/London",
		}
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return &errors.ValidationError{
			Field:   "schedule.timezone",
			Message: fmt.Sprintf("unknown timezone %q", s.Timezone),
		}
	}

	switch s.RunMode {
	case RunModeSmart, RunModeQuick, "":
	default:
		return &errors.ValidationError{
			Field:      "schedule.runMode",
			Message:    fmt.Sprintf("unknown run mode %q", s.RunMode),
			Suggestion: "use smart or quick",
		}
	}

	return nil
}

// CompileGatePattern compiles a gate pattern with its flags (i, m, s, u).
// The u flag is accepted for compatibility; Go regexes are Unicode-aware
// already.
func CompileGatePattern(pattern, flags string) (*regexp.Regexp, error) {
	var prefix string
	for _, flag := range flags {
		switch flag {
		case 'i', 'm', 's':
			prefix += string(flag)
		case 'u':
			// no-op
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", string(flag))
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}
