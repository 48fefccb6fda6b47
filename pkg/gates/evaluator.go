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

package gates

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/fyreflow/fyreflow/internal/storage"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

// Status is a single gate's verdict.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
)

// Outcome is the step-level verdict derived from markers and gate results.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeNeutral Outcome = "neutral"
	OutcomeUnknown Outcome = "unknown"
)

// Result records one gate's evaluation against a step's output.
type Result struct {
	GateID   string `json:"gateId"`
	GateName string `json:"gateName"`
	Status   Status `json:"status"`
	Blocking bool   `json:"blocking"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
}

// Input bundles everything one step's gate evaluation needs. Inputs holds
// the run-inputs map with secrets already decrypted; it is only consulted
// for artifact path substitution and never copied into results.
type Input struct {
	Step   pipeline.Step
	Output string
	Gates  []pipeline.QualityGate
	Paths  storage.Paths
	Inputs map[string]string
}

// Evaluation is the evaluator's verdict for one step execution.
// PendingApprovals lists the manual-approval gates that fired; the state
// machine turns them into ApprovalRequests and parks the run.
type Evaluation struct {
	Results          []Result
	Outcome          Outcome
	PendingApprovals []pipeline.QualityGate
}

var inputPlaceholderRe = regexp.MustCompile(`\{\{\s*input\.([A-Za-z0-9_.\-]+)\s*\}\}`)

// fencedJSONRe captures fenced code blocks so json_field_exists gates can
// find JSON embedded in markdown output.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// Evaluate normalizes the output, applies every gate targeting the step,
// and derives the workflow outcome.
func Evaluate(in Input) Evaluation {
	normalized := Normalize(in.Output)

	var ev Evaluation
	for _, gate := range in.Gates {
		if !gate.Targets(in.Step.ID) {
			continue
		}
		res := evaluateGate(gate, in, normalized)
		if gate.Kind == pipeline.GateManualApproval {
			ev.PendingApprovals = append(ev.PendingApprovals, gate)
		}
		ev.Results = append(ev.Results, res)
	}

	ev.Outcome = deriveOutcome(normalized, ev.Results)
	return ev
}

func evaluateGate(gate pipeline.QualityGate, in Input, normalized string) Result {
	res := Result{
		GateID:   gate.ID,
		GateName: gate.Name,
		Blocking: gate.Blocking,
	}

	switch gate.Kind {
	case pipeline.GateRegexMustMatch, pipeline.GateRegexMustNotMatch:
		re, err := pipeline.CompileGatePattern(gate.Pattern, gate.Flags)
		if err != nil {
			res.Status = StatusFail
			res.Message = "gate pattern does not compile"
			res.Details = err.Error()
			return res
		}
		matched := re.MatchString(normalized)
		wantMatch := gate.Kind == pipeline.GateRegexMustMatch
		if matched == wantMatch {
			res.Status = StatusPass
			res.Message = messageOr(gate, "output matches expectations")
		} else {
			res.Status = StatusFail
			res.Message = messageOr(gate, fmt.Sprintf("pattern %q %s", gate.Pattern, matchVerb(wantMatch)))
		}

	case pipeline.GateJSONFieldExists:
		present, detail := jsonFieldPresent(in.Step, in.Output, gate.JSONPath)
		if present {
			res.Status = StatusPass
			res.Message = messageOr(gate, fmt.Sprintf("field %s present", gate.JSONPath))
		} else {
			res.Status = StatusFail
			res.Message = messageOr(gate, fmt.Sprintf("field %s missing from output", gate.JSONPath))
			res.Details = detail
		}

	case pipeline.GateArtifactExists:
		path := substituteInputs(gate.ArtifactPath, in.Inputs)
		if found, ok := in.Paths.Find(path); ok {
			res.Status = StatusPass
			res.Message = messageOr(gate, fmt.Sprintf("artifact %s exists", path))
			res.Details = found
		} else {
			res.Status = StatusFail
			res.Message = messageOr(gate, fmt.Sprintf("artifact %s not found in run storage", path))
		}

	case pipeline.GateManualApproval:
		res.Status = StatusWarn
		res.Message = messageOr(gate, "awaiting manual approval")

	default:
		res.Status = StatusFail
		res.Message = fmt.Sprintf("unknown gate kind %q", gate.Kind)
	}

	return res
}

func matchVerb(wantMatch bool) string {
	if wantMatch {
		return "did not match"
	}
	return "matched but must not"
}

// messageOr prefers the gate's author-supplied message.
func messageOr(gate pipeline.QualityGate, fallback string) string {
	if gate.Message != "" {
		return gate.Message
	}
	return fallback
}

// substituteInputs resolves {{input.<key>}} placeholders against the run
// inputs. Unknown keys substitute to the empty string so a missing input
// surfaces as a missing artifact rather than a literal placeholder path.
func substituteInputs(path string, inputs map[string]string) string {
	return inputPlaceholderRe.ReplaceAllStringFunc(path, func(m string) string {
		key := inputPlaceholderRe.FindStringSubmatch(m)[1]
		return inputs[key]
	})
}

// jsonFieldPresent parses the step output and checks the dot/bracket path
// for a non-null value. Markdown outputs get a fenced-JSON extraction pass
// before the gate fails.
func jsonFieldPresent(step pipeline.Step, output, jsonPath string) (bool, string) {
	doc, err := parseJSONOutput(step, output)
	if err != nil {
		return false, err.Error()
	}

	query := jsonPath
	if !strings.HasPrefix(query, ".") {
		query = "." + query
	}
	q, err := gojq.Parse(query)
	if err != nil {
		return false, fmt.Sprintf("invalid jsonPath %q: %v", jsonPath, err)
	}

	iter := q.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return false, ""
	}
	if err, isErr := v.(error); isErr {
		return false, err.Error()
	}
	return v != nil, ""
}

func parseJSONOutput(step pipeline.Step, output string) (any, error) {
	var doc any
	trimmed := strings.TrimSpace(output)
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		return doc, nil
	}

	for _, block := range fencedJSONRe.FindAllStringSubmatch(output, -1) {
		if err := json.Unmarshal([]byte(strings.TrimSpace(block[1])), &doc); err == nil {
			return doc, nil
		}
	}
	if step.OutputFormat == pipeline.OutputJSON {
		return nil, fmt.Errorf("output is not valid JSON")
	}
	return nil, fmt.Errorf("no JSON document found in output")
}

// DeriveOutcome re-derives a step's workflow outcome after its gate
// results change, such as when a manual approval resolves.
func DeriveOutcome(output string, results []Result) Outcome {
	return deriveOutcome(Normalize(output), results)
}

// deriveOutcome infers the step-level workflow outcome from the dominant
// status marker and the blocking gate results.
func deriveOutcome(normalized string, results []Result) Outcome {
	blockingFailed := false
	for _, r := range results {
		if r.Blocking && r.Status == StatusFail {
			blockingFailed = true
			break
		}
	}

	token, hasMarker := MarkerToken(normalized)
	switch {
	case blockingFailed || (hasMarker && token == "FAIL"):
		return OutcomeFail
	case hasMarker && token == "PASS":
		return OutcomePass
	case hasMarker && token == "NEUTRAL":
		return OutcomeNeutral
	}
	return OutcomeUnknown
}
