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
	"regexp"
	"sort"
	"strings"

	"github.com/fyreflow/fyreflow/internal/preflight"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

var inputPlaceholderRe = regexp.MustCompile(`\{\{\s*input\.([A-Za-z0-9_.\-]+)\s*\}\}`)

// substitute resolves template placeholders for one step dispatch. Secret
// inputs substitute their decrypted value here and nowhere else; the
// resulting string goes only to the provider, never to logs or events.
func (e *Engine) substitute(run *Run, step pipeline.Step, text string, st *dispatchState) string {
	if text == "" {
		return ""
	}

	out := strings.ReplaceAll(text, "{{task}}", run.Task)
	out = strings.ReplaceAll(out, "{{previous_output}}", st.prevOutput)
	if strings.Contains(out, "{{incoming_outputs}}") {
		out = strings.ReplaceAll(out, "{{incoming_outputs}}", e.incomingOutputs(run, step, st))
	}
	if strings.Contains(out, "{{all_outputs}}") {
		out = strings.ReplaceAll(out, "{{all_outputs}}", e.allOutputs(run, st))
	}
	if strings.Contains(out, "{{run_inputs}}") {
		out = strings.ReplaceAll(out, "{{run_inputs}}", renderInputs(run))
	}

	resolved := run.resolvedInputs()
	out = inputPlaceholderRe.ReplaceAllStringFunc(out, func(m string) string {
		key := preflight.CanonicalKey(inputPlaceholderRe.FindStringSubmatch(m)[1])
		if val, ok := resolved[key]; ok {
			return val
		}
		return ""
	})
	return out
}

// incomingOutputs renders the outputs of the step's immediate upstream
// steps, keyed by link source, in declared link order.
func (e *Engine) incomingOutputs(run *Run, step pipeline.Step, st *dispatchState) string {
	var sections []string
	seen := map[string]bool{}
	for _, link := range run.Pipeline.InboundLinks(step.ID) {
		source := link.SourceStepID
		if seen[source] {
			continue
		}
		seen[source] = true
		output, ok := st.outputs[source]
		if !ok {
			continue
		}
		sections = append(sections, renderSection(run, source, output))
	}
	return strings.Join(sections, "\n\n")
}

// allOutputs renders every prior output in execution order.
func (e *Engine) allOutputs(run *Run, st *dispatchState) string {
	var sections []string
	for _, stepID := range st.order {
		sections = append(sections, renderSection(run, stepID, st.outputs[stepID]))
	}
	return strings.Join(sections, "\n\n")
}

func renderSection(run *Run, stepID, output string) string {
	name := stepID
	if step, ok := run.Pipeline.StepByID(stepID); ok {
		name = step.Name
	}
	return "## " + name + "\n" + output
}

// renderInputs renders the run-inputs map for bulk substitution, using
// the same resolved values as {{input.<key>}}. The rendered string goes
// only to the provider; masking applies to logs, events and snapshots,
// not to provider-bound text.
func renderInputs(run *Run) string {
	resolved := run.resolvedInputs()

	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		lines = append(lines, k+": "+resolved[k])
	}
	return strings.Join(lines, "\n")
}
