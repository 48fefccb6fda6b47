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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fferrors "github.com/fyreflow/fyreflow/pkg/errors"
)

func validPipeline() Pipeline {
	return Pipeline{
		ID:   "pipe-1",
		Name: "Release review",
		Steps: []Step{
			{
				ID:           "analyze",
				Name:         "Analyze",
				Role:         RoleAnalysis,
				Prompt:       "Analyze the task",
				Provider:     ProviderSelector{ProviderID: "anthropic"},
				OutputFormat: OutputMarkdown,
			},
			{
				ID:           "review",
				Name:         "Review",
				Role:         RoleReview,
				Prompt:       "Review the output",
				Provider:     ProviderSelector{ProviderID: "anthropic"},
				OutputFormat: OutputMarkdown,
			},
		},
		Links: []Link{
			{ID: "l1", SourceStepID: "analyze", TargetStepID: "review", Condition: LinkAlways},
		},
		Runtime: RuntimeConfig{MaxLoops: 2, MaxStepExecutions: 18, StageTimeoutMs: 60_000},
	}
}

func TestValidate_OK(t *testing.T) {
	p := validPipeline()
	require.NoError(t, p.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Pipeline)
		field   string
	}{
		{"short name", func(p *Pipeline) { p.Name = "x" }, "name"},
		{"long name", func(p *Pipeline) { p.Name = strings.Repeat("n", 121) }, "name"},
		{"no steps", func(p *Pipeline) { p.Steps = nil; p.Links = nil }, "steps"},
		{"duplicate step name", func(p *Pipeline) { p.Steps[1].Name = "Analyze" }, "steps[1].name"},
		{"duplicate step id", func(p *Pipeline) { p.Steps[1].ID = "analyze"; p.Links = nil }, "steps[1].id"},
		{"bad role", func(p *Pipeline) { p.Steps[0].Role = "wizard" }, "steps[0].role"},
		{"missing provider", func(p *Pipeline) { p.Steps[0].Provider.ProviderID = "" }, "steps[0].provider.providerId"},
		{"bad output format", func(p *Pipeline) { p.Steps[0].OutputFormat = "xml" }, "steps[0].outputFormat"},
		{"delegation count", func(p *Pipeline) { p.Steps[0].Delegation = true; p.Steps[0].DelegationCount = 9 }, "steps[0].delegationCount"},
		{"link unknown source", func(p *Pipeline) { p.Links[0].SourceStepID = "ghost" }, "links[0].sourceStepId"},
		{"link unknown target", func(p *Pipeline) { p.Links[0].TargetStepID = "ghost" }, "links[0].targetStepId"},
		{"self link", func(p *Pipeline) { p.Links[0].TargetStepID = "analyze" }, "links[0]"},
		{"bad condition", func(p *Pipeline) { p.Links[0].Condition = "maybe" }, "links[0].condition"},
		{"maxLoops range", func(p *Pipeline) { p.Runtime.MaxLoops = 13 }, "runtime.maxLoops"},
		{"maxStepExecutions range", func(p *Pipeline) { p.Runtime.MaxStepExecutions = 3 }, "runtime.maxStepExecutions"},
		{"stageTimeout range", func(p *Pipeline) { p.Runtime.StageTimeoutMs = 5000 }, "runtime.stageTimeoutMs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPipeline()
			tt.mutate(&p)

			err := p.Validate()
			require.Error(t, err)

			var valErr *fferrors.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tt.field, valErr.Field)
		})
	}
}

func TestValidate_Gates(t *testing.T) {
	p := validPipeline()
	p.Gates = []QualityGate{
		{ID: "g1", Name: "status", TargetStepID: "review", Kind: GateRegexMustMatch, Pattern: `WORKFLOW_STATUS\s*:\s*(PASS|FAIL)`, Flags: "i", Blocking: true},
		{ID: "g2", Name: "summary field", TargetStepID: GateTargetAny, Kind: GateJSONFieldExists, JSONPath: "summary"},
		{ID: "g3", Name: "report file", TargetStepID: "review", Kind: GateArtifactExists, ArtifactPath: "report.md"},
		{ID: "g4", Name: "sign off", TargetStepID: "review", Kind: GateManualApproval},
	}
	require.NoError(t, p.Validate())

	p.Gates[0].Pattern = "(unclosed"
	assert.Error(t, p.Validate())

	p = validPipeline()
	p.Gates = []QualityGate{{ID: "g1", Name: "bad", TargetStepID: "ghost", Kind: GateManualApproval}}
	assert.Error(t, p.Validate())

	p = validPipeline()
	p.Gates = []QualityGate{{ID: "g1", Name: "bad", TargetStepID: "review", Kind: "vibes"}}
	assert.Error(t, p.Validate())
}

func TestValidate_Schedule(t *testing.T) {
	p := validPipeline()
	p.Schedule = &Schedule{Enabled: true, Cron: "*/15 * * * *", Timezone: "UTC", RunMode: RunModeQuick}
	require.NoError(t, p.Validate())

	p.Schedule.Cron = "* * * *"
	assert.Error(t, p.Validate())

	p.Schedule.Cron = "*/15 * * * *"
	p.Schedule.Timezone = "Not/AZone"
	assert.Error(t, p.Validate())

	p.Schedule.Timezone = "UTC"
	p.Schedule.RunMode = "turbo"
	assert.Error(t, p.Validate())

	// Disabled schedules are not validated.
	p.Schedule = &Schedule{Enabled: false, Cron: "garbage"}
	require.NoError(t, p.Validate())
}

func TestCompileGatePattern(t *testing.T) {
	re, err := CompileGatePattern("pass", "i")
	require.NoError(t, err)
	assert.True(t, re.MatchString("PASS"))

	re, err = CompileGatePattern("^done$", "m")
	require.NoError(t, err)
	assert.True(t, re.MatchString("line1\ndone\nline2"))

	re, err = CompileGatePattern("a.b", "s")
	require.NoError(t, err)
	assert.True(t, re.MatchString("a\nb"))

	// The u flag is accepted but has no effect.
	_, err = CompileGatePattern("x", "u")
	require.NoError(t, err)

	_, err = CompileGatePattern("x", "g")
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	var r RuntimeConfig
	r.ApplyDefaults()
	assert.Equal(t, MaxLoopsDefault, r.MaxLoops)
	assert.Equal(t, MaxStepExecutionsDefault, r.MaxStepExecutions)
	assert.Equal(t, StageTimeoutMsDefault, r.StageTimeoutMs)

	// An explicit zero maxLoops survives when the other caps are set.
	r = RuntimeConfig{MaxLoops: 0, MaxStepExecutions: 20, StageTimeoutMs: 60_000}
	r.ApplyDefaults()
	assert.Equal(t, 0, r.MaxLoops)
}
