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

// Package preflight derives a SmartRunPlan from a pipeline snapshot and
// the current run inputs. Planning is deterministic: the same pipeline
// and inputs always yield a byte-identical plan.
package preflight

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fyreflow/fyreflow/internal/cron"
	"github.com/fyreflow/fyreflow/internal/vault"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

// FieldType classifies a run input for the editor's form rendering.
type FieldType string

const (
	FieldText      FieldType = "text"
	FieldMultiline FieldType = "multiline"
	FieldURL       FieldType = "url"
	FieldSecret    FieldType = "secret"
)

// Field is one run input the pipeline needs, in first-encounter order.
type Field struct {
	Key          string    `json:"key"`
	Label        string    `json:"label"`
	Type         FieldType `json:"type"`
	Required     bool      `json:"required"`
	Description  string    `json:"description,omitempty"`
	DefaultValue string    `json:"defaultValue,omitempty"`
}

// CheckStatus is a preflight check verdict.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// Check is one preflight verdict. Input checks use ids of the form
// "input:<key>"; pipeline-level checks use unprefixed ids.
type Check struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Message string      `json:"message"`
	Status  CheckStatus `json:"status"`
	Details string      `json:"details,omitempty"`
}

// Plan is the SmartRunPlan: the inputs a run needs plus the checks that
// must pass before a scheduled trigger fires.
type Plan struct {
	Fields []Field `json:"fields"`
	Checks []Check `json:"checks"`
}

// Failing reports whether any check is failing.
func (p Plan) Failing() bool {
	for _, c := range p.Checks {
		if c.Status == CheckFail {
			return true
		}
	}
	return false
}

// Blockers returns the failing checks that are not input checks. These
// block every run mode and scheduled triggers; missing inputs only block
// smart runs.
func (p Plan) Blockers() []Check {
	var out []Check
	for _, c := range p.Checks {
		if c.Status == CheckFail && !strings.HasPrefix(c.ID, "input:") {
			out = append(out, c)
		}
	}
	return out
}

// Options carries the environment the planner checks against.
type Options struct {
	Providers   map[string]pipeline.ProviderConfig
	MCPServers  []pipeline.MCPServerConfig
	StorageRoot string
}

var placeholderRe = regexp.MustCompile(`\{\{\s*input\.([A-Za-z0-9_.\-]+)\s*\}\}`)

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// aliases maps equivalent key spellings to one canonical form. The table
// is deliberately small and explicit; keys not listed here never merge.
var aliases = map[string]string{
	"figma_links":    "figma_link",
	"repository_url": "repo_url",
	"apikey":         "api_key",
}

// CanonicalKey normalizes a run-input key: trim, lowercase, punctuation
// to underscore, then the explicit alias table.
func CanonicalKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = nonAlnumRe.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if canonical, ok := aliases[k]; ok {
		return canonical
	}
	return k
}

// CanonicalizeInputs rewrites an inputs map onto canonical keys. When an
// alias collides with the canonical spelling, the canonical spelling wins;
// ties between aliases resolve in sorted key order.
func CanonicalizeInputs(inputs map[string]string) map[string]string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(inputs))
	for _, key := range keys {
		canonical := CanonicalKey(key)
		if _, exists := out[canonical]; exists {
			continue
		}
		out[canonical] = inputs[key]
	}
	for _, key := range keys {
		canonical := CanonicalKey(key)
		if key == canonical {
			out[canonical] = inputs[key]
		}
	}
	return out
}

// Signature identifies a pipeline+inputs combination for plan caching.
func Signature(pipelineID string, inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, CanonicalKey(k))
	}
	sort.Strings(keys)
	return pipelineID + "|" + strings.Join(keys, ",")
}

// occurrence records where a placeholder was found, which drives type
// inference and the required flag.
type occurrence struct {
	key       string
	required  bool
	multiline bool
	urlHint   bool
}

// BuildPlan derives the SmartRunPlan for a pipeline snapshot against the
// current (canonicalized, secret-merged) inputs.
func BuildPlan(p *pipeline.Pipeline, inputs map[string]string, opts Options) Plan {
	merged := CanonicalizeInputs(inputs)
	fields := collectFields(p)

	plan := Plan{Fields: fields}
	for _, f := range fields {
		if !f.Required {
			continue
		}
		plan.Checks = append(plan.Checks, inputCheck(f, merged))
	}
	plan.Checks = append(plan.Checks, pipelineChecks(p, opts)...)
	return plan
}

// collectFields scans prompts, context templates, and gate artifact paths
// in declared order and derives one field per distinct canonical key.
func collectFields(p *pipeline.Pipeline) []Field {
	var order []string
	byKey := map[string]*Field{}

	record := func(occ occurrence) {
		key := CanonicalKey(occ.key)
		f, seen := byKey[key]
		if !seen {
			f = &Field{Key: key, Label: labelFor(key), Type: FieldText}
			byKey[key] = f
			order = append(order, key)
		}
		if occ.required {
			f.Required = true
		}
		f.Type = mergeType(f.Type, inferType(key, occ))
	}

	for _, step := range p.Steps {
		for _, occ := range scanText(step.Prompt, true) {
			record(occ)
		}
		for _, occ := range scanText(step.ContextTemplate, false) {
			record(occ)
		}
	}
	for _, gate := range p.Gates {
		if gate.Kind != pipeline.GateArtifactExists {
			continue
		}
		for _, occ := range scanText(gate.ArtifactPath, true) {
			record(occ)
		}
	}

	fields := make([]Field, 0, len(order))
	for _, key := range order {
		fields = append(fields, *byKey[key])
	}
	return fields
}

// scanText finds placeholders in one template. required marks prompt and
// gate-path occurrences; context-template-only keys stay optional.
func scanText(text string, required bool) []occurrence {
	if text == "" {
		return nil
	}
	var out []occurrence
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(text, -1) {
		key := text[loc[2]:loc[3]]
		out = append(out, occurrence{
			key:       key,
			required:  required,
			multiline: placeholderAloneOnLine(text, loc[0], loc[1]),
			urlHint:   urlContext(text, loc[0]),
		})
	}
	return out
}

// placeholderAloneOnLine reports whether the placeholder is the only
// content on its line, the shape templates use for body blocks.
func placeholderAloneOnLine(text string, start, end int) bool {
	lineStart := strings.LastIndexByte(text[:start], '\n') + 1
	lineEnd := strings.IndexByte(text[end:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text)
	} else {
		lineEnd += end
	}
	before := strings.TrimSpace(text[lineStart:start])
	after := strings.TrimSpace(text[end:lineEnd])
	return before == "" && after == ""
}

// urlContext reports whether the text just before the placeholder reads
// like a URL position.
func urlContext(text string, start int) bool {
	windowStart := start - 40
	if windowStart < 0 {
		windowStart = 0
	}
	window := strings.ToLower(text[windowStart:start])
	return strings.Contains(window, "http://") || strings.Contains(window, "https://") ||
		strings.HasSuffix(strings.TrimSpace(window), "](")
}

func inferType(key string, occ occurrence) FieldType {
	switch {
	case vault.IsSensitiveKey(key):
		return FieldSecret
	case occ.urlHint || strings.Contains(key, "url") || strings.Contains(key, "link"):
		return FieldURL
	case occ.multiline:
		return FieldMultiline
	}
	return FieldText
}

// mergeType keeps the strongest inference seen so far:
// secret > url > multiline > text.
func mergeType(a, b FieldType) FieldType {
	rank := map[FieldType]int{FieldText: 0, FieldMultiline: 1, FieldURL: 2, FieldSecret: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func labelFor(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func inputCheck(f Field, inputs map[string]string) Check {
	check := Check{
		ID:    "input:" + f.Key,
		Title: f.Label,
	}
	val, present := inputs[f.Key]
	switch {
	case !present || strings.TrimSpace(val) == "":
		check.Status = CheckFail
		check.Message = fmt.Sprintf("required input %q is missing", f.Key)
	case val == vault.SecureSentinel:
		check.Status = CheckFail
		check.Message = fmt.Sprintf("secret input %q has no stored value", f.Key)
	default:
		check.Status = CheckPass
		check.Message = fmt.Sprintf("input %q provided", f.Key)
	}
	return check
}

func pipelineChecks(p *pipeline.Pipeline, opts Options) []Check {
	var checks []Check

	if p.Schedule != nil && p.Schedule.Enabled {
		checks = append(checks, scheduleCheck(p.Schedule))
	}

	for _, id := range referencedProviders(p) {
		checks = append(checks, providerCheck(id, opts.Providers))
	}

	for _, server := range opts.MCPServers {
		if !server.Enabled {
			continue
		}
		checks = append(checks, mcpCheck(server))
	}

	if opts.StorageRoot != "" {
		checks = append(checks, storageCheck(opts.StorageRoot))
	}
	return checks
}

func scheduleCheck(s *pipeline.Schedule) Check {
	check := Check{ID: "schedule:cron", Title: "Schedule"}
	if _, err := cron.Parse(s.Cron); err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("cron expression %q is invalid", s.Cron)
		check.Details = err.Error()
		return check
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("timezone %q is not a valid IANA zone", s.Timezone)
		check.Details = err.Error()
		return check
	}
	check.Status = CheckPass
	check.Message = fmt.Sprintf("cron %q valid in %s", s.Cron, s.Timezone)
	return check
}

// referencedProviders returns the distinct provider ids used by steps, in
// first-encounter order.
func referencedProviders(p *pipeline.Pipeline) []string {
	var order []string
	seen := map[string]bool{}
	for _, step := range p.Steps {
		id := step.Provider.ProviderID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	return order
}

func providerCheck(id string, providers map[string]pipeline.ProviderConfig) Check {
	check := Check{ID: "provider:" + id, Title: "Provider " + id}
	cfg, ok := providers[id]
	switch {
	case !ok:
		check.Status = CheckFail
		check.Message = fmt.Sprintf("provider %q is not configured", id)
	case !cfg.Authenticated():
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("provider %q has no credentials; runs will use simulated output", id)
	default:
		check.Status = CheckPass
		check.Message = fmt.Sprintf("provider %q authenticated", id)
	}
	return check
}

// mcpCheck validates configuration shape only. Actual reachability is a
// network property and would break plan determinism.
func mcpCheck(server pipeline.MCPServerConfig) Check {
	check := Check{ID: "mcp:" + server.ID, Title: "MCP server " + server.Name}
	if server.URL == "" {
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("MCP server %q has no URL configured", server.Name)
		return check
	}
	check.Status = CheckPass
	check.Message = fmt.Sprintf("MCP server %q configured", server.Name)
	return check
}

func storageCheck(root string) Check {
	check := Check{ID: "storage:root", Title: "Artifact storage"}
	info, err := os.Stat(root)
	switch {
	case err != nil:
		check.Status = CheckFail
		check.Message = fmt.Sprintf("storage root %q does not exist", root)
		check.Details = err.Error()
	case !info.IsDir():
		check.Status = CheckFail
		check.Message = fmt.Sprintf("storage root %q is not a directory", root)
	default:
		check.Status = CheckPass
		check.Message = fmt.Sprintf("storage root %q ready", root)
	}
	return check
}
