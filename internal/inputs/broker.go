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

// Package inputs detects runtime "I need more inputs" requests in step
// output and brokers the pause/resume protocol around them.
package inputs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fyreflow/fyreflow/internal/preflight"
	"github.com/fyreflow/fyreflow/internal/vault"
)

// Field is one input a step asks for at runtime. Shape matches the
// preflight field contract so the editor renders both with one form.
type Field struct {
	Key          string `json:"key"`
	Label        string `json:"label"`
	Type         string `json:"type"`
	Required     bool   `json:"required"`
	Description  string `json:"description,omitempty"`
	DefaultValue string `json:"defaultValue,omitempty"`
}

// Secret reports whether the field's value must go to the vault.
func (f Field) Secret() bool {
	return f.Type == "secret" || vault.IsSensitiveKey(f.Key)
}

// Request is a parsed runtime input request.
type Request struct {
	Summary  string   `json:"summary"`
	Fields   []Field  `json:"fields"`
	Blockers []string `json:"blockers,omitempty"`
}

// Keys returns the request's canonical field keys, sorted.
func (r *Request) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		keys = append(keys, preflight.CanonicalKey(f.Key))
	}
	sort.Strings(keys)
	return keys
}

// fencedBlockRe captures fenced code blocks with their info string so the
// parser can prefer blocks tagged input-request.
var fencedBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_-]*)[ \t]*\\n(.*?)```")

var inputHeadingRe = regexp.MustCompile(`(?im)^#{1,6}\s*input[ _-]request\b`)

// Parse scans step output for an input request and returns nil when none
// is present. The parser is lenient: it tolerates surrounding prose and
// accepts either a block fenced as input-request or a JSON block under an
// input-request heading.
func Parse(output string) *Request {
	if output == "" {
		return nil
	}

	matches := fencedBlockRe.FindAllStringSubmatch(output, -1)
	indices := fencedBlockRe.FindAllStringIndex(output, -1)
	headingOffsets := inputHeadingRe.FindAllStringIndex(output, -1)

	for i, m := range matches {
		tag := strings.ToLower(m[1])
		body := strings.TrimSpace(m[2])

		switch tag {
		case "input-request", "input_request":
			if req := decodeRequest(body); req != nil {
				return req
			}
		case "", "json":
			if !followsHeading(headingOffsets, indices[i][0]) {
				continue
			}
			if req := decodeRequest(body); req != nil {
				return req
			}
		}
	}
	return nil
}

// followsHeading reports whether an input-request heading precedes the
// block within a short span of prose.
func followsHeading(headings [][]int, blockStart int) bool {
	for _, h := range headings {
		if h[1] <= blockStart && blockStart-h[1] < 400 {
			return true
		}
	}
	return false
}

func decodeRequest(body string) *Request {
	var req Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil
	}

	valid := req.Fields[:0]
	for _, f := range req.Fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		f.Key = preflight.CanonicalKey(f.Key)
		if f.Label == "" {
			f.Label = f.Key
		}
		if f.Type == "" {
			f.Type = "text"
		}
		valid = append(valid, f)
	}
	req.Fields = valid
	if len(req.Fields) == 0 {
		return nil
	}
	return &req
}

// Signature identifies a request for deduplication. Identical requests
// from the same step attempt must not re-prompt the user.
func Signature(runID, stepID string, attempt int, req *Request) string {
	return fmt.Sprintf("%s|%s|%d|%s", runID, stepID, attempt, strings.Join(req.Keys(), ","))
}

// Broker deduplicates runtime input requests across a daemon's runs.
type Broker struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{seen: make(map[string]bool)}
}

// Detect parses output and returns the request if it has not been seen
// for this run/step/attempt before. Returns nil for absent output blocks
// and for duplicates.
func (b *Broker) Detect(runID, stepID string, attempt int, output string) *Request {
	req := Parse(output)
	if req == nil {
		return nil
	}

	sig := Signature(runID, stepID, attempt, req)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen[sig] {
		return nil
	}
	b.seen[sig] = true
	return req
}

// Forget drops a run's dedupe state once the run terminates.
func (b *Broker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sig := range b.seen {
		if strings.HasPrefix(sig, runID+"|") {
			delete(b.seen, sig)
		}
	}
}
