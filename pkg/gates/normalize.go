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

// Package gates evaluates quality gates against step output and derives
// the step's workflow outcome.
package gates

import (
	"regexp"
	"strings"

	"github.com/fyreflow/fyreflow/internal/featureflags"
)

// markerRe matches a status marker with optional markdown decorations
// around the token, e.g. `workflow_status: **pass**`. Namespace and token
// are matched case-insensitively; normalization rewrites both to upper
// case so gate patterns written against the canonical form match.
var markerRe = regexp.MustCompile("(?i)\\b([A-Z][A-Z0-9_]*_STATUS)\\s*:\\s*[*_~`]*\\s*(PASS|FAIL|NEUTRAL|COMPLETE)\\b[*_~`]*")

// strictMarkerRe recognizes only the canonical marker form. It runs after
// normalization, or directly on raw output when the legacy behavior is
// disabled.
var strictMarkerRe = regexp.MustCompile(`\b([A-Z][A-Z0-9_]*_STATUS)\s*:\s*(PASS|FAIL|NEUTRAL)\b`)

// Normalize rewrites status markers to their canonical form:
// decorations stripped, namespace and token upper-cased, COMPLETE
// aliased to PASS. The rewrite is idempotent. When the legacy regex
// gates flag is off the output is returned unchanged.
func Normalize(output string) string {
	if !featureflags.Get().IsLegacyRegexGatesEnabled() {
		return output
	}
	return markerRe.ReplaceAllStringFunc(output, func(m string) string {
		sub := markerRe.FindStringSubmatch(m)
		namespace := strings.ToUpper(sub[1])
		token := strings.ToUpper(sub[2])
		if token == "COMPLETE" {
			token = "PASS"
		}
		return namespace + ": " + token
	})
}

// MarkerToken scans normalized output for recognized status markers and
// returns the dominant token. FAIL dominates PASS dominates NEUTRAL when
// several markers appear. The second return is false when no marker is
// present.
func MarkerToken(normalized string) (string, bool) {
	var sawPass, sawFail, sawNeutral bool
	for _, m := range strictMarkerRe.FindAllStringSubmatch(normalized, -1) {
		switch m[2] {
		case "FAIL":
			sawFail = true
		case "PASS":
			sawPass = true
		case "NEUTRAL":
			sawNeutral = true
		}
	}
	switch {
	case sawFail:
		return "FAIL", true
	case sawPass:
		return "PASS", true
	case sawNeutral:
		return "NEUTRAL", true
	}
	return "", false
}
