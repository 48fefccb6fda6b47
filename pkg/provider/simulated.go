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

package provider

import (
	"context"
	"fmt"
)

// Simulated is the fallback used when a provider is not configured or its
// CLI/auth is missing. Its output always carries the simulated sentinel so
// callers classify the run as unauthenticated rather than trusting the
// placeholder text.
type Simulated struct{}

// Execute returns sentinel-prefixed placeholder output for the step.
func (Simulated) Execute(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	providerID := req.Step.Provider.ProviderID
	if providerID == "" {
		providerID = "unknown"
	}

	if req.OutputMode == OutputModeJSON {
		return fmt.Sprintf("%s%s output] {\"step\": %q, \"task\": %q}",
			SimulatedPrefix, providerID, req.Step.Name, req.Task), nil
	}
	return fmt.Sprintf("%s%s output] step %s is not authenticated; configure credentials for provider %s",
		SimulatedPrefix, providerID, req.Step.Name, providerID), nil
}
