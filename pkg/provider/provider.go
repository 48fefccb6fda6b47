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

// Package provider defines the step execution boundary against external
// LLM providers. The executor is pure with respect to the core's state;
// concurrency across steps is the run state machine's responsibility.
package provider

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

// OutputMode requests plain text or JSON-shaped output from the provider.
type OutputMode string

const (
	OutputModeText OutputMode = "text"
	OutputModeJSON OutputMode = "json"
)

// SimulatedPrefix marks output produced without provider credentials.
// Callers treat it as an authentication failure.
const SimulatedPrefix = "[Simulated "

// IsSimulated reports whether output carries the unauthenticated sentinel.
func IsSimulated(output string) bool {
	return strings.HasPrefix(output, SimulatedPrefix)
}

// Request carries everything a provider needs for one step execution.
// Context is the fully-substituted context string; no placeholder
// resolution happens past this boundary.
type Request struct {
	Config     pipeline.ProviderConfig
	Step       pipeline.Step
	Task       string
	Context    string
	OutputMode OutputMode
}

// Provider executes a single step and returns its raw textual output.
// Implementations must honor context cancellation mid-call.
type Provider interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// Registry dispatches requests to registered providers with a per-provider
// rate limit. Unknown providers fall back to the simulated provider so a
// pipeline authored against an unconfigured backend still produces output
// the run can classify.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter

	limit rate.Limit
	burst int
}

// NewRegistry creates a Registry limiting each provider to rps requests
// per second with the given burst.
func NewRegistry(rps float64, burst int) *Registry {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 4
	}
	return &Registry{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(rps),
		burst:     burst,
	}
}

// Register installs a provider implementation under an id.
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Execute rate-limits and dispatches a request to the provider selected by
// the step. Errors from the provider are wrapped with a routing code.
func (r *Registry) Execute(ctx context.Context, req Request) (string, error) {
	providerID := req.Step.Provider.ProviderID

	if err := r.limiter(providerID).Wait(ctx); err != nil {
		return "", err
	}

	r.mu.RLock()
	p, ok := r.providers[providerID]
	r.mu.RUnlock()

	if !ok {
		p = Simulated{}
	}

	output, err := p.Execute(ctx, req)
	if err != nil {
		return "", wrapProviderError(providerID, err)
	}
	if output == "" {
		return "", &errors.ProviderError{
			Provider: providerID,
			Code:     errors.CodeProviderError,
			Message:  "provider returned empty output",
		}
	}
	return output, nil
}

func (r *Registry) limiter(providerID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[providerID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[providerID] = l
	}
	return l
}

// wrapProviderError classifies a provider failure for run routing.
// Context errors pass through untouched so the state machine can tell
// timeouts from cancellation.
func wrapProviderError(providerID string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var provErr *errors.ProviderError
	if stderrors.As(err, &provErr) {
		return err
	}
	return &errors.ProviderError{
		Provider: providerID,
		Code:     errors.CodeProviderError,
		Message:  err.Error(),
		Cause:    err,
	}
}
