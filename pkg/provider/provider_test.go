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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fferrors "github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

type stubProvider struct {
	output string
	err    error
}

func (s stubProvider) Execute(ctx context.Context, req Request) (string, error) {
	return s.output, s.err
}

func testRequest(providerID string) Request {
	return Request{
		Step: pipeline.Step{
			ID:       "analyze",
			Name:     "Analyze",
			Provider: pipeline.ProviderSelector{ProviderID: providerID},
		},
		Task:       "Run tests",
		OutputMode: OutputModeText,
	}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry(100, 10)
	r.Register("anthropic", stubProvider{output: "done"})

	output, err := r.Execute(context.Background(), testRequest("anthropic"))
	require.NoError(t, err)
	assert.Equal(t, "done", output)
}

func TestRegistry_UnknownProviderFallsBackToSimulated(t *testing.T) {
	r := NewRegistry(100, 10)

	output, err := r.Execute(context.Background(), testRequest("ghost"))
	require.NoError(t, err)
	assert.True(t, IsSimulated(output))
}

func TestRegistry_EmptyOutputIsError(t *testing.T) {
	r := NewRegistry(100, 10)
	r.Register("anthropic", stubProvider{output: ""})

	_, err := r.Execute(context.Background(), testRequest("anthropic"))
	require.Error(t, err)
	assert.Equal(t, fferrors.CodeProviderError, fferrors.CodeOf(err))
}

func TestRegistry_WrapsErrors(t *testing.T) {
	r := NewRegistry(100, 10)
	r.Register("anthropic", stubProvider{err: fmt.Errorf("rate limited upstream")})

	_, err := r.Execute(context.Background(), testRequest("anthropic"))
	require.Error(t, err)

	var provErr *fferrors.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "anthropic", provErr.Provider)
}

func TestRegistry_ContextErrorsPassThrough(t *testing.T) {
	r := NewRegistry(100, 10)
	r.Register("anthropic", stubProvider{err: context.DeadlineExceeded})

	_, err := r.Execute(context.Background(), testRequest("anthropic"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_CancelledContext(t *testing.T) {
	r := NewRegistry(100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Execute(ctx, testRequest("anthropic"))
	assert.Error(t, err)
}

func TestSimulated_Output(t *testing.T) {
	output, err := Simulated{}.Execute(context.Background(), testRequest("anthropic"))
	require.NoError(t, err)
	assert.True(t, IsSimulated(output))
	assert.Contains(t, output, "anthropic")

	req := testRequest("anthropic")
	req.OutputMode = OutputModeJSON
	output, err = Simulated{}.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, IsSimulated(output))
}

func TestIsSimulated(t *testing.T) {
	assert.True(t, IsSimulated("[Simulated anthropic output] hello"))
	assert.False(t, IsSimulated("real output"))
	assert.False(t, IsSimulated("prefix [Simulated not at start"))
}
