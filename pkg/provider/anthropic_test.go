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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

func anthropicTestRequest() Request {
	return Request{
		Step: pipeline.Step{
			ID:     "s",
			Name:   "Analyze",
			Prompt: "analyze the design",
			Provider: pipeline.ProviderSelector{
				ProviderID: "anthropic",
				Model:      "claude-sonnet-4-5",
			},
		},
		Task:    "Review the homepage",
		Context: "You are a review agent.",
	}
}

func TestAnthropic_Execute(t *testing.T) {
	var captured struct {
		path    string
		apiKey  string
		version string
		body    anthropicRequest
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.apiKey = r.Header.Get("x-api-key")
		captured.version = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.body))

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "Looks good. "},
				{"type": "text", "text": "WORKFLOW_STATUS: PASS"},
			},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropic("sk-test", WithBaseURL(srv.URL))
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), anthropicTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "Looks good. WORKFLOW_STATUS: PASS", out)

	assert.Equal(t, "/messages", captured.path)
	assert.Equal(t, "sk-test", captured.apiKey)
	assert.Equal(t, "2023-06-01", captured.version)
	assert.Equal(t, "claude-sonnet-4-5", captured.body.Model)
	assert.Equal(t, "You are a review agent.", captured.body.System)
	require.Len(t, captured.body.Messages, 1)
	assert.Contains(t, captured.body.Messages[0].Content, "Task: Review the homepage")
	assert.Contains(t, captured.body.Messages[0].Content, "analyze the design")
}

func TestAnthropic_JSONModeAppendsInstruction(t *testing.T) {
	var userContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body anthropicRequest
		json.NewDecoder(r.Body).Decode(&body)
		userContent = body.Messages[0].Content
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": `{"ok": true}`}},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropic("sk-test", WithBaseURL(srv.URL))
	require.NoError(t, err)

	req := anthropicTestRequest()
	req.OutputMode = OutputModeJSON
	_, err = p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, userContent, "single valid JSON document")
}

func TestAnthropic_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "authentication_error", "message": "invalid x-api-key"},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropic("sk-bad", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), anthropicTestRequest())
	require.Error(t, err)
	assert.Equal(t, errors.CodeProviderUnauthenticated, errors.CodeOf(err))
}

func TestAnthropic_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "api_error", "message": "overloaded"},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropic("sk-test", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), anthropicTestRequest())
	require.Error(t, err)

	var provErr *errors.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 500, provErr.StatusCode)
	assert.Contains(t, provErr.Error(), "overloaded")
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic("")
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
