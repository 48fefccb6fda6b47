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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyreflow/fyreflow/pkg/errors"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicUserAgent  = "fyreflow-anthropic/1.0"

	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 8192
)

// Anthropic executes steps against the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// AnthropicOption configures the provider.
type AnthropicOption func(*Anthropic)

// WithBaseURL overrides the API base URL, for tests and proxies.
func WithBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(a *Anthropic) { a.httpClient = c }
}

// NewAnthropic creates an Anthropic-backed provider. The key comes from
// the provider catalog; it is held in memory only and never logged.
func NewAnthropic(apiKey string, opts ...AnthropicOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, &errors.ValidationError{
			Field:      "provider.apiKey",
			Message:    "anthropic provider requires an API key",
			Suggestion: "configure the provider's api_key credential",
		}
	}
	a := &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
		httpClient: &http.Client{
			// Long ceiling; per-step deadlines come from the caller's ctx.
			Timeout: 20 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Execute sends one step to the Messages API and returns the concatenated
// text content.
func (a *Anthropic) Execute(ctx context.Context, req Request) (string, error) {
	model := req.Step.Provider.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	user := req.Step.Prompt
	if req.Task != "" {
		user = "Task: " + req.Task + "\n\n" + user
	}
	if req.OutputMode == OutputModeJSON {
		user += "\n\nRespond with a single valid JSON document and nothing else."
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    req.Context,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", &errors.ProviderError{Provider: "anthropic", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", &errors.ProviderError{Provider: "anthropic", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("User-Agent", anthropicUserAgent)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &errors.ProviderError{Provider: "anthropic", Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", &errors.ProviderError{Provider: "anthropic", Message: fmt.Sprintf("read response: %v", err)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &errors.ProviderError{
			Provider:   "anthropic",
			Message:    fmt.Sprintf("unparseable response (HTTP %d)", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		provErr := &errors.ProviderError{
			Provider:   "anthropic",
			Message:    msg,
			StatusCode: resp.StatusCode,
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			provErr.Code = errors.CodeProviderUnauthenticated
		}
		return "", provErr
	}

	var out strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", &errors.ProviderError{Provider: "anthropic", Message: "response contained no text content"}
	}
	return out.String(), nil
}
