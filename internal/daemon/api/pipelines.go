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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fyreflow/fyreflow/internal/daemon/httputil"
	"github.com/fyreflow/fyreflow/internal/preflight"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

func (r *Router) handleListPipelines(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, r.cfg.Store.ListPipelines())
}

func (r *Router) handleGetPipeline(w http.ResponseWriter, req *http.Request) {
	p, err := r.cfg.Store.GetPipeline(req.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (r *Router) handleCreatePipeline(w http.ResponseWriter, req *http.Request) {
	var p pipeline.Pipeline
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "invalid pipeline payload: "+err.Error())
		return
	}

	created, err := r.cfg.Store.CreatePipeline(p)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (r *Router) handleUpdatePipeline(w http.ResponseWriter, req *http.Request) {
	var p pipeline.Pipeline
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "invalid pipeline payload: "+err.Error())
		return
	}
	p.ID = req.PathValue("id")

	updated, err := r.cfg.Store.UpdatePipeline(p)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (r *Router) handleDeletePipeline(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.cfg.Store.DeletePipeline(id, r.cfg.Engine.HasActiveRun); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	// Stored secrets die with the pipeline.
	if err := r.cfg.Vault.Purge(id); err != nil {
		r.logger.Warn("failed to purge pipeline secrets", "pipeline_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseInputsParam decodes the ?inputs= query parameter, a URL-encoded
// JSON object of key/value strings.
func parseInputsParam(req *http.Request) (map[string]string, error) {
	raw := req.URL.Query().Get("inputs")
	if raw == "" {
		return map[string]string{}, nil
	}
	var inputs map[string]string
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object of strings: %w", err)
	}
	return inputs, nil
}

// planFor builds the preflight plan for a pipeline, merging stored secure
// inputs with the caller's submitted values.
func (r *Router) planFor(p *pipeline.Pipeline, submitted map[string]string) *preflight.Plan {
	resolved := preflight.CanonicalizeInputs(submitted)
	if stored, err := r.cfg.Vault.Read(p.ID); err == nil {
		for k, v := range stored {
			if cur, ok := resolved[k]; !ok || cur == "" {
				resolved[k] = v
			}
		}
	}

	providers := map[string]pipeline.ProviderConfig{}
	for _, pc := range r.cfg.Store.Providers() {
		providers[pc.ID] = pc
	}

	plan := preflight.BuildPlan(p, resolved, preflight.Options{
		Providers:   providers,
		MCPServers:  r.cfg.Store.MCPServers(),
		StorageRoot: r.cfg.Layout.Root,
	})
	return &plan
}

func (r *Router) handleSmartRunPlan(w http.ResponseWriter, req *http.Request) {
	p, err := r.cfg.Store.GetPipeline(req.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	inputs, err := parseInputsParam(req)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, r.planFor(&p, inputs))
}

type startupCheckResponse struct {
	Status   string            `json:"status"` // pass, needs_input or blocked
	Requests []preflight.Field `json:"requests"`
	Blockers []preflight.Check `json:"blockers"`
	Summary  string            `json:"summary"`
}

// handleStartupCheck condenses the smart run plan into a go/no-go verdict:
// blocked when a non-input check fails, needs_input when only required
// inputs are missing, pass otherwise.
func (r *Router) handleStartupCheck(w http.ResponseWriter, req *http.Request) {
	p, err := r.cfg.Store.GetPipeline(req.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	inputs, err := parseInputsParam(req)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	plan := r.planFor(&p, inputs)

	failingInputs := map[string]bool{}
	resp := startupCheckResponse{
		Requests: []preflight.Field{},
		Blockers: []preflight.Check{},
	}
	for _, check := range plan.Checks {
		if check.Status != preflight.CheckFail {
			continue
		}
		if key, ok := strings.CutPrefix(check.ID, "input:"); ok {
			failingInputs[key] = true
		} else {
			resp.Blockers = append(resp.Blockers, check)
		}
	}
	for _, field := range plan.Fields {
		if failingInputs[field.Key] {
			resp.Requests = append(resp.Requests, field)
		}
	}

	switch {
	case len(resp.Blockers) > 0:
		resp.Status = "blocked"
		resp.Summary = fmt.Sprintf("%d blocking check(s) failing", len(resp.Blockers))
	case len(resp.Requests) > 0:
		resp.Status = "needs_input"
		resp.Summary = fmt.Sprintf("%d required input(s) missing", len(resp.Requests))
	default:
		resp.Status = "pass"
		resp.Summary = "all checks passing"
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (r *Router) handleListSecureInputs(w http.ResponseWriter, req *http.Request) {
	keys, err := r.cfg.Vault.Keys(req.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

// handlePutSecureInputs stores secret values for a pipeline. The response
// echoes key names only.
func (r *Router) handlePutSecureInputs(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.cfg.Store.GetPipeline(id); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	var values map[string]string
	if err := json.NewDecoder(req.Body).Decode(&values); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "body must be a JSON object of key/value strings")
		return
	}
	if len(values) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "no values provided")
		return
	}

	if err := r.cfg.Vault.Save(id, values); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	keys, _ := r.cfg.Vault.Keys(id)
	httputil.WriteJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (r *Router) handleDeleteSecureInputs(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	var body struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "body must be {\"keys\": [...]}")
		return
	}
	if len(body.Keys) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "no keys provided")
		return
	}

	if err := r.cfg.Vault.Forget(id, body.Keys); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
