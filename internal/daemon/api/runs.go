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
	"net/http"
	"strconv"

	"github.com/fyreflow/fyreflow/internal/daemon/httputil"
	"github.com/fyreflow/fyreflow/internal/engine"
	"github.com/fyreflow/fyreflow/internal/events"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

type createRunRequest struct {
	PipelineID string            `json:"pipelineId"`
	Task       string            `json:"task"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Mode       pipeline.RunMode  `json:"mode,omitempty"`
}

func (r *Router) handleCreateRun(w http.ResponseWriter, req *http.Request) {
	var body createRunRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "invalid run payload: "+err.Error())
		return
	}

	snap, err := r.cfg.Engine.StartRun(req.Context(), engine.StartRequest{
		PipelineID: body.PipelineID,
		Task:       body.Task,
		Inputs:     body.Inputs,
		Mode:       body.Mode,
	})
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, snap)
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	httputil.WriteJSON(w, http.StatusOK, r.cfg.Engine.List(limit))
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	snap, err := r.cfg.Engine.Get(req.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (r *Router) handleStopRun(w http.ResponseWriter, req *http.Request) {
	if err := r.cfg.Engine.Stop(req.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) handlePauseRun(w http.ResponseWriter, req *http.Request) {
	if err := r.cfg.Engine.Pause(req.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) handleResumeRun(w http.ResponseWriter, req *http.Request) {
	if err := r.cfg.Engine.Resume(req.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"` // approved or rejected
	Note     string `json:"note,omitempty"`
}

func (r *Router) handleResolveApproval(w http.ResponseWriter, req *http.Request) {
	var body resolveApprovalRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "invalid approval payload: "+err.Error())
		return
	}
	if body.Decision != "approved" && body.Decision != "rejected" {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "decision must be approved or rejected")
		return
	}

	err := r.cfg.Engine.ResolveApproval(req.PathValue("id"), req.PathValue("approvalID"), body.Decision == "approved", body.Note)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSubmitInputs delivers runtime input values to a run paused on an
// input request. The body is a flat key/value object; values are never
// logged.
func (r *Router) handleSubmitInputs(w http.ResponseWriter, req *http.Request) {
	var values map[string]string
	if err := json.NewDecoder(req.Body).Decode(&values); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", "body must be a JSON object of key/value strings")
		return
	}

	if err := r.cfg.Engine.SubmitInputs(req.PathValue("id"), values); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type runEventsResponse struct {
	Events []events.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}

// handleRunEvents returns events after the caller's cursor. The durable
// history serves the query when available so cursors survive in-memory
// truncation and daemon restarts.
func (r *Router) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("id")

	var cursor int64
	if raw := req.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "validation_error", "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}

	var evs []events.Event
	if r.cfg.History != nil {
		history, err := r.cfg.History.History(runID, cursor, 500)
		if err == nil {
			evs = history
		} else {
			r.logger.Warn("event history query failed, serving memory window", "run_id", runID, "error", err)
			evs = r.cfg.Bus.After(runID, cursor)
		}
	} else {
		evs = r.cfg.Bus.After(runID, cursor)
	}
	if evs == nil {
		evs = []events.Event{}
	}

	next := cursor
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	httputil.WriteJSON(w, http.StatusOK, runEventsResponse{Events: evs, Cursor: next})
}
