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
	"net/http"
	"time"

	"github.com/fyreflow/fyreflow/internal/daemon/httputil"
	"github.com/fyreflow/fyreflow/internal/engine"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

// providerView is the provider catalog entry exposed over the API.
// Credentials stay server-side.
type providerView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AuthMode      string `json:"authMode,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

type stateResponse struct {
	Pipelines  []pipeline.Pipeline        `json:"pipelines"`
	Providers  []providerView             `json:"providers"`
	MCPServers []pipeline.MCPServerConfig `json:"mcpServers"`
	Storage    pipeline.StorageConfig     `json:"storage"`
	Runs       []*engine.RunSnapshot      `json:"runs"`
}

// handleState returns the full editor state in one round trip.
func (r *Router) handleState(w http.ResponseWriter, req *http.Request) {
	providers := r.cfg.Store.Providers()
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, providerView{
			ID:            p.ID,
			Name:          p.Name,
			AuthMode:      p.AuthMode,
			Authenticated: p.Authenticated(),
		})
	}

	httputil.WriteJSON(w, http.StatusOK, stateResponse{
		Pipelines:  r.cfg.Store.ListPipelines(),
		Providers:  views,
		MCPServers: r.cfg.Store.MCPServers(),
		Storage:    r.cfg.Store.Storage(),
		Runs:       r.cfg.Engine.List(50),
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": r.cfg.Version,
		"uptime":  time.Since(r.started).Round(time.Second).String(),
	})
}
