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

// Package api provides the HTTP API for the fyreflow daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fyreflow/fyreflow/internal/engine"
	"github.com/fyreflow/fyreflow/internal/events"
	"github.com/fyreflow/fyreflow/internal/storage"
	"github.com/fyreflow/fyreflow/internal/vault"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

// Config holds router construction inputs.
type Config struct {
	Version string

	Store  *pipeline.Store
	Engine *engine.Engine
	Vault  *vault.Vault
	Bus    *events.Bus
	Layout storage.Layout

	// History serves durable event queries; nil falls back to the
	// in-memory bus window.
	History *events.SQLiteSink

	// Metrics is the Prometheus exposition handler; nil disables the
	// /metrics route.
	Metrics http.Handler

	Logger *slog.Logger
}

// Router is the daemon's HTTP handler.
type Router struct {
	mux     *http.ServeMux
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// NewRouter registers every API route.
func NewRouter(cfg Config) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "api"),
		started: time.Now().UTC(),
	}

	r.mux.HandleFunc("GET /state", r.handleState)
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	if cfg.Metrics != nil {
		r.mux.Handle("GET /metrics", cfg.Metrics)
	}

	r.mux.HandleFunc("GET /pipelines", r.handleListPipelines)
	r.mux.HandleFunc("POST /pipelines", r.handleCreatePipeline)
	r.mux.HandleFunc("GET /pipelines/{id}", r.handleGetPipeline)
	r.mux.HandleFunc("PATCH /pipelines/{id}", r.handleUpdatePipeline)
	r.mux.HandleFunc("DELETE /pipelines/{id}", r.handleDeletePipeline)
	r.mux.HandleFunc("GET /pipelines/{id}/smart-run-plan", r.handleSmartRunPlan)
	r.mux.HandleFunc("GET /pipelines/{id}/startup-check", r.handleStartupCheck)
	r.mux.HandleFunc("GET /pipelines/{id}/secure-inputs", r.handleListSecureInputs)
	r.mux.HandleFunc("PUT /pipelines/{id}/secure-inputs", r.handlePutSecureInputs)
	r.mux.HandleFunc("DELETE /pipelines/{id}/secure-inputs", r.handleDeleteSecureInputs)

	r.mux.HandleFunc("POST /runs", r.handleCreateRun)
	r.mux.HandleFunc("GET /runs", r.handleListRuns)
	r.mux.HandleFunc("GET /runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("POST /runs/{id}/stop", r.handleStopRun)
	r.mux.HandleFunc("POST /runs/{id}/pause", r.handlePauseRun)
	r.mux.HandleFunc("POST /runs/{id}/resume", r.handleResumeRun)
	r.mux.HandleFunc("POST /runs/{id}/approvals/{approvalID}", r.handleResolveApproval)
	r.mux.HandleFunc("POST /runs/{id}/inputs", r.handleSubmitInputs)
	r.mux.HandleFunc("GET /runs/{id}/events", r.handleRunEvents)

	return r
}

// ServeHTTP implements http.Handler with request logging. Paths and
// methods are logged; request bodies never are, since secure-input
// payloads carry plaintext secrets.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(sw, req)
	r.logger.Info("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", sw.status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
