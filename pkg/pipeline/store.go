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

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyreflow/fyreflow/pkg/errors"
)

// catalogVersion is written into the snapshot for forward use; there are no
// schema migrations in scope.
const catalogVersion = 1

// DefaultRunRetention bounds how many run records are kept per pipeline.
const DefaultRunRetention = 25

// ProviderConfig describes a configured LLM provider.
type ProviderConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	AuthMode string `json:"authMode,omitempty"` // api_key or oauth
	APIKey   string `json:"apiKey,omitempty"`
}

// Authenticated reports whether the provider has usable credentials.
func (p ProviderConfig) Authenticated() bool {
	return p.APIKey != "" || p.AuthMode == "oauth"
}

// MCPServerConfig describes a registered MCP server. Registry CRUD lives in
// the editor; the core only reads these for preflight checks.
type MCPServerConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Enabled bool   `json:"enabled"`
}

// StorageConfig locates the artifact directories.
type StorageConfig struct {
	Root string `json:"root"`
}

// RunRecord is an opaque persisted run snapshot. The engine owns the run
// shape; the store only needs identity, status, and ordering.
type RunRecord struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipelineId"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	Data       json.RawMessage `json:"data"`
}

// catalog is the on-disk snapshot shape of data/local-db.json.
type catalog struct {
	Version    int               `json:"version"`
	Pipelines  []Pipeline        `json:"pipelines"`
	Providers  []ProviderConfig  `json:"providers,omitempty"`
	MCPServers []MCPServerConfig `json:"mcpServers,omitempty"`
	Storage    StorageConfig     `json:"storage"`
	Runs       []RunRecord       `json:"runs,omitempty"`
}

// Store is the persisted pipeline catalog. Writes are serialized; reads are
// concurrent (single writer, many readers).
type Store struct {
	mu           sync.RWMutex
	path         string
	data         catalog
	runRetention int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRunRetention overrides how many run records are kept per pipeline.
func WithRunRetention(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.runRetention = n
		}
	}
}

// NewStore opens (or initializes) the catalog at the given path.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:         path,
		runRetention: DefaultRunRetention,
		data:         catalog{Version: catalogVersion},
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("invalid catalog format: %w", err)
	}
	if s.data.Version == 0 {
		s.data.Version = catalogVersion
	}

	return s, nil
}

// save persists the catalog with an atomic temp+rename replace.
// Caller must hold the write lock.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// CreatePipeline validates and persists a new pipeline. A missing id is
// assigned; zero-valued runtime caps get defaults before validation.
func (s *Store) CreatePipeline(p Pipeline) (Pipeline, error) {
	p.Runtime.ApplyDefaults()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Pipelines {
		if existing.ID == p.ID {
			return Pipeline{}, &errors.ValidationError{
				Field:   "id",
				Message: fmt.Sprintf("pipeline %q already exists", p.ID),
			}
		}
	}

	s.data.Pipelines = append(s.data.Pipelines, p)
	if err := s.save(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// UpdatePipeline validates and replaces an existing pipeline.
func (s *Store) UpdatePipeline(p Pipeline) (Pipeline, error) {
	p.Runtime.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.data.Pipelines {
		if existing.ID == p.ID {
			s.data.Pipelines[i] = p
			if err := s.save(); err != nil {
				return Pipeline{}, err
			}
			return p, nil
		}
	}

	return Pipeline{}, &errors.NotFoundError{Resource: "pipeline", ID: p.ID}
}

// DeletePipeline removes a pipeline and its run records. The activeCheck
// callback lets the engine refuse deletion while a run is active.
func (s *Store) DeletePipeline(id string, activeCheck func(pipelineID string) bool) error {
	if activeCheck != nil && activeCheck(id) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("pipeline %q has an active run", id),
			Suggestion: "stop the run before deleting the pipeline",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.data.Pipelines {
		if existing.ID == id {
			s.data.Pipelines = append(s.data.Pipelines[:i], s.data.Pipelines[i+1:]...)

			kept := s.data.Runs[:0]
			for _, run := range s.data.Runs {
				if run.PipelineID != id {
					kept = append(kept, run)
				}
			}
			s.data.Runs = kept

			return s.save()
		}
	}

	return &errors.NotFoundError{Resource: "pipeline", ID: id}
}

// GetPipeline returns a deep copy of the pipeline with the given id.
func (s *Store) GetPipeline(id string) (Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.data.Pipelines {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return Pipeline{}, &errors.NotFoundError{Resource: "pipeline", ID: id}
}

// ListPipelines returns deep copies of all pipelines in catalog order.
func (s *Store) ListPipelines() []Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Pipeline, 0, len(s.data.Pipelines))
	for _, p := range s.data.Pipelines {
		result = append(result, p.Clone())
	}
	return result
}

// ScheduledPipelines returns pipelines with an enabled schedule.
func (s *Store) ScheduledPipelines() []Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Pipeline
	for _, p := range s.data.Pipelines {
		if p.Schedule != nil && p.Schedule.Enabled {
			result = append(result, p.Clone())
		}
	}
	return result
}

// SetProviders replaces the provider catalog.
func (s *Store) SetProviders(providers []ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Providers = append([]ProviderConfig(nil), providers...)
	return s.save()
}

// Provider returns the provider config with the given id.
func (s *Store) Provider(id string) (ProviderConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.data.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Providers returns all provider configs.
func (s *Store) Providers() []ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProviderConfig(nil), s.data.Providers...)
}

// MCPServers returns all registered MCP servers.
func (s *Store) MCPServers() []MCPServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MCPServerConfig(nil), s.data.MCPServers...)
}

// SetMCPServers replaces the MCP server registry.
func (s *Store) SetMCPServers(servers []MCPServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.MCPServers = append([]MCPServerConfig(nil), servers...)
	return s.save()
}

// Storage returns the storage configuration.
func (s *Store) Storage() StorageConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Storage
}

// SetStorage replaces the storage configuration.
func (s *Store) SetStorage(cfg StorageConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Storage = cfg
	return s.save()
}

// SaveRun upserts a run record and trims retention to the last N records
// per pipeline by start time.
func (s *Store) SaveRun(record RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, existing := range s.data.Runs {
		if existing.ID == record.ID {
			s.data.Runs[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		s.data.Runs = append(s.data.Runs, record)
	}

	s.trimRuns(record.PipelineID)
	return s.save()
}

// trimRuns drops the oldest records beyond the retention cap for one
// pipeline. Caller must hold the write lock.
func (s *Store) trimRuns(pipelineID string) {
	var forPipeline []int
	for i, run := range s.data.Runs {
		if run.PipelineID == pipelineID {
			forPipeline = append(forPipeline, i)
		}
	}
	if len(forPipeline) <= s.runRetention {
		return
	}

	sort.SliceStable(forPipeline, func(a, b int) bool {
		return s.data.Runs[forPipeline[a]].StartedAt.Before(s.data.Runs[forPipeline[b]].StartedAt)
	})

	drop := make(map[int]bool)
	for _, idx := range forPipeline[:len(forPipeline)-s.runRetention] {
		drop[idx] = true
	}

	kept := s.data.Runs[:0]
	for i, run := range s.data.Runs {
		if !drop[i] {
			kept = append(kept, run)
		}
	}
	s.data.Runs = kept
}

// GetRun returns the run record with the given id.
func (s *Store) GetRun(id string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.data.Runs {
		if run.ID == id {
			return run, nil
		}
	}
	return RunRecord{}, &errors.NotFoundError{Resource: "run", ID: id}
}

// ListRuns returns run records newest-first, bounded by limit (0 = all).
func (s *Store) ListRuns(limit int) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := append([]RunRecord(nil), s.data.Runs...)
	sort.SliceStable(result, func(a, b int) bool {
		return result[a].StartedAt.After(result[b].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
