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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fyreflow/fyreflow/internal/daemon/api"
	"github.com/fyreflow/fyreflow/internal/engine"
	"github.com/fyreflow/fyreflow/internal/events"
	"github.com/fyreflow/fyreflow/internal/log"
	"github.com/fyreflow/fyreflow/internal/metrics"
	"github.com/fyreflow/fyreflow/internal/scheduler"
	"github.com/fyreflow/fyreflow/internal/storage"
	"github.com/fyreflow/fyreflow/internal/tracing"
	"github.com/fyreflow/fyreflow/internal/vault"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
	"github.com/fyreflow/fyreflow/pkg/provider"
)

// Daemon owns the component graph and the HTTP listener.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	store     *pipeline.Store
	vault     *vault.Vault
	engine    *engine.Engine
	bus       *events.Bus
	history   *events.SQLiteSink
	scheduler *scheduler.Scheduler
	tracing   *tracing.Provider
	server    *http.Server
}

// New assembles the daemon from config. Nothing starts listening until
// Run is called.
func New(ctx context.Context, cfg Config, version string) (*Daemon, error) {
	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	store, err := pipeline.NewStore(filepath.Join(cfg.DataDir, "local-db.json"))
	if err != nil {
		return nil, fmt.Errorf("open pipeline store: %w", err)
	}

	v := vault.New(cfg.DataDir)

	busOpts := []events.Option{events.WithCapacity(cfg.EventCapacity)}
	var history *events.SQLiteSink
	if *cfg.EventHistory {
		history, err = events.NewSQLiteSink(filepath.Join(cfg.DataDir, "events.db"))
		if err != nil {
			return nil, fmt.Errorf("open event history: %w", err)
		}
		busOpts = append(busOpts, events.WithSink(history))
	}
	bus := events.NewBus(logger, busOpts...)

	tp, err := tracing.New(ctx, cfg.Tracing, "fyreflowd", version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	collector := metrics.New()

	registry := provider.NewRegistry(2, 4)
	registerProviders(registry, store, logger)
	layout := storage.Layout{Root: cfg.StorageRoot}

	eng := engine.New(
		engine.Config{MaxParallel: cfg.MaxParallelRuns},
		store, v, registry, bus, layout, log.WithComponent(logger, "engine"),
		engine.WithMetrics(collector),
		engine.WithTracer(tp.Tracer("fyreflow/engine")),
	)

	sched := scheduler.New(store, eng, bus, log.WithComponent(logger, "scheduler"),
		scheduler.WithInterval(cfg.SchedulerInterval.Std()),
		scheduler.WithMetrics(collector),
	)

	router := api.NewRouter(api.Config{
		Version: version,
		Store:   store,
		Engine:  eng,
		Vault:   v,
		Bus:     bus,
		Layout:  layout,
		History: history,
		Metrics: collector.Handler(),
		Logger:  log.WithComponent(logger, "api"),
	})

	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		vault:     v,
		engine:    eng,
		bus:       bus,
		history:   history,
		scheduler: sched,
		tracing:   tp,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// registerProviders installs a Messages API client for every catalog
// entry carrying credentials. Entries without credentials stay
// unregistered and fall back to the simulated provider, which surfaces
// as provider_unauthenticated at run time.
func registerProviders(registry *provider.Registry, store *pipeline.Store, logger *slog.Logger) {
	for _, pc := range store.Providers() {
		if pc.APIKey == "" {
			logger.Info("provider has no credentials, runs will use the simulated fallback", "provider_id", pc.ID)
			continue
		}
		client, err := provider.NewAnthropic(pc.APIKey)
		if err != nil {
			logger.Warn("provider registration failed", "provider_id", pc.ID, "error", err)
			continue
		}
		registry.Register(pc.ID, client)
		logger.Info("provider registered", "provider_id", pc.ID, "api_key", log.SanitizeAPIKey(pc.APIKey))
	}
}

// Run serves the API until ctx is cancelled, then drains active runs and
// shuts the listener down.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Listen, err)
	}

	d.scheduler.Start(ctx)
	d.logger.Info("daemon started", "listen", d.cfg.Listen, "data_dir", d.cfg.DataDir)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down", "drain_timeout", d.cfg.DrainTimeout.Std())
	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	d.scheduler.Stop()

	// Stop accepting requests before draining so no new runs arrive.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown did not complete cleanly", "error", err)
	}

	d.engine.Drain(d.cfg.DrainTimeout.Std())

	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.logger.Warn("failed to close event history", "error", err)
		}
	}
	if err := d.tracing.Shutdown(context.Background()); err != nil {
		d.logger.Warn("failed to flush traces", "error", err)
	}
	d.logger.Info("daemon stopped")
}
