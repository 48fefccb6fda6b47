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

// Package scheduler triggers pipeline runs from cron schedules. It polls
// the pipeline store on a fixed interval and fires at most one run per
// schedule per poll; occurrences missed while the daemon was down are not
// backfilled.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fyreflow/fyreflow/internal/cron"
	"github.com/fyreflow/fyreflow/internal/engine"
	"github.com/fyreflow/fyreflow/internal/events"
	"github.com/fyreflow/fyreflow/pkg/errors"
	"github.com/fyreflow/fyreflow/pkg/pipeline"
)

// DefaultInterval is how often schedules are checked for due occurrences.
const DefaultInterval = 15 * time.Second

// Runner is the slice of the engine the scheduler drives.
type Runner interface {
	StartRun(ctx context.Context, req engine.StartRequest) (*engine.RunSnapshot, error)
	HasActiveRun(pipelineID string) bool
}

// SkipRecorder counts skipped schedule occurrences.
type SkipRecorder interface {
	RecordScheduleSkip(pipelineID, reason string)
}

// SkipReason explains why a due schedule occurrence did not start a run.
type SkipReason string

const (
	SkipBusy            SkipReason = "busy"
	SkipPreflightFailed SkipReason = "preflight_failed"
	SkipCronInvalid     SkipReason = "cron_invalid"
)

// Scheduler polls the store for enabled schedules and starts runs when an
// occurrence falls inside the window since the previous check.
type Scheduler struct {
	store    *pipeline.Store
	runner   Runner
	bus      *events.Bus
	logger   *slog.Logger
	metrics  SkipRecorder
	interval time.Duration

	mu   sync.Mutex
	last time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMetrics installs a skip counter.
func WithMetrics(m SkipRecorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler. The window for due occurrences opens at the
// time of creation, so schedules that elapsed before the daemon started
// never fire retroactively.
func New(store *pipeline.Store, runner Runner, bus *events.Bus, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		runner:   runner,
		bus:      bus,
		logger:   logger.With("component", "scheduler"),
		interval: DefaultInterval,
		last:     time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the poll loop. It returns immediately; call Stop to halt.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.Tick(ctx, now)
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Tick evaluates every enabled schedule against the window (last, now].
// Each due schedule fires at most once per tick regardless of how many
// occurrences the window spans.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	since := s.last
	s.last = now
	s.mu.Unlock()

	if !now.After(since) {
		return
	}

	for _, p := range s.store.ScheduledPipelines() {
		s.check(ctx, p, since, now)
	}
}

func (s *Scheduler) check(ctx context.Context, p pipeline.Pipeline, since, now time.Time) {
	sched := p.Schedule

	expr, err := cron.Parse(sched.Cron)
	if err != nil {
		s.skip(p, SkipCronInvalid, "cron expression does not parse: "+err.Error())
		return
	}

	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			s.skip(p, SkipCronInvalid, "unknown timezone "+sched.Timezone)
			return
		}
	}

	next := expr.Next(since.In(loc))
	if next.After(now.In(loc)) {
		return
	}

	if s.runner.HasActiveRun(p.ID) {
		s.skip(p, SkipBusy, "pipeline already has an active run")
		return
	}

	task := sched.Task
	if task == "" {
		task = "Scheduled run of " + p.Name
	}

	snap, err := s.runner.StartRun(ctx, engine.StartRequest{
		PipelineID: p.ID,
		Task:       task,
		Inputs:     sched.Inputs,
		Mode:       sched.RunMode,
	})
	if err != nil {
		if errors.CodeOf(err) == errors.CodeValidation {
			s.skip(p, SkipPreflightFailed, err.Error())
			return
		}
		s.logger.Error("scheduled run failed to start", "pipeline_id", p.ID, "error", err)
		return
	}

	s.logger.Info("scheduled run started", "pipeline_id", p.ID, "run_id", snap.ID, "fired_at", next)
}

// skip records a skipped occurrence on the pipeline's schedule event
// stream. Skips never retry before the next due occurrence.
func (s *Scheduler) skip(p pipeline.Pipeline, reason SkipReason, msg string) {
	s.logger.Warn("schedule skipped", "pipeline_id", p.ID, "reason", string(reason), "detail", msg)
	if s.metrics != nil {
		s.metrics.RecordScheduleSkip(p.ID, string(reason))
	}
	s.bus.Emit("schedule:"+p.ID, events.KindScheduleSkipped, msg, events.WithData(map[string]any{
		"reason":     string(reason),
		"pipelineId": p.ID,
	}))
}
