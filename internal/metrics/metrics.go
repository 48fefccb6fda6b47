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

// Package metrics exposes Prometheus instrumentation for the run engine
// and scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the engine's metrics hooks on a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	scheduleSkips *prometheus.CounterVec
	activeRuns    prometheus.Gauge
}

// New creates a collector with its own registry, including the standard
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fyreflow_runs_started_total",
				Help: "Total runs started by pipeline",
			},
			[]string{"pipeline"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fyreflow_runs_completed_total",
				Help: "Total runs finished by pipeline and terminal status",
			},
			[]string{"pipeline", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fyreflow_run_duration_seconds",
				Help:    "Wall-clock run duration by pipeline and terminal status",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"pipeline", "status"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fyreflow_step_executions_total",
				Help: "Total step executions by pipeline, step and status",
			},
			[]string{"pipeline", "step", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fyreflow_step_duration_seconds",
				Help:    "Step execution duration by pipeline and step",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"pipeline", "step"},
		),
		scheduleSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fyreflow_schedule_skips_total",
				Help: "Total skipped schedule occurrences by pipeline and reason",
			},
			[]string{"pipeline", "reason"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fyreflow_active_runs",
				Help: "Number of runs currently holding an active slot",
			},
		),
	}
}

// RecordRunStart counts a newly accepted run.
func (c *Collector) RecordRunStart(pipelineID string) {
	c.runsStarted.WithLabelValues(pipelineID).Inc()
	c.activeRuns.Inc()
}

// RecordRunComplete counts a finished run and observes its duration.
func (c *Collector) RecordRunComplete(pipelineID, status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(pipelineID, status).Inc()
	c.runDuration.WithLabelValues(pipelineID, status).Observe(duration.Seconds())
	c.activeRuns.Dec()
}

// RecordStepComplete counts one step execution.
func (c *Collector) RecordStepComplete(pipelineID, stepID, status string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(pipelineID, stepID, status).Inc()
	c.stepDuration.WithLabelValues(pipelineID, stepID).Observe(duration.Seconds())
}

// RecordScheduleSkip counts a skipped schedule occurrence.
func (c *Collector) RecordScheduleSkip(pipelineID, reason string) {
	c.scheduleSkips.WithLabelValues(pipelineID, reason).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
