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

// Package events is the per-run append-only event log. Consumers poll
// with a cursor; events within a run are total-ordered, events across
// runs are independent.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind classifies an event for consumers.
type Kind string

const (
	KindLog             Kind = "log"
	KindRunStatus       Kind = "run_status"
	KindStepStatus      Kind = "step_status"
	KindGateResult      Kind = "gate_result"
	KindApproval        Kind = "approval"
	KindInputRequest    Kind = "input_request"
	KindScheduleSkipped Kind = "schedule_skipped"
)

// Event is one entry in a run's log. Seq is monotonic per run and
// survives truncation, so a consumer's cursor stays valid after old
// entries are dropped.
type Event struct {
	Seq       int64          `json:"seq"`
	RunID     string         `json:"runId"`
	Kind      Kind           `json:"kind"`
	StepID    string         `json:"stepId,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives every appended event for durable history. Sink failures
// never propagate to the emitting run.
type Sink interface {
	Persist(Event) error
	Close() error
}

// DefaultCapacity bounds how many events are kept in memory per run.
const DefaultCapacity = 500

type runLog struct {
	events  []Event
	nextSeq int64
}

// Bus holds the in-memory event logs for all live runs.
type Bus struct {
	mu       sync.RWMutex
	runs     map[string]*runLog
	capacity int
	sink     Sink
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity overrides the per-run in-memory bound.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithSink attaches a durable sink.
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sink = s }
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		runs:     make(map[string]*runLog),
		capacity: DefaultCapacity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Emit appends an event to the run's log, assigning its sequence number.
func (b *Bus) Emit(runID string, kind Kind, message string, opts ...EventOption) Event {
	b.mu.Lock()
	log, ok := b.runs[runID]
	if !ok {
		log = &runLog{nextSeq: 1}
		b.runs[runID] = log
	}

	ev := Event{
		Seq:       log.nextSeq,
		RunID:     runID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	log.nextSeq++

	log.events = append(log.events, ev)
	if len(log.events) > b.capacity {
		log.events = log.events[len(log.events)-b.capacity:]
	}
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		if err := sink.Persist(ev); err != nil {
			b.logger.Warn("event sink write failed", "run_id", runID, "error", err)
		}
	}
	return ev
}

// EventOption decorates an event before it is appended.
type EventOption func(*Event)

// WithStep tags the event with a step id.
func WithStep(stepID string) EventOption {
	return func(ev *Event) { ev.StepID = stepID }
}

// WithData attaches structured payload.
func WithData(data map[string]any) EventOption {
	return func(ev *Event) { ev.Data = data }
}

// After returns the run's events with Seq > cursor, oldest first. A zero
// cursor returns everything still retained.
func (b *Bus) After(runID string, cursor int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log, ok := b.runs[runID]
	if !ok {
		return nil
	}
	out := make([]Event, 0, len(log.events))
	for _, ev := range log.events {
		if ev.Seq > cursor {
			out = append(out, ev)
		}
	}
	return out
}

// Drop discards a run's in-memory log. Durable history in the sink is
// unaffected.
func (b *Bus) Drop(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}

// Close flushes the sink.
func (b *Bus) Close() error {
	b.mu.Lock()
	sink := b.sink
	b.sink = nil
	b.mu.Unlock()

	if sink != nil {
		return sink.Close()
	}
	return nil
}
