// Copyright 2026 The iTaK Authors
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

// Package hooks implements the extension lifecycle runner: a registry
// of handler functions keyed by lifecycle point, executed in
// registration order. Extensions register at init; nothing is loaded
// from the filesystem at runtime.
package hooks

import (
	"context"
	"log/slog"
	"sync"
)

// Point is a lifecycle point.
type Point string

const (
	AgentInit            Point = "agent_init"
	MonologueStart       Point = "monologue_start"
	MessageLoopStart     Point = "message_loop_start"
	PromptAssembleBefore Point = "prompt_assemble_before"
	PromptAssembleAfter  Point = "prompt_assemble_after"
	LLMCallBefore        Point = "llm_call_before"
	LLMStreamChunk       Point = "llm_stream_chunk"
	LLMCallAfter         Point = "llm_call_after"
	ToolExecuteBefore    Point = "tool_execute_before"
	ToolExecuteAfter     Point = "tool_execute_after"
	HistoryAppendBefore  Point = "history_append_before"
	ErrorClassify        Point = "error_classify"
	MonologueEnd         Point = "monologue_end"
	AgentShutdown        Point = "agent_shutdown"
)

// HookContext is the mutable handle passed through a lifecycle point's
// handlers. Handlers may read and mutate Values; mutations are visible
// to subsequent handlers at the same point.
type HookContext struct {
	Point     Point
	Session   string
	Principal string
	Values    map[string]any
}

// Handler is one extension callback.
type Handler func(ctx context.Context, hc *HookContext) error

// Registration binds a handler to a point. Critical handlers abort the
// point on failure; ordinary handlers are isolated.
type Registration struct {
	Name     string
	Handler  Handler
	Critical bool
}

// Runner executes handlers per point in registration order.
type Runner struct {
	mu       sync.RWMutex
	handlers map[Point][]Registration

	// streamQueue decouples llm_stream_chunk handlers that need I/O
	// from the hot streaming path.
	streamQueue chan func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

const streamQueueSize = 1024

func NewRunner() *Runner {
	r := &Runner{
		handlers:    make(map[Point][]Registration),
		streamQueue: make(chan func(), streamQueueSize),
		stopCh:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.streamWorker()
	return r
}

// Register appends a handler at a point. Order of registration is the
// order of execution.
func (r *Runner) Register(point Point, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[point] = append(r.handlers[point], reg)
}

// Run executes all handlers registered at the point, sequentially in
// registration order. A failing handler is logged and skipped unless
// marked critical, in which case its error aborts the point.
func (r *Runner) Run(ctx context.Context, hc *HookContext) error {
	r.mu.RLock()
	regs := r.handlers[hc.Point]
	r.mu.RUnlock()

	for _, reg := range regs {
		if err := reg.Handler(ctx, hc); err != nil {
			if reg.Critical {
				slog.Error("critical hook failed", "point", hc.Point, "handler", reg.Name, "error", err)
				return err
			}
			slog.Warn("hook failed, continuing", "point", hc.Point, "handler", reg.Name, "error", err)
		}
	}
	return nil
}

// Enqueue hands work to the background worker. llm_stream_chunk
// handlers that need I/O call this and return immediately; the hot
// path never blocks on them. Work is dropped with a log line when the
// queue is full.
func (r *Runner) Enqueue(work func()) {
	select {
	case r.streamQueue <- work:
	default:
		slog.Warn("hook stream queue full, dropping work")
	}
}

func (r *Runner) streamWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			for {
				select {
				case work := <-r.streamQueue:
					work()
				default:
					return
				}
			}
		case work := <-r.streamQueue:
			work()
		}
	}
}

// Close drains the background queue and stops the worker.
func (r *Runner) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	return nil
}
