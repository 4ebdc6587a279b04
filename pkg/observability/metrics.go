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

package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the runtime's counters and histograms. Every method
// is safe on a nil receiver so disabled metrics cost nothing.
type Metrics struct {
	llmDuration     metric.Float64Histogram
	llmCalls        metric.Int64Counter
	llmErrors       metric.Int64Counter
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmCost         metric.Float64Counter

	toolDuration metric.Float64Histogram
	toolRuns     metric.Int64Counter
	toolErrors   metric.Int64Counter

	monologueDuration   metric.Float64Histogram
	monologueIterations metric.Int64Counter
	monologueErrors     metric.Int64Counter

	healAttempts  metric.Int64Counter
	healSuccesses metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.llmDuration, err = meter.Float64Histogram("itak_llm_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds")); err != nil {
		return nil, err
	}
	if m.llmCalls, err = meter.Int64Counter("itak_llm_calls_total",
		metric.WithDescription("Total model calls")); err != nil {
		return nil, err
	}
	if m.llmErrors, err = meter.Int64Counter("itak_llm_errors_total",
		metric.WithDescription("Total model call failures")); err != nil {
		return nil, err
	}
	if m.llmInputTokens, err = meter.Int64Counter("itak_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to models")); err != nil {
		return nil, err
	}
	if m.llmOutputTokens, err = meter.Int64Counter("itak_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from models")); err != nil {
		return nil, err
	}
	if m.llmCost, err = meter.Float64Counter("itak_llm_cost_dollars_total",
		metric.WithDescription("Total model spend in dollars")); err != nil {
		return nil, err
	}

	if m.toolDuration, err = meter.Float64Histogram("itak_tool_run_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds")); err != nil {
		return nil, err
	}
	if m.toolRuns, err = meter.Int64Counter("itak_tool_runs_total",
		metric.WithDescription("Total tool executions")); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter("itak_tool_errors_total",
		metric.WithDescription("Total tool execution failures")); err != nil {
		return nil, err
	}

	if m.monologueDuration, err = meter.Float64Histogram("itak_monologue_duration_seconds",
		metric.WithDescription("End-to-end monologue duration in seconds")); err != nil {
		return nil, err
	}
	if m.monologueIterations, err = meter.Int64Counter("itak_monologue_iterations_total",
		metric.WithDescription("Total reasoning iterations across monologues")); err != nil {
		return nil, err
	}
	if m.monologueErrors, err = meter.Int64Counter("itak_monologue_errors_total",
		metric.WithDescription("Total monologues that surfaced an error")); err != nil {
		return nil, err
	}

	if m.healAttempts, err = meter.Int64Counter("itak_heal_attempts_total",
		metric.WithDescription("Total self-repair attempts")); err != nil {
		return nil, err
	}
	if m.healSuccesses, err = meter.Int64Counter("itak_heal_successes_total",
		metric.WithDescription("Total self-repair attempts that recovered the step")); err != nil {
		return nil, err
	}

	if m.httpDuration, err = meter.Float64Histogram("itak_http_request_duration_seconds",
		metric.WithDescription("API request duration in seconds")); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("itak_http_requests_total",
		metric.WithDescription("Total API requests")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model, provider string, duration time.Duration, tokensIn, tokensOut int, cost float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("provider", provider),
	)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmInputTokens.Add(ctx, int64(tokensIn), attrs)
	m.llmOutputTokens.Add(ctx, int64(tokensOut), attrs)
	m.llmCost.Add(ctx, cost, attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordToolRun(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolRuns.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordMonologue(ctx context.Context, channel string, iterations int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.monologueDuration.Record(ctx, duration.Seconds(), attrs)
	m.monologueIterations.Add(ctx, int64(iterations), attrs)
	if err != nil {
		m.monologueErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordHealAttempt(ctx context.Context, class string, recovered bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("class", class))
	m.healAttempts.Add(ctx, 1, attrs)
	if recovered {
		m.healSuccesses.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}
