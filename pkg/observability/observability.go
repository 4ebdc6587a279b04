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

// Package observability wires the tracer provider and the prometheus
// metrics pipeline the rest of the runtime records into.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/itak-ai/itak/pkg/config"
)

// Manager owns the tracer provider and the metrics recorder.
type Manager struct {
	cfg            config.ObservabilityConfig
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	registry       *prometheus.Registry
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg}
}

// NoopManager is for tests and fully disabled deployments.
func NoopManager() *Manager {
	m := NewManager(config.ObservabilityConfig{})
	_ = m.Initialize(context.Background())
	return m
}

func (m *Manager) Initialize(ctx context.Context) error {
	if m.cfg.Tracing.Enabled {
		res, err := resource.New(ctx,
			resource.WithAttributes(semconv.ServiceName(m.cfg.Tracing.ServiceName)),
		)
		if err != nil {
			return fmt.Errorf("failed to create trace resource: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(m.cfg.Tracing.SamplingRate)),
			sdktrace.WithResource(res),
		)
		m.tracerProvider = tp
		otel.SetTracerProvider(tp)
	} else {
		m.tracerProvider = noop.NewTracerProvider()
	}

	if m.cfg.Metrics.Enabled {
		m.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		metrics, err := newMetrics(provider.Meter("itak"))
		if err != nil {
			return err
		}
		m.metrics = metrics
	}
	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the recorder; recording on a nil *Metrics is a no-op,
// so callers never need to branch on whether metrics are enabled.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Handler serves the prometheus exposition endpoint.
func (m *Manager) Handler() http.Handler {
	if m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) Shutdown(ctx context.Context) error {
	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
