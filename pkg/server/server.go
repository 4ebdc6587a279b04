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

// Package server exposes the runtime over HTTP: the SSE chat endpoint,
// session and memory administration, the task board, cost reporting,
// the inbound webhook mount, and health/metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itak-ai/itak/pkg/auth"
	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/observability"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/session"
	"github.com/itak-ai/itak/pkg/store"
	"github.com/itak-ai/itak/pkg/task"
)

// ChatScheduler is the slice of the scheduler the API drives.
type ChatScheduler interface {
	HandleMessage(ctx context.Context, p *principal.Principal, sess *session.Session, message string) (string, error)
	Cancel(sessionKey string) bool
}

// MemoryFabric is the memory surface the API exposes. *memory.Fabric
// satisfies it.
type MemoryFabric interface {
	Search(ctx context.Context, principal, query string, k int) ([]*store.Entry, error)
	Remember(ctx context.Context, principal, content string, opts memory.RememberOptions) (*store.Entry, error)
	ProposeForgetID(ctx context.Context, principal, id string) (*memory.ForgetProposal, error)
	ConfirmForget(ctx context.Context, token string) error
}

// CostReporter reports budget counter state. *budget.Limiter satisfies
// it.
type CostReporter interface {
	Snapshot(ctx context.Context) ([]budget.CounterSnapshot, error)
}

// PrincipalResolver maps API identities to principals.
type PrincipalResolver interface {
	Resolve(channel, externalID string) (*principal.Principal, bool)
}

type Options struct {
	Config     *config.Config
	Auth       *auth.Authenticator
	Scheduler  ChatScheduler
	Sessions   *session.Manager
	Memory     MemoryFabric
	Board      *task.Board
	Costs      CostReporter
	Principals PrincipalResolver
	// Owner is the fallback identity for requests authenticated with
	// the static API token.
	Owner         *principal.Principal
	Observability *observability.Manager
	Hub           *EventHub
	// Webhook, when set, is mounted at POST /webhook/inbound outside
	// the bearer-auth middleware; it carries its own HMAC check.
	Webhook http.HandlerFunc
	// Reload re-reads config-derived state for /admin/reload-config.
	Reload func() error
}

type Server struct {
	opts Options
	http *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Auth == nil || opts.Scheduler == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("config, auth, scheduler and sessions are required")
	}
	if opts.Hub == nil {
		opts.Hub = NewEventHub()
	}
	if opts.Observability == nil {
		opts.Observability = observability.NoopManager()
	}
	s := &Server{opts: opts}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestMetrics)

	r.Get("/health", s.handleHealth)
	if s.opts.Webhook != nil {
		r.Post("/webhook/inbound", s.opts.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Auth.Middleware)

		r.Get("/metrics", s.opts.Observability.Handler().ServeHTTP)
		r.Post("/chat", s.handleChat)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{key}/transcript", s.handleTranscript)
		r.Delete("/sessions/{key}", s.handleDeleteSession)
		r.Post("/sessions/{key}/cancel", s.handleCancel)
		r.Get("/memory/search", s.handleMemorySearch)
		r.Post("/memory", s.handleMemoryAdd)
		r.Delete("/memory/{id}", s.handleMemoryDelete)
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Patch("/tasks/{id}", s.handlePatchTask)
		r.Get("/costs", s.handleCosts)
		r.Post("/admin/reload-config", s.handleReload)
	})
	return r
}

// Hub is the listener the scheduler publishes progress events to.
func (s *Server) Hub() *EventHub {
	return s.opts.Hub
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestMetrics records one histogram sample per request.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.opts.Observability.Metrics().RecordHTTPRequest(r.Context(), r.Method, route, sw.status, time.Since(start))
	})
}

// statusWriter captures the status code while passing Flusher through
// for SSE.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch itakerrors.CategoryOf(err) {
	case itakerrors.CategoryInvalidArgs:
		status = http.StatusBadRequest
	case itakerrors.CategoryPermissionDenied:
		status = http.StatusForbidden
	case itakerrors.CategoryRateLimited, itakerrors.CategoryBudgetExceeded:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
