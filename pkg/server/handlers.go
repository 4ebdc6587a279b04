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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itak-ai/itak/pkg/auth"
	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/scheduler"
	"github.com/itak-ai/itak/pkg/store"
	"github.com/itak-ai/itak/pkg/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestPrincipal maps the authenticated identity to a principal,
// falling back to the owner for the static API token.
func (s *Server) requestPrincipal(r *http.Request) (*principal.Principal, error) {
	claims := auth.GetClaims(r)
	if claims == nil {
		return nil, itakerrors.New(itakerrors.CategoryPermissionDenied, "unauthenticated")
	}
	if s.opts.Principals != nil {
		if p, ok := s.opts.Principals.Resolve("api", claims.Subject); ok {
			return p, nil
		}
	}
	if s.opts.Owner != nil {
		return s.opts.Owner, nil
	}
	return nil, itakerrors.New(itakerrors.CategoryPermissionDenied, "identity %q is not bound to a principal", claims.Subject)
}

type chatRequest struct {
	SessionKey string `json:"session_key,omitempty"`
	Message    string `json:"message"`
}

type chatResult struct {
	reply string
	err   error
}

// handleChat runs one monologue and streams progress events over SSE
// until the terminal event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, itakerrors.New(itakerrors.CategoryInvalidArgs, "message is required"))
		return
	}
	p, err := s.requestPrincipal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	key := req.SessionKey
	if key == "" {
		key = "itak:api:dm:" + p.ID
	}
	sess, err := s.opts.Sessions.Attach(key, p.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.opts.Hub.Subscribe(key)
	defer unsubscribe()

	resultCh := make(chan chatResult, 1)
	go func() {
		reply, herr := s.opts.Scheduler.HandleMessage(r.Context(), p, sess, req.Message)
		resultCh <- chatResult{reply: reply, err: herr}
	}()

	writeEvent := func(ev scheduler.Event) bool {
		data, merr := json.Marshal(ev)
		if merr != nil {
			return false
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		flusher.Flush()
		return ev.Kind == scheduler.EventFinal || ev.Kind == scheduler.EventError
	}

	for {
		select {
		case ev := <-events:
			if writeEvent(ev) {
				return
			}
		case res := <-resultCh:
			// Drain events the scheduler published before returning.
			for {
				select {
				case ev := <-events:
					if writeEvent(ev) {
						return
					}
					continue
				default:
				}
				break
			}
			// No terminal event made it through; synthesize one.
			ev := scheduler.Event{Kind: scheduler.EventFinal, Session: key, Summary: res.reply, Timestamp: time.Now()}
			if res.err != nil {
				ev = scheduler.Event{Kind: scheduler.EventError, Session: key, Error: res.err.Error(), Timestamp: time.Now()}
			}
			writeEvent(ev)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.opts.Sessions.List()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sess, ok := s.opts.Sessions.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_key": key,
		"turns":       sess.Tail(0),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Delete(chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.opts.Scheduler.Cancel(chi.URLParam(r, "key"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Memory == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "memory not configured"})
		return
	}
	p, err := s.requestPrincipal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, itakerrors.New(itakerrors.CategoryInvalidArgs, "query parameter q is required"))
		return
	}
	k := 10
	if raw := r.URL.Query().Get("k"); raw != "" {
		if parsed, perr := strconv.Atoi(raw); perr == nil && parsed > 0 {
			k = parsed
		}
	}
	entries, err := s.opts.Memory.Search(r.Context(), p.ID, query, k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type memoryAddRequest struct {
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

func (s *Server) handleMemoryAdd(w http.ResponseWriter, r *http.Request) {
	if s.opts.Memory == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "memory not configured"})
		return
	}
	p, err := s.requestPrincipal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req memoryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, itakerrors.New(itakerrors.CategoryInvalidArgs, "invalid request body"))
		return
	}
	opts := memory.RememberOptions{Tags: req.Tags, Priority: store.Priority(req.Priority)}
	if opts.Priority == "" {
		opts.Priority = store.PriorityNormal
	}
	entry, err := s.opts.Memory.Remember(r.Context(), p.ID, req.Content, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleMemoryDelete is two-phase: the first call returns a
// confirmation token and the entries it covers; repeating the call
// with ?token= commits the deletion.
func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.opts.Memory == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "memory not configured"})
		return
	}
	if token := r.URL.Query().Get("token"); token != "" {
		if err := s.opts.Memory.ConfirmForget(r.Context(), token); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	p, err := s.requestPrincipal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	proposal, err := s.opts.Memory.ProposeForgetID(r.Context(), p.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"token":   proposal.Token,
		"entries": proposal.Entries,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.opts.Board == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "task board not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.opts.Board.List()})
}

type taskCreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.opts.Board == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "task board not configured"})
		return
	}
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeError(w, itakerrors.New(itakerrors.CategoryInvalidArgs, "title is required"))
		return
	}
	created, err := s.opts.Board.Create(req.Title, req.Description, "api")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type taskPatchRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	if s.opts.Board == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "task board not configured"})
		return
	}
	var req taskPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, itakerrors.New(itakerrors.CategoryInvalidArgs, "status is required"))
		return
	}
	updated, err := s.opts.Board.Transition(chi.URLParam(r, "id"), task.Status(req.Status), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Costs == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "budget tracking not configured"})
		return
	}
	counters, err := s.opts.Costs.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if window := r.URL.Query().Get("window"); window != "" {
		filtered := counters[:0]
		for _, c := range counters {
			if c.Window == budget.Window(window) {
				filtered = append(filtered, c)
			}
		}
		counters = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reload == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reload not supported"})
		return
	}
	if err := s.opts.Reload(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
