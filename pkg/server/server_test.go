package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/auth"
	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/scheduler"
	"github.com/itak-ai/itak/pkg/session"
	"github.com/itak-ai/itak/pkg/store"
	"github.com/itak-ai/itak/pkg/task"
)

const apiToken = "test-api-token"

type fakeScheduler struct {
	hub   *EventHub
	reply string
}

func (f *fakeScheduler) HandleMessage(ctx context.Context, p *principal.Principal, sess *session.Session, message string) (string, error) {
	f.hub.Publish(scheduler.Event{Kind: scheduler.EventStepStart, Session: sess.Key, Step: 1, Tool: "web_fetch", Timestamp: time.Now()})
	f.hub.Publish(scheduler.Event{Kind: scheduler.EventFinal, Session: sess.Key, Summary: f.reply, Timestamp: time.Now()})
	return f.reply, nil
}

func (f *fakeScheduler) Cancel(sessionKey string) bool { return true }

type fakeMemory struct {
	entries   map[string]*store.Entry
	proposals map[string]string // token → entry id
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{entries: map[string]*store.Entry{}, proposals: map[string]string{}}
}

func (m *fakeMemory) Search(ctx context.Context, principal, query string, k int) ([]*store.Entry, error) {
	var out []*store.Entry
	for _, e := range m.entries {
		if strings.Contains(e.Content, query) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *fakeMemory) Remember(ctx context.Context, principal, content string, opts memory.RememberOptions) (*store.Entry, error) {
	if strings.TrimSpace(content) == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "cannot remember empty content")
	}
	e := &store.Entry{ID: "mem-" + content[:3], PrincipalID: principal, Content: content, Priority: opts.Priority}
	m.entries[e.ID] = e
	return e, nil
}

func (m *fakeMemory) ProposeForgetID(ctx context.Context, principal, id string) (*memory.ForgetProposal, error) {
	e, ok := m.entries[id]
	if !ok {
		return &memory.ForgetProposal{}, nil
	}
	token := "confirm-" + id
	m.proposals[token] = id
	return &memory.ForgetProposal{Token: token, Entries: []*store.Entry{e}}, nil
}

func (m *fakeMemory) ConfirmForget(ctx context.Context, token string) error {
	id, ok := m.proposals[token]
	if !ok {
		return itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown confirmation token")
	}
	delete(m.entries, id)
	delete(m.proposals, token)
	return nil
}

type fakeCosts struct{ counters []budget.CounterSnapshot }

func (f *fakeCosts) Snapshot(ctx context.Context) ([]budget.CounterSnapshot, error) {
	return f.counters, nil
}

type fixture struct {
	server   *Server
	router   http.Handler
	memory   *fakeMemory
	board    *task.Board
	sessions *session.Manager
	reloaded bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sum := sha256.Sum256([]byte(apiToken))
	secCfg := &config.SecurityConfig{APITokenHash: hex.EncodeToString(sum[:])}
	secCfg.SetDefaults()
	authn, err := auth.New(secCfg)
	require.NoError(t, err)

	sessions, err := session.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	board, err := task.OpenBoard(filepath.Join(t.TempDir(), "tasks.json"))
	require.NoError(t, err)

	hub := NewEventHub()
	f := &fixture{memory: newFakeMemory(), board: board, sessions: sessions}
	srv, err := New(Options{
		Config:    &config.Config{Host: "127.0.0.1", Port: 0},
		Auth:      authn,
		Scheduler: &fakeScheduler{hub: hub, reply: "done"},
		Sessions:  sessions,
		Memory:    f.memory,
		Board:     board,
		Costs: &fakeCosts{counters: []budget.CounterSnapshot{
			{Scope: budget.ScopeGlobal, Window: budget.WindowDay, Cost: 1.25},
			{Scope: budget.ScopeGlobal, Window: budget.WindowMonth, Cost: 9.50},
		}},
		Owner:  &principal.Principal{ID: "p-owner", Name: "owner", Role: principal.RoleOwner},
		Hub:    hub,
		Reload: func() error { f.reloaded = true; return nil },
	})
	require.NoError(t, err)
	f.server = srv
	f.router = srv.Router()
	return f
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+apiToken)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAPIRequiresAuth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatStreamsEvents(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/chat", chatRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: step_start")
	assert.Contains(t, body, "event: final")
	assert.Contains(t, body, `"summary":"done"`)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/chat", chatRequest{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	sess, err := f.sessions.Attach("itak:api:dm:p-owner", "p-owner")
	require.NoError(t, err)
	require.NoError(t, sess.Append(session.TurnUser, "hi"))
	require.NoError(t, sess.Append(session.TurnAssistant, "hello back"))

	rec := f.request(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "itak:api:dm:p-owner")

	rec = f.request(t, http.MethodGet, "/sessions/itak:api:dm:p-owner/transcript", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello back")

	rec = f.request(t, http.MethodDelete, "/sessions/itak:api:dm:p-owner", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.request(t, http.MethodGet, "/sessions/itak:api:dm:p-owner/transcript", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/memory", memoryAddRequest{Content: "grocery list lives on the fridge"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "p-owner", created.PrincipalID)

	rec = f.request(t, http.MethodGet, "/memory/search?q=grocery", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grocery list")

	rec = f.request(t, http.MethodGet, "/memory/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing query")
}

func TestMemoryDeleteIsTwoPhase(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/memory", memoryAddRequest{Content: "old wifi password"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// First call proposes and returns a token; nothing is deleted.
	rec = f.request(t, http.MethodDelete, "/memory/"+created.ID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var proposal struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proposal))
	require.NotEmpty(t, proposal.Token)
	assert.Contains(t, f.memory.entries, created.ID)

	// Confirming with the token commits.
	rec = f.request(t, http.MethodDelete, "/memory/"+created.ID+"?token="+proposal.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, f.memory.entries, created.ID)
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/tasks", taskCreateRequest{Title: "water the plants"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, task.StatusInbox, created.Status)

	rec = f.request(t, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "water the plants")

	rec = f.request(t, http.MethodPatch, "/tasks/"+created.ID, taskPatchRequest{Status: string(task.StatusInProgress)})
	require.Equal(t, http.StatusOK, rec.Code)

	// The board rejects illegal jumps.
	rec = f.request(t, http.MethodPatch, "/tasks/"+created.ID, taskPatchRequest{Status: string(task.StatusInbox)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPost, "/tasks", map[string]string{"title": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCostsFilterByWindow(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/costs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.25")
	assert.Contains(t, rec.Body.String(), "9.5")

	rec = f.request(t, http.MethodGet, "/costs?window=day", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.25")
	assert.NotContains(t, rec.Body.String(), "9.5")
}

func TestReloadConfig(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/admin/reload-config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.reloaded)
}

func TestCancelEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/sessions/itak:api:dm:p-owner/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled":true`)
}
