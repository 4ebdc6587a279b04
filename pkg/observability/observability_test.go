package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/config"
)

func enabledManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.ObservabilityConfig{Metrics: config.MetricsConfig{Enabled: true}}
	cfg.SetDefaults()
	m := NewManager(cfg)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposed(t *testing.T) {
	m := enabledManager(t)
	ctx := context.Background()

	m.Metrics().RecordLLMCall(ctx, "claude-sonnet", "anthropic", 250*time.Millisecond, 100, 50, 0.002, nil)
	m.Metrics().RecordToolRun(ctx, "web_fetch", 80*time.Millisecond, errors.New("boom"))
	m.Metrics().RecordMonologue(ctx, "console", 3, time.Second, nil)
	m.Metrics().RecordHealAttempt(ctx, "network", true)
	m.Metrics().RecordHTTPRequest(ctx, http.MethodPost, "/chat", http.StatusOK, 10*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, "itak_llm_calls_total")
	assert.Contains(t, body, "itak_tool_errors_total")
	assert.Contains(t, body, "itak_monologue_iterations_total")
	assert.Contains(t, body, "itak_heal_successes_total")
	assert.Contains(t, body, "itak_http_requests_total")
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m := NoopManager()

	// Nil recorder must be safe everywhere.
	m.Metrics().RecordLLMCall(context.Background(), "m", "p", time.Second, 1, 1, 0, nil)
	m.Metrics().RecordToolRun(context.Background(), "t", time.Second, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTracerAvailableWhenDisabled(t *testing.T) {
	m := NoopManager()
	_, span := m.Tracer("test").Start(context.Background(), "op")
	span.End()
}
