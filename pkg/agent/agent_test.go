package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Port:    18080,
		Models: map[string][]config.ModelBinding{
			"chat":    {{Provider: "ollama", Model: "llama3", Free: true}},
			"utility": {{Provider: "ollama", Model: "llama3", Free: true}},
		},
		Swarm: map[string]*config.SwarmProfile{
			"researcher": {Role: "chat", ToolAllowlist: []string{"memory_load"}},
		},
		Tools: map[string]*config.ToolConfig{
			"http_request": {},
		},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(testConfig(t), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNewWiresEverything(t *testing.T) {
	a := newTestAgent(t)

	assert.NotNil(t, a.scheduler)
	assert.NotNil(t, a.fabric)
	assert.NotNil(t, a.api)
	assert.NotNil(t, a.coordinator)
	assert.NotNil(t, a.healer)
	assert.NotNil(t, a.mem)

	names := a.registry.Names()
	assert.Contains(t, names, "http_request")
	assert.Contains(t, names, "task_update")
	assert.Contains(t, names, "delegate_task")
}

func TestSubAgentAllowlist(t *testing.T) {
	a := newTestAgent(t)
	d := &allowlistDispatcher{inner: a.executor, allow: map[string]bool{"memory_load": true}}
	p := &principal.Principal{ID: "p-1", Role: principal.RoleOwner}

	_, err := d.Execute(context.Background(), p, "s", "http_request", nil)
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryPermissionDenied, itakerrors.CategoryOf(err))

	_, err = d.Execute(context.Background(), p, "s", "delegate_task", nil)
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryPermissionDenied, itakerrors.CategoryOf(err))
}

func TestSubAgentToolPromptsHideDelegate(t *testing.T) {
	a := newTestAgent(t)
	prompts := a.subAgentToolPrompts(nil)(principal.RoleOwner)
	assert.NotContains(t, prompts, "delegate_task")
}

func TestDailyReport(t *testing.T) {
	a := newTestAgent(t)
	_, err := a.board.Create("water the plants", "", "test")
	require.NoError(t, err)

	report, err := a.dailyReport(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report, "1 inbox")
}

func TestPersistedPortIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "port")
	first, err := persistedPort(path)
	require.NoError(t, err)
	second, err := persistedPort(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, 20000)
}
