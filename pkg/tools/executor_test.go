package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/hooks"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/vault"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back."`
}

// fakeTool records whether its body ran, so permission tests can assert
// the gate fires before execution.
type fakeTool struct {
	name     string
	role     principal.Role
	timeout  time.Duration
	executed bool
	execute  func(ctx context.Context, call *Call) (*Result, error)
}

func (f *fakeTool) Info() Info {
	return Info{
		Name:         f.name,
		Description:  "test tool",
		InputSchema:  schemaFor(&echoArgs{}),
		RequiredRole: f.role,
		SideEffect:   SideEffectNone,
		Timeout:      f.timeout,
		CostClass:    CostFree,
	}
}

func (f *fakeTool) UsagePrompt() string { return "echoes its input." }

func (f *fakeTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	f.executed = true
	if f.execute != nil {
		return f.execute(ctx, call)
	}
	text, _ := call.Args["text"].(string)
	return &Result{OK: true, Content: text}, nil
}

func testExecutor(t *testing.T, tools ...Tool) (*Executor, *vault.Vault) {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}

	vlt, err := vault.New()
	require.NoError(t, err)

	limits := &config.LimitsConfig{}
	limits.SetDefaults()
	sec := &config.SecurityConfig{}
	sec.SetDefaults()
	limiter, err := budget.NewLimiter(limits, sec, budget.NewMemoryStore(), nil)
	require.NoError(t, err)

	runner := hooks.NewRunner()
	t.Cleanup(func() { runner.Close() })

	dir := t.TempDir()
	exec, err := NewExecutor(registry, vlt, runner, limiter, dir+"/work", dir+"/artifacts", 0)
	require.NoError(t, err)
	return exec, vlt
}

func userPrincipal(role principal.Role) *principal.Principal {
	return &principal.Principal{ID: "p-1", Name: "tester", Role: role}
}

func TestExecuteHappyPath(t *testing.T) {
	tool := &fakeTool{name: "echo", role: principal.RoleUser}
	exec, _ := testExecutor(t, tool)

	result, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "hello", result.Content)
	assert.True(t, tool.executed)
}

func TestUnknownToolIsInvalidArgs(t *testing.T) {
	exec, _ := testExecutor(t)
	_, err := exec.Execute(context.Background(), userPrincipal(principal.RoleOwner),
		"sess-1", "nope", nil)
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryInvalidArgs, itakerrors.CategoryOf(err))
}

func TestMissingRequiredArgRejected(t *testing.T) {
	tool := &fakeTool{name: "echo", role: principal.RoleUser}
	exec, _ := testExecutor(t, tool)

	_, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "echo", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryInvalidArgs, itakerrors.CategoryOf(err))
	assert.False(t, tool.executed, "tool body must not run on schema failure")
}

func TestWrongArgTypeRejected(t *testing.T) {
	tool := &fakeTool{name: "echo", role: principal.RoleUser}
	exec, _ := testExecutor(t, tool)

	_, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "echo", map[string]any{"text": 42})
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryInvalidArgs, itakerrors.CategoryOf(err))
}

func TestPermissionDeniedBeforeBody(t *testing.T) {
	tool := &fakeTool{name: "restricted", role: principal.RoleSudo}
	exec, _ := testExecutor(t, tool)

	_, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "restricted", map[string]any{"text": "x"})
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryPermissionDenied, itakerrors.CategoryOf(err))
	assert.False(t, tool.executed, "tool body must not run when permission is denied")
}

func TestSecretsExpandedAndRedacted(t *testing.T) {
	tool := &fakeTool{name: "echo", role: principal.RoleUser}
	exec, vlt := testExecutor(t, tool)
	require.NoError(t, vlt.Put("api_key", "s3cr3t-value-123"))

	result, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "echo", map[string]any{"text": "token={{api_key}}"})
	require.NoError(t, err)
	assert.NotContains(t, result.Content, "s3cr3t-value-123",
		"secret values must be redacted from tool output")
	assert.NotContains(t, result.Content, "{{api_key}}",
		"placeholder must have been expanded before execution")
}

func TestOversizedOutputSpillsToArtifact(t *testing.T) {
	big := strings.Repeat("x", defaultMaxOutputBytes*2)
	tool := &fakeTool{
		name: "bigout",
		role: principal.RoleUser,
		execute: func(ctx context.Context, call *Call) (*Result, error) {
			return &Result{OK: true, Content: big}, nil
		},
	}
	exec, _ := testExecutor(t, tool)

	result, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "bigout", map[string]any{"text": "go"})
	require.NoError(t, err)
	assert.Less(t, len(result.Content), len(big))
	assert.Contains(t, result.Content, "output truncated")
	require.Len(t, result.Artifacts, 1)
	assert.Contains(t, result.Content, result.Artifacts[0].ID)
	assert.FileExists(t, result.Artifacts[0].Path)
}

func TestTimeoutIsCategorized(t *testing.T) {
	tool := &fakeTool{
		name:    "slow",
		role:    principal.RoleUser,
		timeout: 20 * time.Millisecond,
		execute: func(ctx context.Context, call *Call) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	exec, _ := testExecutor(t, tool)

	_, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "slow", map[string]any{"text": "x"})
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryTimeout, itakerrors.CategoryOf(err))
}

func TestToolErrorPassesThrough(t *testing.T) {
	wantErr := errors.New("backend unavailable")
	tool := &fakeTool{
		name: "flaky",
		role: principal.RoleUser,
		execute: func(ctx context.Context, call *Call) (*Result, error) {
			return nil, itakerrors.Wrap(itakerrors.CategoryProviderTransient, wantErr, "flaky failed")
		},
	}
	exec, _ := testExecutor(t, tool)

	_, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "flaky", map[string]any{"text": "x"})
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryProviderTransient, itakerrors.CategoryOf(err))
	assert.ErrorIs(t, err, wantErr)
}

func TestWorkDirProvidedAndCleaned(t *testing.T) {
	var seenDir string
	tool := &fakeTool{
		name: "fs",
		role: principal.RoleUser,
		execute: func(ctx context.Context, call *Call) (*Result, error) {
			seenDir = call.WorkDir
			return &Result{OK: true, Content: "ok"}, nil
		},
	}
	exec, _ := testExecutor(t, tool)

	_, err := exec.Execute(context.Background(), userPrincipal(principal.RoleUser),
		"sess-1", "fs", map[string]any{"text": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, seenDir)
	assert.NoDirExists(t, seenDir, "per-call work dir must be removed after execution")
}
