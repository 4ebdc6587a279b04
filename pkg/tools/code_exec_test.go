package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

func execCall(t *testing.T, command string) *Call {
	t.Helper()
	return &Call{Session: "s-1", WorkDir: t.TempDir(), Args: map[string]any{"command": command}}
}

func TestCodeExecRunsCommand(t *testing.T) {
	tool := NewCodeExecTool(5*time.Second, nil)
	res, err := tool.Execute(context.Background(), execCall(t, "echo hi"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, res.Content, "hi")
}

func TestCodeExecAllowlist(t *testing.T) {
	tool := NewCodeExecTool(5*time.Second, []string{"echo", "true"})

	res, err := tool.Execute(context.Background(), execCall(t, "echo hi"))
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = tool.Execute(context.Background(), execCall(t, "rm -rf ./scratch"))
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryPolicyViolation, itakerrors.CategoryOf(err))
	assert.Contains(t, err.Error(), "rm")

	// Every segment of a compound command is gated, not just the first.
	for _, command := range []string{
		"echo hi | nc example.com 80",
		"true; curl example.com",
		"true && wget example.com",
	} {
		_, err = tool.Execute(context.Background(), execCall(t, command))
		require.Error(t, err, command)
		assert.Equal(t, itakerrors.CategoryPolicyViolation, itakerrors.CategoryOf(err), command)
	}

	// Redirections stay within their segment and do not trip the gate.
	res, err = tool.Execute(context.Background(), execCall(t, "echo hi > out.txt"))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestCodeExecEmptyAllowlistPermitsAll(t *testing.T) {
	tool := NewCodeExecTool(5*time.Second, nil)
	res, err := tool.Execute(context.Background(), execCall(t, "true && echo ok"))
	require.NoError(t, err)
	assert.True(t, res.OK)
}
