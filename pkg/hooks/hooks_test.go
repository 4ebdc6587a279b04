package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	r := NewRunner()
	t.Cleanup(func() { _ = r.Close() })

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		r.Register(MonologueStart, Registration{
			Name: name,
			Handler: func(ctx context.Context, hc *HookContext) error {
				order = append(order, name)
				return nil
			},
		})
	}

	err := r.Run(context.Background(), &HookContext{Point: MonologueStart})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestFailingHandlerIsIsolated(t *testing.T) {
	r := NewRunner()
	t.Cleanup(func() { _ = r.Close() })

	ran := false
	r.Register(ToolExecuteBefore, Registration{
		Name:    "broken",
		Handler: func(ctx context.Context, hc *HookContext) error { return errors.New("boom") },
	})
	r.Register(ToolExecuteBefore, Registration{
		Name: "after",
		Handler: func(ctx context.Context, hc *HookContext) error {
			ran = true
			return nil
		},
	})

	err := r.Run(context.Background(), &HookContext{Point: ToolExecuteBefore})
	require.NoError(t, err, "non-critical failures must not surface")
	assert.True(t, ran, "handlers after a failed non-critical one must still run")
}

func TestCriticalHandlerAbortsPoint(t *testing.T) {
	r := NewRunner()
	t.Cleanup(func() { _ = r.Close() })

	ran := false
	r.Register(AgentInit, Registration{
		Name:     "gate",
		Critical: true,
		Handler:  func(ctx context.Context, hc *HookContext) error { return errors.New("refused") },
	})
	r.Register(AgentInit, Registration{
		Name: "never",
		Handler: func(ctx context.Context, hc *HookContext) error {
			ran = true
			return nil
		},
	})

	err := r.Run(context.Background(), &HookContext{Point: AgentInit})
	require.Error(t, err)
	assert.False(t, ran)
}

func TestHandlersShareMutableContext(t *testing.T) {
	r := NewRunner()
	t.Cleanup(func() { _ = r.Close() })

	r.Register(PromptAssembleBefore, Registration{
		Name: "writer",
		Handler: func(ctx context.Context, hc *HookContext) error {
			hc.Values["note"] = "injected"
			return nil
		},
	})
	var got any
	r.Register(PromptAssembleBefore, Registration{
		Name: "reader",
		Handler: func(ctx context.Context, hc *HookContext) error {
			got = hc.Values["note"]
			return nil
		},
	})

	err := r.Run(context.Background(), &HookContext{Point: PromptAssembleBefore, Values: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "injected", got)
}

func TestEnqueueRunsInBackground(t *testing.T) {
	r := NewRunner()

	var mu sync.Mutex
	done := false
	r.Enqueue(func() {
		mu.Lock()
		done = true
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, r.Close())
}

func TestCloseDrainsQueue(t *testing.T) {
	r := NewRunner()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		r.Enqueue(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	require.NoError(t, r.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}
