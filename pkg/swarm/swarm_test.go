package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

func testProfiles() map[string]*config.SwarmProfile {
	profiles := map[string]*config.SwarmProfile{
		"researcher": {Role: "chat", MaxIterations: 8},
		"reviewer":   {Role: "utility", MaxIterations: 4},
		"writer":     {Role: "chat", MaxIterations: 6},
	}
	for _, p := range profiles {
		p.SetDefaults()
	}
	return profiles
}

func TestDelegateRunsOneSubAgent(t *testing.T) {
	var gotSession string
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		gotSession = sessionKey
		return "sub result for: " + task, nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	out, err := c.Delegate(context.Background(), "itak:web:dm:1", "researcher", "find the port")
	require.NoError(t, err)
	assert.Equal(t, "sub result for: find the port", out)
	assert.Equal(t, "itak:web:dm:1/sub/1", gotSession, "checkpoint namespace under the parent session")
}

func TestSelfDelegationForbidden(t *testing.T) {
	c := NewCoordinator(testProfiles(), "researcher", nil, nil)
	_, err := c.Delegate(context.Background(), "itak:web:dm:1", "researcher", "clone thyself")
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryInvalidArgs, itakerrors.CategoryOf(err))
	assert.Contains(t, err.Error(), "invalid delegation")
}

func TestUnknownProfileRejected(t *testing.T) {
	c := NewCoordinator(testProfiles(), "primary", nil, nil)
	_, err := c.Delegate(context.Background(), "itak:web:dm:1", "nonexistent", "task")
	require.Error(t, err)
}

func TestParallelWaitAllConcat(t *testing.T) {
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		return "done: " + task, nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	out, err := c.Spawn(context.Background(), nil, "itak:web:dm:2", Spec{
		Strategy: StrategyParallel,
		Wait:     WaitAll,
		Merge:    MergeConcat,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "a"},
			{Profile: "reviewer", Task: "b"},
		},
	})
	require.NoError(t, err)
	// Concat preserves subtask order regardless of completion order.
	assert.Equal(t, "done: a\n\ndone: b", out)
}

func TestParallelWaitAllAggregatesErrors(t *testing.T) {
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		if task == "bad" {
			return "", errors.New("boom")
		}
		return "ok", nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	_, err := c.Spawn(context.Background(), nil, "itak:web:dm:3", Spec{
		Strategy: StrategyParallel,
		Wait:     WaitAll,
		Merge:    MergeConcat,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "good"},
			{Profile: "reviewer", Task: "bad"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestWaitFirstCancelsPeers(t *testing.T) {
	var mu sync.Mutex
	cancelled := map[string]bool{}

	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		if task == "fast" {
			return "fast result", nil
		}
		<-ctx.Done()
		mu.Lock()
		cancelled[task] = true
		mu.Unlock()
		return "", ctx.Err()
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	out, err := c.Spawn(context.Background(), nil, "itak:web:dm:4", Spec{
		Strategy: StrategyParallel,
		Wait:     WaitFirst,
		Merge:    MergeBest,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "slow-1"},
			{Profile: "reviewer", Task: "fast"},
			{Profile: "writer", Task: "slow-2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "fast result", out)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelled["slow-1"] && cancelled["slow-2"]
	}, 2*time.Second, 10*time.Millisecond, "losing peers must observe cancellation")
}

func TestSequentialSeedsNextStage(t *testing.T) {
	var tasks []string
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		tasks = append(tasks, task)
		return fmt.Sprintf("out-%d", len(tasks)), nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	out, err := c.Spawn(context.Background(), nil, "itak:web:dm:5", Spec{
		Strategy: StrategySequential,
		Merge:    MergeConcat,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "research"},
			{Profile: "writer", Task: "write it up"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "out-1\n\nout-2", out)
	require.Len(t, tasks, 2)
	assert.Equal(t, "research", tasks[0])
	assert.Contains(t, tasks[1], "out-1", "second stage sees the first stage's output")
}

func TestPipelineOrderedHandoff(t *testing.T) {
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		mu.Lock()
		order = append(order, profile.Role+":"+firstWord(task))
		mu.Unlock()
		return "stage output", nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	_, err := c.Spawn(context.Background(), nil, "itak:web:dm:6", Spec{
		Strategy: StrategyPipeline,
		Merge:    MergeConcat,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "gather"},
			{Profile: "writer", Task: "draft"},
		},
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "chat:gather", order[0], "upstream stage runs first")
}

func TestMergeSummarizeUsesUtility(t *testing.T) {
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		return "finding about " + task, nil
	}
	utility := func(ctx context.Context, prompt string) (string, error) {
		require.Contains(t, prompt, "finding about a")
		require.Contains(t, prompt, "finding about b")
		return "condensed", nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, utility)

	out, err := c.Spawn(context.Background(), nil, "itak:web:dm:7", Spec{
		Strategy: StrategyParallel,
		Wait:     WaitAll,
		Merge:    MergeSummarize,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "a"},
			{Profile: "reviewer", Task: "b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "condensed", out)
}

func TestMergeBestPicksRankedCandidate(t *testing.T) {
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		return "answer " + task, nil
	}
	utility := func(ctx context.Context, prompt string) (string, error) {
		return "Candidate 2 is best.", nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, utility)

	out, err := c.Spawn(context.Background(), nil, "itak:web:dm:8", Spec{
		Strategy: StrategyParallel,
		Wait:     WaitAll,
		Merge:    MergeBest,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "x"},
			{Profile: "reviewer", Task: "y"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "answer y", out)
}

func TestMergeCustomReducer(t *testing.T) {
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		return task, nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	out, err := c.Spawn(context.Background(), nil, "itak:web:dm:9", Spec{
		Strategy: StrategyParallel,
		Wait:     WaitAll,
		Merge:    MergeCustom,
		Subtasks: []Subtask{
			{Profile: "researcher", Task: "1"},
			{Profile: "reviewer", Task: "2"},
		},
		Reducer: func(outputs []string) (string, error) {
			return strings.Join(outputs, "|"), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "1|2", out)
}

func TestContextSnippetPrepended(t *testing.T) {
	var gotTask string
	run := func(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, task string) (string, error) {
		gotTask = task
		return "ok", nil
	}
	c := NewCoordinator(testProfiles(), "primary", run, nil)

	_, err := c.Spawn(context.Background(), nil, "itak:web:dm:10", Spec{
		Strategy: StrategyParallel,
		Wait:     WaitAll,
		Merge:    MergeConcat,
		Context:  "the user prefers concise answers",
		Subtasks: []Subtask{{Profile: "researcher", Task: "do the thing"}},
	})
	require.NoError(t, err)
	assert.Contains(t, gotTask, "the user prefers concise answers")
	assert.Contains(t, gotTask, "do the thing")
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
