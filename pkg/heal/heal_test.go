package heal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/store"
)

type fakeSolutionMemory struct {
	mu      sync.Mutex
	entries []*store.Entry
}

func (f *fakeSolutionMemory) Search(ctx context.Context, principal, query string, k int) ([]*store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Entry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func (f *fakeSolutionMemory) Remember(ctx context.Context, principal, content string, opts memory.RememberOptions) (*store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := &store.Entry{
		ID:          fmt.Sprintf("e-%d", len(f.entries)),
		PrincipalID: principal,
		Content:     content,
		Tags:        opts.Tags,
		Priority:    opts.Priority,
	}
	f.entries = append(f.entries, entry)
	return entry, nil
}

func TestClassifyByCategory(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{itakerrors.New(itakerrors.CategoryPolicyViolation, "ssrf blocked"), ClassSecurity},
		{itakerrors.New(itakerrors.CategoryPermissionDenied, "role too low"), ClassSecurity},
		{itakerrors.New(itakerrors.CategoryMissingSecret, "no api key"), ClassConfig},
		{itakerrors.New(itakerrors.CategoryRateLimited, "slow down"), ClassNetwork},
		{itakerrors.New(itakerrors.CategoryTimeout, "deadline"), ClassNetwork},
		{itakerrors.New(itakerrors.CategoryBudgetExceeded, "daily cap"), ClassResource},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}

func TestClassifyBySignature(t *testing.T) {
	cases := []struct {
		msg  string
		want Class
	}{
		{"sh: pip: command not found", ClassDependency},
		{"dial tcp: connection refused", ClassNetwork},
		{"write /tmp/x: no space left on device", ClassResource},
		{"record 17 is corrupt", ClassData},
		{"runtime error: nil pointer dereference", ClassRuntime},
		{"some tool-specific failure", ClassTool},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(errors.New(tc.msg)), tc.msg)
	}
}

func TestSecurityIsFatal(t *testing.T) {
	h := NewHealer(nil, nil, nil, nil)
	d := h.Handle(context.Background(), "p-1", "s-1",
		itakerrors.New(itakerrors.CategoryPolicyViolation, "target resolves to restricted address"), "http_request")
	assert.Equal(t, KindFatal, d.Kind)
	assert.Equal(t, ClassSecurity, d.Class)
}

func TestResourceRunsOneCleanupThenSurfaces(t *testing.T) {
	cleanups := 0
	h := NewHealer(nil, nil, nil, func(ctx context.Context) error {
		cleanups++
		return nil
	})
	d := h.Handle(context.Background(), "p-1", "s-1",
		itakerrors.New(itakerrors.CategoryBudgetExceeded, "daily budget spent"), "llm")
	assert.Equal(t, KindSurface, d.Kind)
	assert.Equal(t, 1, cleanups)
}

func TestInvalidArgsNotRetried(t *testing.T) {
	h := NewHealer(nil, nil, nil, nil)
	d := h.Handle(context.Background(), "p-1", "s-1",
		itakerrors.New(itakerrors.CategoryInvalidArgs, "missing required argument"), "echo")
	assert.NotEqual(t, KindRetry, d.Kind)
}

func TestRateDenialNotRetried(t *testing.T) {
	h := NewHealer(nil, nil, nil, nil)
	d := h.Handle(context.Background(), "p-1", "s-1",
		&budget.DeniedError{Scope: budget.ScopePrincipal, Identifier: "p-1", RetryAfter: 30 * time.Second}, "web_search")
	assert.Equal(t, KindSurface, d.Kind)
	assert.Equal(t, ClassNetwork, d.Class)
}

func TestBudgetDenialClassifiedAsResource(t *testing.T) {
	cleanups := 0
	h := NewHealer(nil, nil, nil, func(ctx context.Context) error {
		cleanups++
		return nil
	})
	d := h.Handle(context.Background(), "p-1", "s-1",
		&budget.BudgetExceededError{Window: budget.WindowDay, Spent: 0.99, Limit: 1, Estimated: 0.05}, "llm")
	assert.Equal(t, KindSurface, d.Kind)
	assert.Equal(t, ClassResource, d.Class)
	assert.Equal(t, 1, cleanups)
}

func TestRetryBudgetPerError(t *testing.T) {
	h := NewHealer(nil, nil, nil, nil)
	err := errors.New("dial tcp: connection refused")

	wantBackoffs := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	for i := 0; i < maxRetriesPerError; i++ {
		d := h.Handle(context.Background(), "p-1", "s-1", err, "web_search")
		require.Equal(t, KindRetry, d.Kind, "attempt %d should retry", i+1)
		assert.Equal(t, wantBackoffs[i], d.Backoff)
	}
	d := h.Handle(context.Background(), "p-1", "s-1", err, "web_search")
	assert.Equal(t, KindSurface, d.Kind, "budget exhausted, must surface")
}

func TestRetryBudgetPerSession(t *testing.T) {
	h := NewHealer(nil, nil, nil, nil)
	for i := 0; i < maxRetriesPerSession; i++ {
		err := fmt.Errorf("connection refused variant alpha-%c", 'a'+rune(i))
		d := h.Handle(context.Background(), "p-1", "s-1", err, "web_search")
		require.Equal(t, KindRetry, d.Kind, "retry %d within session budget", i+1)
	}
	d := h.Handle(context.Background(), "p-1", "s-1", errors.New("connection refused variant omega"), "web_search")
	assert.Equal(t, KindSurface, d.Kind)

	// A different session has a fresh budget.
	d = h.Handle(context.Background(), "p-1", "s-2", errors.New("connection refused variant omega"), "web_search")
	assert.Equal(t, KindRetry, d.Kind)
}

func TestKnownSolutionAppliedFirst(t *testing.T) {
	mem := &fakeSolutionMemory{}
	err := errors.New("sh: ffmpeg: command not found")
	sig := Signature(ClassDependency, err)

	rec := solutionRecord{
		Signature: sig,
		Strategy:  Strategy{Name: "install_ffmpeg", Description: "apt-get install ffmpeg first"},
		Outcome:   "success",
	}
	payload, jerr := json.Marshal(rec)
	require.NoError(t, jerr)
	_, rerr := mem.Remember(context.Background(), "p-1", string(payload), memory.RememberOptions{Tags: []string{solutionTag}})
	require.NoError(t, rerr)

	utilityCalled := false
	h := NewHealer(mem, func(ctx context.Context, prompt string) (string, error) {
		utilityCalled = true
		return "[]", nil
	}, nil, nil)

	d := h.Handle(context.Background(), "p-1", "s-1", err, "code_exec")
	require.Equal(t, KindRetry, d.Kind)
	require.NotNil(t, d.Strategy)
	assert.Equal(t, "install_ffmpeg", d.Strategy.Name)
	assert.False(t, utilityCalled, "memory hit must short-circuit the utility model")
}

func TestUtilityStrategiesTriedInOrder(t *testing.T) {
	h := NewHealer(&fakeSolutionMemory{}, func(ctx context.Context, prompt string) (string, error) {
		return `Here you go:
[{"name": "switch_endpoint", "description": "use the mirror"},
 {"name": "shrink_payload", "description": "halve the request size"}]`, nil
	}, nil, nil)

	err := errors.New("dial tcp: connection refused")
	d1 := h.Handle(context.Background(), "p-1", "s-1", err, "http_request")
	require.Equal(t, KindRetry, d1.Kind)
	require.NotNil(t, d1.Strategy)
	assert.Equal(t, "switch_endpoint", d1.Strategy.Name)

	d2 := h.Handle(context.Background(), "p-1", "s-1", err, "http_request")
	require.Equal(t, KindRetry, d2.Kind)
	require.NotNil(t, d2.Strategy)
	assert.Equal(t, "shrink_payload", d2.Strategy.Name, "second failure walks to the next candidate")
}

func TestRecordSuccessPersistsAndResetsBudget(t *testing.T) {
	mem := &fakeSolutionMemory{}
	h := NewHealer(mem, nil, nil, nil)
	err := errors.New("dial tcp: connection refused")

	for i := 0; i < maxRetriesPerError; i++ {
		h.Handle(context.Background(), "p-1", "s-1", err, "web_search")
	}
	h.RecordSuccess(context.Background(), "p-1", ClassNetwork, err, &Strategy{Name: "switch_endpoint"})

	// Budget for this signature is reset after a recorded success.
	d := h.Handle(context.Background(), "p-1", "s-2", err, "web_search")
	assert.Equal(t, KindRetry, d.Kind)

	mem.mu.Lock()
	defer mem.mu.Unlock()
	require.Len(t, mem.entries, 1)
	assert.Contains(t, mem.entries[0].Tags, solutionTag)
	var rec solutionRecord
	require.NoError(t, json.Unmarshal([]byte(mem.entries[0].Content), &rec))
	assert.Equal(t, "success", rec.Outcome)
	assert.Equal(t, "switch_endpoint", rec.Strategy.Name)
}

func TestParseStrategiesRepairsBrokenJSON(t *testing.T) {
	out := parseStrategies(`[{"name": "retry_with_backoff", "description": "wait longer",}]`)
	require.Len(t, out, 1)
	assert.Equal(t, "retry_with_backoff", out[0].Name)
}

func TestParseStrategiesCapsAtThree(t *testing.T) {
	out := parseStrategies(`[{"name":"a"},{"name":"b"},{"name":"c"},{"name":"d"}]`)
	assert.Len(t, out, 3)
}

func TestSignatureStripsVolatileParts(t *testing.T) {
	a := Signature(ClassNetwork, errors.New("dial tcp 10.0.0.5:443: connection refused"))
	b := Signature(ClassNetwork, errors.New("dial tcp 10.9.8.7:8080: connection refused"))
	assert.Equal(t, a, b)
}
