package llm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
)

// scriptedProvider replays a fixed chunk sequence, or fails at Stream
// time when startErr is set.
type scriptedProvider struct {
	name     string
	chunks   []StreamChunk
	startErr error
	calls    int
}

func (p *scriptedProvider) Name() string  { return p.name }
func (p *scriptedProvider) Model() string { return "test-model" }
func (p *scriptedProvider) Close() error  { return nil }

func (p *scriptedProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	p.calls++
	if p.startErr != nil {
		return nil, p.startErr
	}
	ch := make(chan StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func testLimiter(t *testing.T) *budget.Limiter {
	t.Helper()
	limits := &config.LimitsConfig{}
	limits.SetDefaults()
	sec := &config.SecurityConfig{}
	sec.SetDefaults()
	l, err := budget.NewLimiter(limits, sec, budget.NewMemoryStore(), nil)
	require.NoError(t, err)
	return l
}

func testRouter(t *testing.T, providers ...Provider) *Router {
	t.Helper()
	r := &Router{bindings: map[Role][]*binding{}, limiter: testLimiter(t)}
	for _, p := range providers {
		bc := &config.ModelBinding{Provider: "openai", Model: "test-model"}
		bc.SetDefaults()
		r.bindings[RoleChat] = append(r.bindings[RoleChat], &binding{
			provider: p,
			cfg:      bc,
			sem:      semaphore.NewWeighted(int64(bc.MaxConcurrent)),
		})
	}
	return r
}

func TestChunkObserverSeesStreamedText(t *testing.T) {
	p := &scriptedProvider{name: "a", chunks: []StreamChunk{
		{Type: ChunkText, Text: "hello "},
		{Type: ChunkText, Text: "world"},
		{Type: ChunkDone, TokensIn: 10, TokensOut: 2},
	}}
	r := testRouter(t, p)

	var mu sync.Mutex
	var seen []string
	var principals []string
	r.SetChunkObserver(func(role Role, principal string, chunk StreamChunk) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, chunk.Text)
		principals = append(principals, principal)
	})

	comp, err := r.Complete(context.Background(), RoleChat, "owner", []Message{{Role: MessageRoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world", comp.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello ", "world"}, seen, "observer receives every text chunk in order")
	assert.Equal(t, []string{"owner", "owner"}, principals)
}

func TestContextWindowFallsBackToChat(t *testing.T) {
	r := testRouter(t, &scriptedProvider{name: "a"})
	model, window := r.ContextWindow(RoleUtility)
	assert.Equal(t, "test-model", model)
	assert.Equal(t, 128000, window)
}

func TestCompleteSingleBinding(t *testing.T) {
	p := &scriptedProvider{name: "a", chunks: []StreamChunk{
		{Type: ChunkText, Text: "hello "},
		{Type: ChunkText, Text: "world"},
		{Type: ChunkDone, TokensIn: 10, TokensOut: 2},
	}}
	r := testRouter(t, p)

	comp, err := r.Complete(context.Background(), RoleChat, "owner", []Message{{Role: MessageRoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world", comp.Text)
	assert.Equal(t, int64(10), comp.TokensIn)
	assert.Equal(t, int64(2), comp.TokensOut)
	assert.Equal(t, 1, p.calls)
}

func TestFallbackDiscardsPartialOutput(t *testing.T) {
	failing := &scriptedProvider{name: "a", chunks: []StreamChunk{
		{Type: ChunkText, Text: "partial garbage "},
		{Type: ChunkError, Err: itakerrors.New(itakerrors.CategoryProviderTransient, "upstream hiccup")},
	}}
	healthy := &scriptedProvider{name: "b", chunks: []StreamChunk{
		{Type: ChunkText, Text: "clean answer"},
		{Type: ChunkDone},
	}}
	r := testRouter(t, failing, healthy)

	comp, err := r.Complete(context.Background(), RoleChat, "owner", []Message{{Role: MessageRoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "clean answer", comp.Text, "partial output from the failed binding must not leak")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.calls)
}

func TestNonRetriableStopsFallback(t *testing.T) {
	bad := &scriptedProvider{name: "a", startErr: itakerrors.New(itakerrors.CategoryPolicyViolation, "blocked")}
	next := &scriptedProvider{name: "b", chunks: []StreamChunk{{Type: ChunkDone}}}
	r := testRouter(t, bad, next)

	_, err := r.Complete(context.Background(), RoleChat, "owner", []Message{{Role: MessageRoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryPolicyViolation, itakerrors.CategoryOf(err))
	assert.Equal(t, 0, next.calls, "non-retriable failures must not fall through to the next binding")
}

func TestAllBindingsExhausted(t *testing.T) {
	a := &scriptedProvider{name: "a", startErr: itakerrors.New(itakerrors.CategoryProviderTransient, "down")}
	b := &scriptedProvider{name: "b", startErr: itakerrors.New(itakerrors.CategoryProviderTransient, "also down")}
	r := testRouter(t, a, b)

	_, err := r.Complete(context.Background(), RoleChat, "owner", []Message{{Role: MessageRoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Contains(t, err.Error(), "all bindings exhausted")
}

func TestRoleFallsBackToChat(t *testing.T) {
	p := &scriptedProvider{name: "a", chunks: []StreamChunk{
		{Type: ChunkText, Text: "summary"},
		{Type: ChunkDone},
	}}
	r := testRouter(t, p)

	comp, err := r.Complete(context.Background(), RoleUtility, "owner", []Message{{Role: MessageRoleUser, Content: "summarize"}})
	require.NoError(t, err)
	assert.Equal(t, "summary", comp.Text)
}

func TestFitMessagesKeepsSystemAndRecent(t *testing.T) {
	bc := &config.ModelBinding{Provider: "openai", Model: "unknown-model", ContextWindow: 100, HistoryFraction: 0.5}
	messages := []Message{
		{Role: MessageRoleSystem, Content: "persona"},
		{Role: MessageRoleUser, Content: "oldest oldest oldest oldest oldest oldest oldest oldest oldest oldest"},
		{Role: MessageRoleAssistant, Content: "middle middle middle middle middle middle middle middle middle"},
		{Role: MessageRoleUser, Content: "newest"},
	}

	fitted := fitMessages(bc, messages)
	require.NotEmpty(t, fitted)
	assert.Equal(t, MessageRoleSystem, fitted[0].Role, "system messages always survive trimming")
	assert.Equal(t, "newest", fitted[len(fitted)-1].Content, "the most recent message always survives trimming")
	assert.Less(t, len(fitted), len(messages))
}

func TestCountTokensFallbackHeuristic(t *testing.T) {
	n, approx := CountTokens("totally-unknown-model-xyz", "abcdefgh")
	// cl100k fallback handles unknown models; approximate only when no
	// encoder is available at all.
	assert.Positive(t, n)
	if approx {
		assert.Equal(t, int64(3), n)
	}
}
