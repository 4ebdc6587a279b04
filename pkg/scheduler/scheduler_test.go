package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/checkpoint"
	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/heal"
	"github.com/itak-ai/itak/pkg/hooks"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/llm"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/session"
	"github.com/itak-ai/itak/pkg/store"
	"github.com/itak-ai/itak/pkg/tools"
)

// scriptedRouter returns pre-baked completions in order.
type scriptedRouter struct {
	mu      sync.Mutex
	replies []string
	calls   int
	window  int
}

func (r *scriptedRouter) Complete(ctx context.Context, role llm.Role, principalID string, messages []llm.Message) (*llm.Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls >= len(r.replies) {
		return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "script exhausted")
	}
	text := r.replies[r.calls]
	r.calls++
	return &llm.Completion{Text: text, Model: "test"}, nil
}

func (r *scriptedRouter) ContextWindow(role llm.Role) (string, int) {
	if r.window > 0 {
		return "test", r.window
	}
	return "test", 128000
}

type dispatchRecord struct {
	Tool string
	Args map[string]any
}

type scriptedDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchRecord
	results map[string]func(args map[string]any) (*tools.Result, error)
}

func (d *scriptedDispatcher) Execute(ctx context.Context, p *principal.Principal, sessionKey, toolName string, args map[string]any) (*tools.Result, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchRecord{Tool: toolName, Args: args})
	fn := d.results[toolName]
	d.mu.Unlock()
	if fn == nil {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown tool %q", toolName)
	}
	return fn(args)
}

type fixture struct {
	sched    *Scheduler
	sessions *session.Manager
	router   *scriptedRouter
	disp     *scriptedDispatcher
	events   *eventLog
	cps      *checkpoint.Manager
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func newFixture(t *testing.T, replies []string, healer Healer) *fixture {
	t.Helper()
	cfg := &config.SchedulerConfig{}
	cfg.SetDefaults()

	cps, err := checkpoint.NewManager(t.TempDir(), 0)
	require.NoError(t, err)
	sessions, err := session.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	runner := hooks.NewRunner()
	t.Cleanup(func() { runner.Close() })

	router := &scriptedRouter{replies: replies}
	disp := &scriptedDispatcher{results: map[string]func(map[string]any) (*tools.Result, error){}}
	events := &eventLog{}

	sched, err := New(Options{
		Config:       cfg,
		Router:       router,
		Dispatcher:   disp,
		Healer:       healer,
		Checkpoints:  cps,
		Hooks:        runner,
		Notify:       events.add,
		SystemPrompt: "You are itak.",
	})
	require.NoError(t, err)
	return &fixture{sched: sched, sessions: sessions, router: router, disp: disp, events: events, cps: cps}
}

func testPrincipal() *principal.Principal {
	return &principal.Principal{ID: "p-1", Name: "owner", Role: principal.RoleOwner}
}

func respondWith(text string) string {
	return fmt.Sprintf(`{"tool": "response", "args": {"text": %q}}`, text)
}

func TestDirectResponse(t *testing.T) {
	f := newFixture(t, []string{respondWith("hello there")}, nil)
	sess, err := f.sessions.Attach("itak:test:dm:1", "p-1")
	require.NoError(t, err)

	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)

	tail := sess.Tail(0)
	require.Len(t, tail, 2)
	assert.Equal(t, session.TurnUser, tail[0].Role)
	assert.Equal(t, session.TurnAssistant, tail[1].Role)
	assert.Contains(t, f.events.kinds(), EventFinal)
}

func TestToolCallThenResponse(t *testing.T) {
	f := newFixture(t, []string{
		`{"thoughts": "need to look this up", "tool": "web_search", "args": {"query": "vps port"}}`,
		respondWith("the port is 48920"),
	}, nil)
	f.disp.results["web_search"] = func(args map[string]any) (*tools.Result, error) {
		return &tools.Result{OK: true, Content: "port 48920 found"}, nil
	}

	sess, err := f.sessions.Attach("itak:test:dm:2", "p-1")
	require.NoError(t, err)
	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "what port?")
	require.NoError(t, err)
	assert.Equal(t, "the port is 48920", out)

	require.Len(t, f.disp.calls, 1)
	assert.Equal(t, "web_search", f.disp.calls[0].Tool)
	assert.Equal(t, "vps port", f.disp.calls[0].Args["query"])

	kinds := f.events.kinds()
	assert.Contains(t, kinds, EventStepStart)
	assert.Contains(t, kinds, EventStepEnd)
	assert.Contains(t, kinds, EventFinal)
}

func TestTerminalToolEndsLoop(t *testing.T) {
	f := newFixture(t, []string{
		`{"tool": "respond_full", "args": {}}`,
	}, nil)
	f.disp.results["respond_full"] = func(args map[string]any) (*tools.Result, error) {
		return &tools.Result{OK: true, Content: "done via terminal tool", Terminal: true}, nil
	}

	sess, err := f.sessions.Attach("itak:test:dm:3", "p-1")
	require.NoError(t, err)
	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "go")
	require.NoError(t, err)
	assert.Equal(t, "done via terminal tool", out)
	assert.Equal(t, 1, f.router.calls, "loop must stop after the terminal tool")
}

func TestParseFailuresBounded(t *testing.T) {
	f := newFixture(t, []string{
		"total gibberish with no json",
		"still { broken",
		"nope",
	}, nil)
	sess, err := f.sessions.Attach("itak:test:dm:4", "p-1")
	require.NoError(t, err)

	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "Something went wrong")
	assert.Equal(t, 3, f.router.calls, "exactly max_consecutive_parse_failures model calls")
}

func TestParseFailureRecovery(t *testing.T) {
	f := newFixture(t, []string{
		"no json here",
		respondWith("recovered"),
	}, nil)
	sess, err := f.sessions.Attach("itak:test:dm:5", "p-1")
	require.NoError(t, err)

	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)

	// The correction turn is in the transcript.
	var sawCorrection bool
	for _, turn := range sess.Tail(0) {
		if turn.Role == session.TurnSystem {
			sawCorrection = true
		}
	}
	assert.True(t, sawCorrection)
}

func TestIterationBudgetExhausted(t *testing.T) {
	cfgReplies := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		cfgReplies = append(cfgReplies, `{"tool": "noop", "args": {}}`)
	}
	f := newFixture(t, cfgReplies, nil)
	f.disp.results["noop"] = func(args map[string]any) (*tools.Result, error) {
		return &tools.Result{OK: true, Content: "ok"}, nil
	}

	sess, err := f.sessions.Attach("itak:test:dm:6", "p-1")
	require.NoError(t, err)
	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "loop forever")
	require.NoError(t, err)
	assert.Contains(t, out, "iteration budget")
	assert.Equal(t, 25, f.router.calls, "must stop at MAX_ITERATIONS")
}

func TestSecurityErrorIsFatal(t *testing.T) {
	f := newFixture(t, []string{
		`{"tool": "http_request", "args": {"url": "http://169.254.169.254/latest/meta-data"}}`,
	}, heal.NewHealer(nil, nil, nil, nil))
	f.disp.results["http_request"] = func(args map[string]any) (*tools.Result, error) {
		return nil, itakerrors.New(itakerrors.CategoryPolicyViolation, "target resolves to restricted address")
	}

	sess, err := f.sessions.Attach("itak:test:dm:7", "p-1")
	require.NoError(t, err)
	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "fetch the metadata")
	require.NoError(t, err)
	assert.Contains(t, out, "Something went wrong")
	assert.Contains(t, out, "policy_violation")
	assert.Equal(t, 1, f.router.calls, "fatal decision must end the monologue")
	require.Len(t, f.disp.calls, 1, "no retry on a fatal security error")
}

func TestHealerRetriesTransientFailure(t *testing.T) {
	attempts := 0
	f := newFixture(t, []string{
		`{"tool": "web_search", "args": {"query": "x"}}`,
		respondWith("found it"),
	}, heal.NewHealer(nil, nil, nil, nil))
	f.disp.results["web_search"] = func(args map[string]any) (*tools.Result, error) {
		attempts++
		if attempts == 1 {
			return nil, itakerrors.New(itakerrors.CategoryProviderTransient, "connection refused")
		}
		return &tools.Result{OK: true, Content: "result"}, nil
	}

	sess, err := f.sessions.Attach("itak:test:dm:8", "p-1")
	require.NoError(t, err)
	start := time.Now()
	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "search")
	require.NoError(t, err)
	assert.Equal(t, "found it", out)
	assert.Equal(t, 2, attempts, "transient failure retried once")
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "first retry backs off 1s")
}

func TestRouterFailureSurfaced(t *testing.T) {
	f := newFixture(t, nil, nil) // script exhausted immediately
	sess, err := f.sessions.Attach("itak:test:dm:9", "p-1")
	require.NoError(t, err)

	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "Something went wrong")
	assert.Contains(t, f.events.kinds(), EventError)
}

func TestResumeInjectsSystemTurn(t *testing.T) {
	cps, err := checkpoint.NewManager(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, cps.Checkpoint("itak:test:dm:10", &checkpoint.WorkingContext{
		TaskID:         "t-7",
		CurrentStep:    3,
		IterationCount: 3,
		StartedAt:      time.Now(),
	}, true))

	sessions, err := session.NewManager(t.TempDir())
	require.NoError(t, err)
	defer sessions.Close()
	runner := hooks.NewRunner()
	defer runner.Close()

	cfg := &config.SchedulerConfig{}
	cfg.SetDefaults()
	router := &scriptedRouter{replies: []string{respondWith("back on it")}}
	sched, err := New(Options{
		Config:      cfg,
		Router:      router,
		Dispatcher:  &scriptedDispatcher{},
		Checkpoints: cps,
		Hooks:       runner,
	})
	require.NoError(t, err)

	sess, err := sessions.Attach("itak:test:dm:10", "p-1")
	require.NoError(t, err)
	_, err = sched.HandleMessage(context.Background(), testPrincipal(), sess, "continue")
	require.NoError(t, err)

	tail := sess.Tail(0)
	require.NotEmpty(t, tail)
	assert.Equal(t, session.TurnSystem, tail[0].Role)
	assert.Contains(t, tail[0].Content, "step 3")
	assert.Contains(t, tail[0].Content, "t-7")
}

func TestFinishedMonologueLeavesNoCheckpoint(t *testing.T) {
	f := newFixture(t, []string{
		`{"tool": "web_search", "args": {"query": "x"}}`,
		respondWith("first"),
		respondWith("second"),
	}, nil)
	f.disp.results["web_search"] = func(args map[string]any) (*tools.Result, error) {
		return &tools.Result{OK: true, Content: "found"}, nil
	}

	sess, err := f.sessions.Attach("itak:test:dm:13", "p-1")
	require.NoError(t, err)

	out, err := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "one")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	wc, err := f.cps.Resume(sess.Key)
	require.NoError(t, err)
	assert.Nil(t, wc, "terminal response must remove the checkpoint")

	// The next message starts fresh, with no bogus resume turn.
	out, err = f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "two")
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	for _, turn := range sess.Tail(0) {
		assert.NotContains(t, turn.Content, "Restarted mid-task")
	}
}

func TestSurfacedErrorLeavesNoCheckpoint(t *testing.T) {
	f := newFixture(t, nil, nil) // script exhausted: router failure surfaces
	sess, err := f.sessions.Attach("itak:test:dm:14", "p-1")
	require.NoError(t, err)

	_, err = f.sched.HandleMessage(context.Background(), testPrincipal(), sess, "hi")
	require.NoError(t, err)

	wc, err := f.cps.Resume(sess.Key)
	require.NoError(t, err)
	assert.Nil(t, wc)
}

func TestSessionSerialization(t *testing.T) {
	f := newFixture(t, []string{respondWith("one"), respondWith("two")}, nil)
	sess, err := f.sessions.Attach("itak:test:dm:11", "p-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, herr := f.sched.HandleMessage(context.Background(), testPrincipal(), sess, fmt.Sprintf("msg %d", i))
			assert.NoError(t, herr)
			results[i] = out
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"one", "two"}, results)
	// Serialized monologues never interleave turns: user then assistant,
	// twice.
	tail := sess.Tail(0)
	require.Len(t, tail, 4)
	assert.Equal(t, session.TurnUser, tail[0].Role)
	assert.Equal(t, session.TurnAssistant, tail[1].Role)
	assert.Equal(t, session.TurnUser, tail[2].Role)
	assert.Equal(t, session.TurnAssistant, tail[3].Role)
}

// pressureMemory records pressure reports and compression requests.
type pressureMemory struct {
	mu      sync.Mutex
	level   memory.PressureLevel
	reports []float64
	blocks  [][]string
}

func (m *pressureMemory) Search(ctx context.Context, principal, query string, k int) ([]*store.Entry, error) {
	return nil, nil
}

func (m *pressureMemory) ReportPressure(ctx context.Context, utilization float64) (memory.PressureLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, utilization)
	return m.level, nil
}

func (m *pressureMemory) CompressTurns(ctx context.Context, principal, sessionKey string, turns []string) (*store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, turns)
	return &store.Entry{ID: "sum-1", Content: "the earlier discussion settled on port 48920"}, nil
}

func newPressureScheduler(t *testing.T, mem *pressureMemory, replies []string, window int) (*Scheduler, *session.Manager) {
	t.Helper()
	cps, err := checkpoint.NewManager(t.TempDir(), 0)
	require.NoError(t, err)
	sessions, err := session.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })
	runner := hooks.NewRunner()
	t.Cleanup(func() { runner.Close() })

	cfg := &config.SchedulerConfig{}
	cfg.SetDefaults()
	sched, err := New(Options{
		Config:      cfg,
		Router:      &scriptedRouter{replies: replies, window: window},
		Dispatcher:  &scriptedDispatcher{},
		Memory:      mem,
		Checkpoints: cps,
		Hooks:       runner,
	})
	require.NoError(t, err)
	return sched, sessions
}

func fillTail(t *testing.T, sess *session.Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := session.TurnUser
		if i%2 == 1 {
			role = session.TurnAssistant
		}
		require.NoError(t, sess.Append(role, fmt.Sprintf("filler turn %d about ports and services", i)))
	}
}

func TestSoftPressureCompactsTail(t *testing.T) {
	mem := &pressureMemory{level: memory.PressureSoft}
	sched, sessions := newPressureScheduler(t, mem, []string{respondWith("done")}, 64)

	sess, err := sessions.Attach("itak:test:dm:15", "p-1")
	require.NoError(t, err)
	fillTail(t, sess, 10)

	out, err := sched.HandleMessage(context.Background(), testPrincipal(), sess, "and now?")
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	mem.mu.Lock()
	defer mem.mu.Unlock()
	require.NotEmpty(t, mem.reports, "prompt utilization must be reported every iteration")
	assert.Greater(t, mem.reports[0], 0.0)
	require.Len(t, mem.blocks, 1, "soft pressure folds the oldest turns once")
	assert.NotEmpty(t, mem.blocks[0])

	var summaries int
	for _, turn := range sess.Tail(0) {
		if turn.Role == session.TurnSummary {
			summaries++
			assert.Contains(t, turn.Content, "port 48920")
		}
	}
	assert.Equal(t, 1, summaries, "compacted turns are replaced by one summary turn")
	assert.Less(t, len(sess.Tail(0)), 12, "compaction must shrink the tail")
}

func TestNoPressureLeavesTailAlone(t *testing.T) {
	mem := &pressureMemory{level: memory.PressureNone}
	sched, sessions := newPressureScheduler(t, mem, []string{respondWith("ok")}, 128000)

	sess, err := sessions.Attach("itak:test:dm:16", "p-1")
	require.NoError(t, err)
	fillTail(t, sess, 10)

	_, err = sched.HandleMessage(context.Background(), testPrincipal(), sess, "hi")
	require.NoError(t, err)

	mem.mu.Lock()
	defer mem.mu.Unlock()
	require.NotEmpty(t, mem.reports)
	assert.Empty(t, mem.blocks, "no compression below the soft threshold")
	for _, turn := range sess.Tail(0) {
		assert.NotEqual(t, session.TurnSummary, turn.Role)
	}
}

func TestParseIntentVariants(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want IntentKind
	}{
		{"plain response", `{"tool": "response", "args": {"text": "hi"}}`, IntentResponse},
		{"fenced", "Here you go:\n```json\n{\"tool\": \"response\", \"args\": {\"text\": \"hi\"}}\n```", IntentResponse},
		{"tool call", `{"tool": "web_search", "args": {"query": "x"}}`, IntentToolCall},
		{"trailing comma repaired", `{"tool": "web_search", "args": {"query": "x",},}`, IntentToolCall},
		{"no json", "just words", IntentParseError},
		{"missing tool", `{"args": {}}`, IntentParseError},
		{"empty response text", `{"tool": "response", "args": {"text": "  "}}`, IntentParseError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseIntent(tc.in).Kind)
		})
	}
}

func TestCancelMarksCheckpoint(t *testing.T) {
	cps, err := checkpoint.NewManager(t.TempDir(), 0)
	require.NoError(t, err)
	sessions, err := session.NewManager(t.TempDir())
	require.NoError(t, err)
	defer sessions.Close()
	runner := hooks.NewRunner()
	defer runner.Close()

	cfg := &config.SchedulerConfig{}
	cfg.SetDefaults()

	blocked := make(chan struct{})
	router := &blockingRouter{started: blocked}
	sched, err := New(Options{
		Config:      cfg,
		Router:      router,
		Dispatcher:  &scriptedDispatcher{},
		Checkpoints: cps,
		Hooks:       runner,
	})
	require.NoError(t, err)

	sess, err := sessions.Attach("itak:test:dm:12", "p-1")
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		out, _ := sched.HandleMessage(context.Background(), testPrincipal(), sess, "long task")
		done <- out
	}()

	<-blocked
	require.True(t, sched.Cancel("itak:test:dm:12"))

	select {
	case out := <-done:
		assert.Equal(t, "Cancelled.", out)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the monologue")
	}

	wc, err := cps.Resume("itak:test:dm:12")
	require.NoError(t, err)
	require.NotNil(t, wc)
	assert.Contains(t, wc.Decisions, "cancelled")
}

// blockingRouter signals when called and then blocks until the context
// is cancelled.
type blockingRouter struct {
	started chan struct{}
	once    sync.Once
}

func (r *blockingRouter) Complete(ctx context.Context, role llm.Role, principalID string, messages []llm.Message) (*llm.Completion, error) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *blockingRouter) ContextWindow(role llm.Role) (string, int) {
	return "test", 128000
}
