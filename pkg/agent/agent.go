// Copyright 2026 The iTaK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent is the composition root: it builds every runtime
// service from the config, wires them together, and owns startup and
// shutdown ordering.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/auth"
	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/channel"
	"github.com/itak-ai/itak/pkg/checkpoint"
	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/heal"
	"github.com/itak-ai/itak/pkg/hooks"
	"github.com/itak-ai/itak/pkg/llm"
	"github.com/itak-ai/itak/pkg/logger"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/notify"
	"github.com/itak-ai/itak/pkg/observability"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/scheduler"
	"github.com/itak-ai/itak/pkg/server"
	"github.com/itak-ai/itak/pkg/session"
	"github.com/itak-ai/itak/pkg/store"
	"github.com/itak-ai/itak/pkg/swarm"
	"github.com/itak-ai/itak/pkg/task"
	"github.com/itak-ai/itak/pkg/tools"
	"github.com/itak-ai/itak/pkg/vault"
)

// vaultKeyEnv holds the at-rest encryption key for sealed secrets.
// Without it the vault is memory-only for the process lifetime.
const vaultKeyEnv = "ITAK_VAULT_KEY"

const defaultSystemPrompt = `You are iTaK, a personal agent. You act on behalf of your owner
within the permissions of the person you are talking to. Think step by
step, use tools when they help, and answer with the response tool when
you are done. Never reveal secret values; reference them by name only.`

// Agent owns every service of one runtime instance.
type Agent struct {
	cfg     *config.Config
	cfgPath string

	vault       *vault.Vault
	rel         *store.SQLRelational
	graph       *store.SQLGraph
	vec         store.Vector
	limiter     *budget.Limiter
	router      *llm.Router
	mem         *memory.Fabric
	sessions    *session.Manager
	checkpoints *checkpoint.Manager
	hooks       *hooks.Runner
	healer      *heal.Healer
	registry    *tools.Registry
	executor    *tools.Executor
	scheduler   *scheduler.Scheduler
	coordinator *swarm.Coordinator
	principals  *principal.Registry
	board       *task.Board
	fabric      *channel.Fabric
	notifier    *notify.Notifier
	obs         *observability.Manager
	hub         *server.EventHub
	api         *server.Server
	webhook     *channel.WebhookAdapter
	console     *channel.ConsoleAdapter
}

// New builds the full runtime from a loaded config. cfgPath is kept for
// /admin/reload-config.
func New(cfg *config.Config, cfgPath string) (*Agent, error) {
	a := &Agent{cfg: cfg, cfgPath: cfgPath}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if cfg.Port == 0 {
		port, err := persistedPort(filepath.Join(cfg.DataDir, "port"))
		if err != nil {
			return nil, err
		}
		cfg.Port = port
	}

	if err := a.buildVault(); err != nil {
		return nil, err
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	if err := logger.Init(logger.Options{
		Level:    level,
		LogDir:   a.path("logs"),
		Redactor: a.vault.Redactor(),
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.obs = observability.NewManager(cfg.Observability)
	if err := a.obs.Initialize(context.Background()); err != nil {
		return nil, err
	}

	if err := a.buildStores(); err != nil {
		return nil, err
	}
	if err := a.buildModelLayer(); err != nil {
		return nil, err
	}
	if err := a.buildToolLayer(); err != nil {
		return nil, err
	}
	if err := a.buildSchedulerLayer(); err != nil {
		return nil, err
	}
	if err := a.buildEdge(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) path(parts ...string) string {
	return filepath.Join(append([]string{a.cfg.DataDir}, parts...)...)
}

func (a *Agent) buildVault() error {
	opts := []vault.Option{vault.WithStrictMode(a.cfg.Security.StrictOutputGuard)}
	if key := os.Getenv(vaultKeyEnv); key != "" {
		opts = append(opts, vault.WithSealedStorage(a.path("vault"), []byte(key)))
	}
	v, err := vault.New(opts...)
	if err != nil {
		return err
	}
	a.vault = v
	return nil
}

func (a *Agent) buildStores() error {
	memCfg := &a.cfg.Memory
	if memCfg.Relational.Driver == "sqlite3" && memCfg.Relational.DSN == "" {
		memCfg.Relational.DSN = "file:" + a.path("itak.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	rel, err := store.OpenRelational(&memCfg.Relational)
	if err != nil {
		return err
	}
	a.rel = rel

	graph, err := store.NewSQLGraph(rel.DB(), memCfg.Relational.Driver)
	if err != nil {
		return err
	}
	a.graph = graph

	if memCfg.Vector.Provider == "chromem" && memCfg.Vector.PersistPath == "" {
		memCfg.Vector.PersistPath = a.path("vectors")
	}
	vec, err := store.NewVector(&memCfg.Vector, a.cfg.DataDir)
	if err != nil {
		return err
	}
	a.vec = vec

	budgetStore, err := budget.NewSQLStore(rel.DB(), memCfg.Relational.Driver)
	if err != nil {
		return err
	}
	a.limiter, err = budget.NewLimiter(&a.cfg.Limits, &a.cfg.Security, budgetStore, func(window budget.Window, spent, limit float64) {
		slog.Warn("budget soft threshold crossed", "window", window, "spent", spent, "limit", limit)
		if a.notifier != nil {
			a.notifier.Notify(context.Background(), notify.EventErrorCritical, map[string]any{
				"kind":   "budget_soft_warning",
				"window": string(window),
				"spent":  spent,
				"limit":  limit,
			})
		}
	})
	if err != nil {
		return err
	}

	a.sessions, err = session.NewManager(a.path("sessions"))
	if err != nil {
		return err
	}
	a.checkpoints, err = checkpoint.NewManager(a.path("checkpoints"),
		time.Duration(a.cfg.Scheduler.CheckpointIntervalMS)*time.Millisecond)
	if err != nil {
		return err
	}
	a.board, err = task.OpenBoard(a.path("tasks.json"))
	if err != nil {
		return err
	}
	a.principals, err = principal.Load(a.path("principals.json"))
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) buildModelLayer() error {
	router, err := llm.NewRouter(a.cfg.Models, a.vault, a.limiter)
	if err != nil {
		return err
	}
	a.router = router

	var embed memory.EmbedFunc
	if router.HasRole(llm.RoleEmbedding) {
		embed = router.Embed
	}
	var summarize memory.SummarizeFunc
	if router.HasRole(llm.RoleUtility) {
		summarize = func(ctx context.Context, principalID, text string) (string, error) {
			comp, cerr := router.Complete(ctx, llm.RoleUtility, principalID, []llm.Message{
				{Role: llm.MessageRoleSystem, Content: "Summarize the following for long-term memory. Keep names, dates and decisions."},
				{Role: llm.MessageRoleUser, Content: text},
			})
			if cerr != nil {
				return "", cerr
			}
			return comp.Text, nil
		}
	}
	a.mem = memory.New(&a.cfg.Memory, a.rel, a.graph, a.vec, embed, summarize)

	a.hooks = hooks.NewRunner()

	// Text chunks fan out to llm_stream_chunk handlers on the runner's
	// background queue so extensions never stall the stream.
	runner := a.hooks
	a.router.SetChunkObserver(func(role llm.Role, principalID string, chunk llm.StreamChunk) {
		runner.Enqueue(func() {
			_ = runner.Run(context.Background(), &hooks.HookContext{
				Point:     hooks.LLMStreamChunk,
				Principal: principalID,
				Values:    map[string]any{"role": string(role), "text": chunk.Text},
			})
		})
	})
	return nil
}

// utility asks the utility-role model, falling back to chat.
func (a *Agent) utility(ctx context.Context, prompt string) (string, error) {
	role := llm.RoleUtility
	if !a.router.HasRole(role) {
		role = llm.RoleChat
	}
	comp, err := a.router.Complete(ctx, role, ownerID(a.principals), []llm.Message{
		{Role: llm.MessageRoleUser, Content: prompt},
	})
	if err != nil {
		return "", err
	}
	return comp.Text, nil
}

func (a *Agent) buildToolLayer() error {
	registry := tools.NewRegistry()
	guard := tools.NewSSRFGuard(a.cfg.Security.SSRFAllowlist)

	register := func(t tools.Tool) error { return registry.Register(t) }

	if err := register(tools.NewResponseTool()); err != nil {
		return err
	}
	if err := register(tools.NewMemorySaveTool(a.mem)); err != nil {
		return err
	}
	if err := register(tools.NewMemoryLoadTool(a.mem)); err != nil {
		return err
	}
	if err := register(tools.NewMemoryForgetTool(a.mem)); err != nil {
		return err
	}
	if err := register(tools.NewKnowledgeGraphTool(a.graph)); err != nil {
		return err
	}
	if err := register(tools.NewTaskUpdateTool(a.board)); err != nil {
		return err
	}

	var searchTool tools.Tool
	if tc, ok := a.cfg.Tools["web_search"]; ok && tc.IsEnabled() && tc.SearchEndpoint != "" {
		searchTool = tools.NewWebSearchTool(tc.SearchEndpoint, guard)
		if err := register(searchTool); err != nil {
			return err
		}
	}
	if tc, ok := a.cfg.Tools["http_request"]; ok && tc.IsEnabled() {
		if err := register(tools.NewHTTPRequestTool(guard)); err != nil {
			return err
		}
	}
	if tc, ok := a.cfg.Tools["browser"]; ok && tc.IsEnabled() {
		if err := register(tools.NewBrowserTool(guard)); err != nil {
			return err
		}
	}
	if tc, ok := a.cfg.Tools["code_exec"]; ok && tc.IsEnabled() {
		timeout := 60 * time.Second
		if d, derr := time.ParseDuration(tc.Timeout); derr == nil && d > 0 {
			timeout = d
		}
		if err := register(tools.NewCodeExecTool(timeout, tc.AllowedCommands)); err != nil {
			return err
		}
	}

	// The primary agent is not itself a swarm profile, so the
	// same-profile guard gets no caller name. Recursive spawning is
	// impossible anyway: sub-agents run behind the allowlist
	// dispatcher, which withholds delegate_task at any depth.
	a.coordinator = swarm.NewCoordinator(a.cfg.Swarm, "", a.runSubAgent, a.utility)
	if len(a.cfg.Swarm) > 0 {
		if err := register(tools.NewDelegateTool(a.coordinator, 10*time.Minute)); err != nil {
			return err
		}
	}

	a.registry = registry
	executor, err := tools.NewExecutor(registry, a.vault, a.hooks, a.limiter,
		a.path("work"), a.path("artifacts"), 0)
	if err != nil {
		return err
	}
	a.executor = executor

	// The healer's research step reuses the search tool when one is
	// configured; without it the repair ladder stops at model proposals.
	var research heal.ResearchFunc
	if searchTool != nil {
		research = func(ctx context.Context, query string) (string, error) {
			res, rerr := searchTool.Execute(ctx, &tools.Call{
				Session: "self-heal",
				Args:    map[string]any{"query": query, "limit": float64(3)},
			})
			if rerr != nil {
				return "", rerr
			}
			return res.Content, nil
		}
	}
	a.healer = heal.NewHealer(a.mem, a.utility, research, func(ctx context.Context) error {
		_, derr := a.mem.DemoteStale(ctx, 32)
		return derr
	})
	return nil
}

func (a *Agent) buildSchedulerLayer() error {
	a.hub = server.NewEventHub()

	coreDir := a.cfg.Memory.CoreDir
	if coreDir == "" {
		coreDir = a.path("core")
	}
	if err := os.MkdirAll(coreDir, 0o755); err != nil {
		return err
	}
	coreContext := func() string {
		docs, err := memory.LoadCore(coreDir)
		if err != nil {
			slog.Warn("failed to load core context", "error", err)
			return ""
		}
		return memory.AssembleCore(docs)
	}

	sched, err := scheduler.New(scheduler.Options{
		Config:       &a.cfg.Scheduler,
		Router:       a.router,
		Dispatcher:   a.executor,
		Memory:       a.mem,
		Healer:       a.healer,
		Checkpoints:  a.checkpoints,
		Hooks:        a.hooks,
		Notify:       a.onEvent,
		SystemPrompt: defaultSystemPrompt,
		CoreContext:  coreContext,
		ToolPrompts:  a.registry.UsagePrompts,
	})
	if err != nil {
		return err
	}
	a.scheduler = sched
	return nil
}

// onEvent feeds the SSE hub and turns terminal events into outbound
// notifications.
func (a *Agent) onEvent(ev scheduler.Event) {
	a.hub.Publish(ev)
	if a.notifier == nil {
		return
	}
	switch ev.Kind {
	case scheduler.EventFinal:
		a.notifier.Notify(context.Background(), notify.EventTaskCompleted, map[string]any{
			"session": ev.Session,
			"summary": ev.Summary,
		})
	case scheduler.EventError:
		a.notifier.Notify(context.Background(), notify.EventErrorCritical, map[string]any{
			"session": ev.Session,
			"error":   ev.Error,
		})
	}
}

func (a *Agent) buildEdge() error {
	notifier, err := notify.New(&a.cfg.Notify, a.vault.Materialize)
	if err != nil {
		return err
	}
	a.notifier = notifier

	redact := a.vault.Redactor().Redact
	a.fabric = channel.NewFabric(a.principals, a.sessions, a.scheduler, redact, a.describeAttachment)

	for name, ac := range a.cfg.Adapters {
		if !ac.Enabled {
			continue
		}
		switch name {
		case "console":
			external, _ := ac.Settings["external_id"].(string)
			if external == "" {
				external = "owner"
			}
			a.console = channel.NewConsoleAdapter(os.Stdin, os.Stdout, external)
			if err := a.fabric.Register(a.console, ac); err != nil {
				return err
			}
		case "webhook":
			secret, merr := a.vault.Materialize(ac.Token)
			if merr != nil {
				return fmt.Errorf("webhook adapter secret: %w", merr)
			}
			a.webhook = channel.NewWebhookAdapter([]byte(secret))
			if err := a.fabric.Register(a.webhook, ac); err != nil {
				return err
			}
		default:
			slog.Warn("unknown adapter in config", "adapter", name)
		}
	}

	authn, err := auth.New(&a.cfg.Security)
	if err != nil {
		return err
	}

	opts := server.Options{
		Config:        a.cfg,
		Auth:          authn,
		Scheduler:     a.scheduler,
		Sessions:      a.sessions,
		Memory:        a.mem,
		Board:         a.board,
		Costs:         a.limiter,
		Principals:    a.principals,
		Owner:         ownerPrincipal(a.principals),
		Observability: a.obs,
		Hub:           a.hub,
		Reload:        a.reloadConfig,
	}
	if a.webhook != nil {
		opts.Webhook = a.webhook.Handler()
	}
	api, err := server.New(opts)
	if err != nil {
		return err
	}
	a.api = api
	return nil
}

// describeAttachment runs the media pipeline step appropriate to the
// attachment class: vision for images, utility extraction otherwise.
func (a *Agent) describeAttachment(ctx context.Context, p *principal.Principal, att channel.Attachment, storedPath string) (string, error) {
	if strings.HasPrefix(att.MIME, "image/") && a.router.HasRole(llm.RoleVision) {
		comp, err := a.router.Complete(ctx, llm.RoleVision, p.ID, []llm.Message{
			{Role: llm.MessageRoleSystem, Content: "Describe this image factually in two sentences."},
			{Role: llm.MessageRoleUser, Content: "Image stored at " + storedPath},
		})
		if err != nil {
			return "", err
		}
		return comp.Text, nil
	}
	// No describer model for this class; the fabric falls back to a
	// plain stored-attachment note.
	return "", nil
}

func (a *Agent) reloadConfig() error {
	if a.cfgPath == "" {
		return fmt.Errorf("config path unknown; reload unsupported")
	}
	fresh, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	// Hot-reloadable settings only; structural changes need a restart.
	a.cfg.LogLevel = fresh.LogLevel
	a.cfg.Limits = fresh.Limits
	a.cfg.Scheduler.MaxIterations = fresh.Scheduler.MaxIterations
	level, _ := logger.ParseLevel(a.cfg.LogLevel)
	if err := logger.Init(logger.Options{Level: level, LogDir: a.path("logs"), Redactor: a.vault.Redactor()}); err != nil {
		return err
	}
	if err := a.principals.Reload(); err != nil {
		return err
	}
	slog.Info("configuration reloaded", "path", a.cfgPath)
	return nil
}

// Start brings up the channel fabric, the report schedule and the API.
// It blocks until the HTTP listener stops.
func (a *Agent) Start(ctx context.Context) error {
	a.runHook(ctx, hooks.AgentInit)

	if err := a.fabric.Start(ctx); err != nil {
		return err
	}
	if len(a.cfg.Notify.Targets) > 0 {
		if err := a.notifier.ScheduleDailyReport(a.cfg.Notify.DailyReportCron, a.dailyReport); err != nil {
			return err
		}
	}
	return a.api.Start()
}

// Shutdown tears services down in reverse dependency order.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.runHook(ctx, hooks.AgentShutdown)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(a.api.Shutdown(ctx))
	keep(a.fabric.Stop())
	a.notifier.Close()
	keep(a.hooks.Close())
	keep(a.mem.Close())
	keep(a.router.Close())
	keep(a.sessions.Close())
	keep(a.principals.Close())
	keep(a.obs.Shutdown(ctx))
	return firstErr
}

func (a *Agent) runHook(ctx context.Context, point hooks.Point) {
	hc := &hooks.HookContext{Point: point}
	if err := a.hooks.Run(ctx, hc); err != nil {
		slog.Warn("lifecycle hook failed", "point", point, "error", err)
	}
}

// ownerID returns the owner principal's id, or "system" when the
// registry has none yet.
func ownerID(reg *principal.Registry) string {
	if p := ownerPrincipal(reg); p != nil {
		return p.ID
	}
	return "system"
}

func ownerPrincipal(reg *principal.Registry) *principal.Principal {
	for _, p := range reg.List() {
		if p.Role == principal.RoleOwner {
			return p
		}
	}
	return nil
}

// persistedPort loads the generated API port, creating it on first run
// so restarts keep the same address.
func persistedPort(path string) (int, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if port, perr := strconv.Atoi(strings.TrimSpace(string(raw))); perr == nil && port > 0 {
			return port, nil
		}
	}
	port := 20000 + rand.Intn(20000)
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0o600); err != nil {
		return 0, fmt.Errorf("failed to persist generated port: %w", err)
	}
	return port, nil
}
