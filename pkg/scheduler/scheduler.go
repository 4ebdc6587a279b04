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

// Package scheduler implements the monologue loop: the per-request
// state machine that assembles prompts, calls the model router, parses
// structured intents, dispatches tools, consults the self-healer on
// failures, and checkpoints working state every iteration.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

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

// ModelRouter is the slice of the LLM router the scheduler uses.
type ModelRouter interface {
	Complete(ctx context.Context, role llm.Role, principal string, messages []llm.Message) (*llm.Completion, error)
	// ContextWindow reports the model name and context window of the
	// role's primary binding, for prompt-pressure accounting.
	ContextWindow(role llm.Role) (model string, tokens int)
}

// ToolDispatcher executes one validated tool call. *tools.Executor
// satisfies it.
type ToolDispatcher interface {
	Execute(ctx context.Context, p *principal.Principal, session, toolName string, args map[string]any) (*tools.Result, error)
}

// MemorySearcher provides the context-retrieval surface of the memory
// fabric.
type MemorySearcher interface {
	Search(ctx context.Context, principal, query string, k int) ([]*store.Entry, error)
}

// PressureReporter is the pressure-management surface of the memory
// fabric. The scheduler owns turn compression because it owns the
// prompt; the fabric owns tier demotion. *memory.Fabric satisfies it.
type PressureReporter interface {
	ReportPressure(ctx context.Context, utilization float64) (memory.PressureLevel, error)
	CompressTurns(ctx context.Context, principal, session string, turns []string) (*store.Entry, error)
}

// Healer decides retry/surface/fatal for failed tool calls.
type Healer interface {
	Handle(ctx context.Context, principal, session string, err error, toolName string) heal.Decision
	RecordSuccess(ctx context.Context, principal string, class heal.Class, err error, strategy *heal.Strategy)
	ResetSession(session string)
}

// Scheduler drives one monologue per inbound user message. Messages
// for one session are processed strictly in order; sessions run in
// parallel up to the global concurrency cap.
type Scheduler struct {
	cfg         *config.SchedulerConfig
	router      ModelRouter
	dispatcher  ToolDispatcher
	mem         MemorySearcher
	healer      Healer
	checkpoints *checkpoint.Manager
	hooks       *hooks.Runner
	notify      Listener

	// systemPrompt is the fixed identity block; coreContext is the
	// assembled core-tier markdown, re-read at session start.
	systemPrompt string
	coreContext  func() string
	toolPrompts  func(role principal.Role) string

	global *semaphore.Weighted
	queues *sessionQueues
}

type Options struct {
	Config       *config.SchedulerConfig
	Router       ModelRouter
	Dispatcher   ToolDispatcher
	Memory       MemorySearcher
	Healer       Healer
	Checkpoints  *checkpoint.Manager
	Hooks        *hooks.Runner
	Notify       Listener
	SystemPrompt string
	CoreContext  func() string
	ToolPrompts  func(role principal.Role) string
}

func New(opts Options) (*Scheduler, error) {
	if opts.Config == nil || opts.Router == nil || opts.Dispatcher == nil || opts.Checkpoints == nil || opts.Hooks == nil {
		return nil, fmt.Errorf("config, router, dispatcher, checkpoints and hooks are required")
	}
	return &Scheduler{
		cfg:          opts.Config,
		router:       opts.Router,
		dispatcher:   opts.Dispatcher,
		mem:          opts.Memory,
		healer:       opts.Healer,
		checkpoints:  opts.Checkpoints,
		hooks:        opts.Hooks,
		notify:       opts.Notify,
		systemPrompt: opts.SystemPrompt,
		coreContext:  opts.CoreContext,
		toolPrompts:  opts.ToolPrompts,
		global:       semaphore.NewWeighted(opts.Config.GlobalConcurrency),
		queues:       newSessionQueues(),
	}, nil
}

// HandleMessage processes one user message end to end and returns the
// final user-visible response. It blocks until earlier messages on the
// same session have completed.
func (s *Scheduler) HandleMessage(ctx context.Context, p *principal.Principal, sess *session.Session, message string) (string, error) {
	release, err := s.queues.acquire(ctx, sess.Key)
	if err != nil {
		return "", err
	}
	defer release()

	if err := s.global.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.global.Release(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.queues.setCancel(sess.Key, cancel)
	defer s.queues.clearCancel(sess.Key)

	return s.monologue(ctx, p, sess, message)
}

// Cancel aborts the in-flight monologue on a session, if any.
func (s *Scheduler) Cancel(sessionKey string) bool {
	return s.queues.cancel(sessionKey)
}

func (s *Scheduler) monologue(ctx context.Context, p *principal.Principal, sess *session.Session, message string) (string, error) {
	wc := s.resumeOrFresh(sess)

	s.runHooks(ctx, hooks.MonologueStart, sess.Key, p.ID, nil)
	defer s.runHooks(context.WithoutCancel(ctx), hooks.MonologueEnd, sess.Key, p.ID, nil)
	if s.healer != nil {
		defer s.healer.ResetSession(sess.Key)
	}

	if err := sess.Append(session.TurnUser, message); err != nil {
		return "", err
	}

	parseFailures := 0
	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return s.cancelled(sess, wc)
		}
		wc.IterationCount = iter
		s.runHooks(ctx, hooks.MessageLoopStart, sess.Key, p.ID, map[string]any{"iteration": iter})

		messages := s.assemblePrompt(ctx, p, sess, message)
		s.managePressure(ctx, p, sess, messages)

		s.runHooks(ctx, hooks.LLMCallBefore, sess.Key, p.ID, nil)
		completion, err := s.router.Complete(ctx, llm.RoleChat, p.ID, messages)
		s.runHooks(ctx, hooks.LLMCallAfter, sess.Key, p.ID, nil)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(sess, wc)
			}
			return s.surface(sess, wc, err)
		}

		intent := ParseIntent(completion.Text)
		switch intent.Kind {
		case IntentResponse:
			parseFailures = 0
			if err := sess.Append(session.TurnAssistant, intent.Text); err != nil {
				return "", err
			}
			s.clearCheckpoint(sess.Key)
			s.publish(EventFinal, sess.Key, wc.CurrentStep, "", intent.Text, "")
			return intent.Text, nil

		case IntentToolCall:
			parseFailures = 0
			if err := sess.Append(session.TurnAssistant, completion.Text); err != nil {
				return "", err
			}
			final, done, err := s.dispatch(ctx, p, sess, wc, intent)
			if err != nil {
				return "", err
			}
			if done {
				return final, nil
			}

		case IntentParseError:
			parseFailures++
			if parseFailures >= s.cfg.MaxParseFailures {
				return s.surface(sess, wc, itakerrors.New(itakerrors.CategoryProviderNonTransient,
					"model produced %d consecutive malformed intents: %s", parseFailures, intent.ParseErr))
			}
			correction := fmt.Sprintf(
				"Your last reply could not be parsed (%s). Reply with a single JSON object: {\"tool\": \"...\", \"args\": {...}}. Use the %q tool to answer the user.",
				intent.ParseErr, responseToolName)
			if err := sess.Append(session.TurnSystem, correction); err != nil {
				return "", err
			}
		}

		if err := s.checkpoints.Checkpoint(sess.Key, wc, false); err != nil {
			slog.Warn("checkpoint failed", "session", sess.Key, "error", err)
		}
	}

	// Budget exhausted: emit a synthetic final message.
	synthetic := fmt.Sprintf("I could not finish this within my iteration budget (%d steps). Here is where I stopped; ask me to continue if you want me to keep going.", s.cfg.MaxIterations)
	if err := sess.Append(session.TurnAssistant, synthetic); err != nil {
		return "", err
	}
	s.clearCheckpoint(sess.Key)
	s.publish(EventFinal, sess.Key, wc.CurrentStep, "", synthetic, "")
	return synthetic, nil
}

// dispatch runs one tool call with self-healing. Returns (final, true)
// when the tool was terminal.
func (s *Scheduler) dispatch(ctx context.Context, p *principal.Principal, sess *session.Session, wc *checkpoint.WorkingContext, intent Intent) (string, bool, error) {
	wc.CurrentStep++
	step := wc.CurrentStep
	s.publish(EventStepStart, sess.Key, step, intent.Tool, "", "")

	// Forced checkpoint before a long-running external call.
	s.forceCheckpoint(sess.Key, wc)

	result, execErr := s.dispatcher.Execute(ctx, p, sess.Key, intent.Tool, intent.Args)

	for execErr != nil {
		if ctx.Err() != nil {
			s.publish(EventStepEnd, sess.Key, step, intent.Tool, "", "cancelled")
			final, err := s.cancelled(sess, wc)
			return final, true, err
		}
		wc.ErrorsSeen = append(wc.ErrorsSeen, execErr.Error())

		if s.healer == nil {
			break
		}
		s.runHooks(ctx, hooks.ErrorClassify, sess.Key, p.ID, map[string]any{"error": execErr.Error(), "tool": intent.Tool})
		decision := s.healer.Handle(ctx, p.ID, sess.Key, execErr, intent.Tool)
		if decision.Kind != heal.KindRetry {
			break
		}

		select {
		case <-ctx.Done():
			final, err := s.cancelled(sess, wc)
			return final, true, err
		case <-time.After(decision.Backoff):
		}

		args := intent.Args
		if decision.Strategy != nil && len(decision.Strategy.ArgPatch) > 0 {
			args = patchArgs(intent.Args, decision.Strategy.ArgPatch)
		}
		result, execErr = s.dispatcher.Execute(ctx, p, sess.Key, intent.Tool, args)
		if execErr == nil && decision.Strategy != nil {
			s.healer.RecordSuccess(ctx, p.ID, decision.Class, errors.New(wc.ErrorsSeen[len(wc.ErrorsSeen)-1]), decision.Strategy)
		}
	}

	if execErr != nil {
		s.publish(EventStepEnd, sess.Key, step, intent.Tool, "", execErr.Error())
		class := heal.Classify(execErr)
		if class == heal.ClassSecurity || class == heal.ClassData {
			final, err := s.surface(sess, wc, execErr)
			return final, true, err
		}
		// Surfaced but not fatal: the model sees the failure and may
		// change approach within its remaining iterations.
		turn := fmt.Sprintf("Tool %s failed: %s", intent.Tool, structuredError(execErr, wc.CurrentStep))
		if err := sess.Append(session.TurnTool, turn); err != nil {
			return "", true, err
		}
		return "", false, nil
	}

	s.publish(EventStepEnd, sess.Key, step, intent.Tool, summarize(result.Content), "")
	s.publish(EventToolResult, sess.Key, step, intent.Tool, summarize(result.Content), "")

	s.runHooks(ctx, hooks.HistoryAppendBefore, sess.Key, p.ID, map[string]any{"tool": intent.Tool})
	if err := sess.Append(session.TurnTool, result.Content); err != nil {
		return "", true, err
	}
	wc.Artifacts = append(wc.Artifacts, result.Artifacts...)

	if result.Terminal {
		s.clearCheckpoint(sess.Key)
		s.publish(EventFinal, sess.Key, step, intent.Tool, result.Content, "")
		return result.Content, true, nil
	}

	if err := s.checkpoints.Checkpoint(sess.Key, wc, false); err != nil {
		slog.Warn("checkpoint failed", "session", sess.Key, "error", err)
	}
	return "", false, nil
}

// assemblePrompt builds the message list: system identity + tool
// guidance + core context + retrieved memory + transcript tail.
func (s *Scheduler) assemblePrompt(ctx context.Context, p *principal.Principal, sess *session.Session, query string) []llm.Message {
	s.runHooks(ctx, hooks.PromptAssembleBefore, sess.Key, p.ID, nil)

	var sys strings.Builder
	sys.WriteString(s.systemPrompt)
	if s.toolPrompts != nil {
		if prompts := s.toolPrompts(p.Role); prompts != "" {
			sys.WriteString("\n\n## Available tools\n")
			sys.WriteString(prompts)
		}
	}
	if s.coreContext != nil {
		if core := s.coreContext(); core != "" {
			sys.WriteString("\n\n## Core context\n")
			sys.WriteString(core)
		}
	}
	if s.mem != nil {
		if entries, err := s.mem.Search(ctx, p.ID, query, 8); err == nil && len(entries) > 0 {
			sys.WriteString("\n\n## Relevant memories\n")
			for _, e := range entries {
				sys.WriteString("- ")
				sys.WriteString(e.Content)
				sys.WriteString("\n")
			}
		}
	}

	messages := []llm.Message{{Role: llm.MessageRoleSystem, Content: sys.String()}}
	for _, turn := range sess.Tail(40) {
		messages = append(messages, llm.Message{Role: turnToMessageRole(turn.Role), Content: turn.Content})
	}

	s.runHooks(ctx, hooks.PromptAssembleAfter, sess.Key, p.ID, nil)
	return messages
}

const minTurnsForCompaction = 8

// managePressure measures the assembled prompt against the chat
// model's context window and reports utilization to the memory fabric.
// Soft pressure compacts the oldest half of the transcript tail into a
// summary memory so the next iteration's prompt shrinks; hard pressure
// additionally triggers stale-entry demotion inside the fabric.
func (s *Scheduler) managePressure(ctx context.Context, p *principal.Principal, sess *session.Session, messages []llm.Message) {
	reporter, ok := s.mem.(PressureReporter)
	if !ok {
		return
	}
	model, window := s.router.ContextWindow(llm.RoleChat)
	if window <= 0 {
		return
	}
	tokens, _ := llm.CountMessages(model, messages)
	level, err := reporter.ReportPressure(ctx, float64(tokens)/float64(window))
	if err != nil {
		slog.Warn("pressure report failed", "session", sess.Key, "error", err)
		return
	}
	if level == memory.PressureNone {
		return
	}
	s.compactTail(ctx, reporter, p, sess)
}

// compactTail folds the oldest half of the tail into one recall entry
// and replaces those turns with a single summary turn. The transcript
// file keeps everything.
func (s *Scheduler) compactTail(ctx context.Context, reporter PressureReporter, p *principal.Principal, sess *session.Session) {
	turns := sess.Tail(0)
	if len(turns) < minTurnsForCompaction {
		return
	}
	covered := len(turns) / 2
	block := make([]string, 0, covered)
	for _, t := range turns[:covered] {
		block = append(block, string(t.Role)+": "+t.Content)
	}
	entry, err := reporter.CompressTurns(ctx, p.ID, sess.Key, block)
	if err != nil {
		slog.Warn("turn compression failed", "session", sess.Key, "error", err)
		return
	}
	if err := sess.Compact("Earlier conversation, condensed: "+entry.Content, covered); err != nil {
		slog.Warn("tail compaction failed", "session", sess.Key, "error", err)
	}
}

// resumeOrFresh loads the session's checkpoint. A mid-task checkpoint
// injects a resume system turn so the model knows where it stopped.
func (s *Scheduler) resumeOrFresh(sess *session.Session) *checkpoint.WorkingContext {
	wc, err := s.checkpoints.Resume(sess.Key)
	if err != nil {
		slog.Warn("resume failed, starting fresh", "session", sess.Key, "error", err)
	}
	if wc == nil {
		return &checkpoint.WorkingContext{StartedAt: time.Now()}
	}
	if wc.IterationCount > 0 {
		note := fmt.Sprintf("Restarted mid-task at step %d of task %s; resuming from the last checkpoint.", wc.CurrentStep, wc.TaskID)
		if wc.TaskID == "" {
			note = fmt.Sprintf("Restarted mid-task at step %d; resuming from the last checkpoint.", wc.CurrentStep)
		}
		if err := sess.Append(session.TurnSystem, note); err != nil {
			slog.Warn("failed to append resume turn", "session", sess.Key, "error", err)
		}
	}
	return wc
}

// surface converts an error into the structured user-visible report and
// ends the monologue. The session remains usable.
func (s *Scheduler) surface(sess *session.Session, wc *checkpoint.WorkingContext, err error) (string, error) {
	msg := structuredError(err, wc.CurrentStep)
	if appendErr := sess.Append(session.TurnAssistant, msg); appendErr != nil {
		return "", appendErr
	}
	s.clearCheckpoint(sess.Key)
	s.publish(EventError, sess.Key, wc.CurrentStep, "", "", err.Error())
	return msg, nil
}

// cancelled finalizes a user-aborted monologue: checkpoint marked
// cancelled, a cancelled response turn, no error report.
func (s *Scheduler) cancelled(sess *session.Session, wc *checkpoint.WorkingContext) (string, error) {
	wc.Decisions = append(wc.Decisions, "cancelled")
	s.forceCheckpoint(sess.Key, wc)
	const msg = "Cancelled."
	if err := sess.Append(session.TurnAssistant, msg); err != nil {
		return "", err
	}
	s.publish(EventFinal, sess.Key, wc.CurrentStep, "", msg, "")
	return msg, nil
}

func (s *Scheduler) forceCheckpoint(key string, wc *checkpoint.WorkingContext) {
	if err := s.checkpoints.Checkpoint(key, wc, true); err != nil {
		slog.Warn("forced checkpoint failed", "session", key, "error", err)
	}
}

// clearCheckpoint removes the session's checkpoint once the monologue
// reaches a terminal outcome. Checkpoints exist for crash recovery
// only; a stale one would inject a false resume turn on the next
// message. Cancelled monologues keep theirs so the task can continue.
func (s *Scheduler) clearCheckpoint(key string) {
	if err := s.checkpoints.Remove(key); err != nil {
		slog.Warn("failed to clear checkpoint", "session", key, "error", err)
	}
}

func (s *Scheduler) runHooks(ctx context.Context, point hooks.Point, sessionKey, principalID string, values map[string]any) {
	if values == nil {
		values = map[string]any{}
	}
	hc := &hooks.HookContext{Point: point, Session: sessionKey, Principal: principalID, Values: values}
	if err := s.hooks.Run(ctx, hc); err != nil {
		slog.Warn("critical hook failed", "point", point, "error", err)
	}
}

// structuredError renders the user-visible error report: category,
// one-line explanation, correlation id for log lookup, step number.
func structuredError(err error, step int) string {
	category := itakerrors.CategoryOf(err)
	corr := ""
	var ie *itakerrors.Error
	if errors.As(err, &ie) {
		corr = ie.CorrelationID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Something went wrong (%s): %s", category, firstLine(err.Error()))
	if step > 0 {
		fmt.Fprintf(&b, " [step %d]", step)
	}
	if corr != "" {
		fmt.Fprintf(&b, " [ref %s]", corr)
	}
	return b.String()
}

func patchArgs(args, patch map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(patch))
	for k, v := range args {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func turnToMessageRole(role session.TurnRole) llm.MessageRole {
	switch role {
	case session.TurnUser:
		return llm.MessageRoleUser
	case session.TurnAssistant:
		return llm.MessageRoleAssistant
	case session.TurnTool:
		return llm.MessageRoleTool
	default:
		return llm.MessageRoleSystem
	}
}

func summarize(content string) string {
	line := firstLine(content)
	if len(line) > 160 {
		line = line[:160] + "…"
	}
	return line
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
