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

package agent

import (
	"context"
	"strings"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/scheduler"
	"github.com/itak-ai/itak/pkg/tools"
)

// runSubAgent runs one delegated task as its own bounded monologue:
// the profile's prompt overlay, tool allowlist and iteration budget
// replace the parent's, everything else is shared.
func (a *Agent) runSubAgent(ctx context.Context, profile *config.SwarmProfile, p *principal.Principal, sessionKey, taskText string) (string, error) {
	cfg := a.cfg.Scheduler
	cfg.MaxIterations = profile.MaxIterations

	allow := make(map[string]bool, len(profile.ToolAllowlist))
	for _, name := range profile.ToolAllowlist {
		allow[name] = true
	}

	prompt := defaultSystemPrompt
	if profile.PromptOverlay != "" {
		prompt += "\n\n" + profile.PromptOverlay
	}

	sub, err := scheduler.New(scheduler.Options{
		Config:       &cfg,
		Router:       a.router,
		Dispatcher:   &allowlistDispatcher{inner: a.executor, allow: allow},
		Memory:       a.mem,
		Healer:       a.healer,
		Checkpoints:  a.checkpoints,
		Hooks:        a.hooks,
		Notify:       a.onEvent,
		SystemPrompt: prompt,
		CoreContext:  func() string { return "" },
		ToolPrompts:  a.subAgentToolPrompts(allow),
	})
	if err != nil {
		return "", err
	}

	sess, err := a.sessions.Attach(sessionKey, p.ID)
	if err != nil {
		return "", err
	}
	return sub.HandleMessage(ctx, p, sess, taskText)
}

// subAgentToolPrompts restricts the advertised tools to the profile's
// allowlist. Sub-agents never see the delegate tool; one level of
// delegation is the ceiling.
func (a *Agent) subAgentToolPrompts(allow map[string]bool) func(role principal.Role) string {
	return func(role principal.Role) string {
		var blocks []string
		for _, t := range a.registry.ForRole(role) {
			name := t.Info().Name
			if name == "delegate_task" {
				continue
			}
			if len(allow) > 0 && !allow[name] && name != "response" {
				continue
			}
			blocks = append(blocks, t.UsagePrompt())
		}
		return strings.Join(blocks, "\n\n")
	}
}

// allowlistDispatcher enforces a profile's tool allowlist in front of
// the shared executor. The response tool is always permitted.
type allowlistDispatcher struct {
	inner *tools.Executor
	allow map[string]bool
}

func (d *allowlistDispatcher) Execute(ctx context.Context, p *principal.Principal, session, toolName string, args map[string]any) (*tools.Result, error) {
	if toolName == "delegate_task" {
		return nil, itakerrors.New(itakerrors.CategoryPermissionDenied, "sub-agents cannot delegate further")
	}
	if len(d.allow) > 0 && !d.allow[toolName] && toolName != "response" {
		return nil, itakerrors.New(itakerrors.CategoryPermissionDenied, "tool %q is not in this profile's allowlist", toolName)
	}
	return d.inner.Execute(ctx, p, session, toolName, args)
}
