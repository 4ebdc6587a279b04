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

package tools

import (
	"context"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

// Delegator spawns a sub-agent and blocks until it terminates. The
// swarm coordinator implements this; the indirection keeps the tool
// layer from depending on scheduler internals.
type Delegator interface {
	Delegate(ctx context.Context, parentSession, profile, task string) (string, error)
}

type delegateArgs struct {
	Profile string `json:"profile" jsonschema:"required,description=Sub-agent profile name."`
	Task    string `json:"task" jsonschema:"required,description=The task handed to the sub-agent."`
}

// DelegateTool hands a task to a specialized sub-agent and returns its
// merged result.
type DelegateTool struct {
	delegator Delegator
	timeout   time.Duration
}

func NewDelegateTool(delegator Delegator, timeout time.Duration) *DelegateTool {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &DelegateTool{delegator: delegator, timeout: timeout}
}

func (t *DelegateTool) Info() Info {
	return Info{
		Name:         "delegate_task",
		Description:  "Hand a sub-task to a specialized sub-agent and wait for its result.",
		InputSchema:  schemaFor(&delegateArgs{}),
		RequiredRole: principal.RoleUser,
		SideEffect:   SideEffectNone,
		Timeout:      t.timeout,
		CostClass:    CostMetered,
	}
}

func (t *DelegateTool) UsagePrompt() string {
	return `delegate_task runs a sub-agent with its own tool set and iteration budget.
Use it for self-contained sub-problems (research, code review); the call
blocks until the sub-agent finishes.`
}

func (t *DelegateTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	profile, _ := call.Args["profile"].(string)
	task, _ := call.Args["task"].(string)
	if profile == "" || task == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "profile and task are required")
	}

	output, err := t.delegator.Delegate(ctx, call.Session, profile, task)
	if err != nil {
		return nil, err
	}
	return &Result{OK: true, Content: output}, nil
}
