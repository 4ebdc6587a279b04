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
	"fmt"
	"strings"
	"time"

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
)

type codeExecArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run in the sandbox."`
}

// CodeExecTool runs shell commands in the per-call sandbox. Output
// capping and artifact spill happen in the executor pipeline.
type CodeExecTool struct {
	timeout time.Duration
	allowed []string
}

// NewCodeExecTool creates the tool. A non-empty allowlist restricts
// which programs may start a command segment.
func NewCodeExecTool(timeout time.Duration, allowed []string) *CodeExecTool {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &CodeExecTool{timeout: timeout, allowed: allowed}
}

func (t *CodeExecTool) Info() Info {
	return Info{
		Name:         "code_exec",
		Description:  "Run a shell command in an isolated working directory.",
		InputSchema:  schemaFor(&codeExecArgs{}),
		RequiredRole: principal.RoleSudo,
		SideEffect:   SideEffectWrite,
		Timeout:      t.timeout,
		CostClass:    CostFree,
	}
}

func (t *CodeExecTool) UsagePrompt() string {
	return `code_exec runs one shell command in a fresh directory that is deleted
afterwards. Write files there if a later step needs them, and print
anything you want to see. Long output is spilled to an artifact.`
}

func (t *CodeExecTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	command, _ := call.Args["command"].(string)
	if command == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "command is empty")
	}
	if err := t.validateCommand(command); err != nil {
		return nil, err
	}

	output, exitCode, err := runSandboxed(ctx, call.WorkDir, command)
	if err != nil {
		return nil, itakerrors.Wrap(itakerrors.CategoryProviderTransient, err, "sandbox launch failed")
	}

	content := output
	if exitCode != 0 {
		content = fmt.Sprintf("%s\n[exit code %d]", output, exitCode)
	}
	return &Result{
		OK:          exitCode == 0,
		Content:     content,
		SideEffects: []string{"exec:" + call.WorkDir},
	}, nil
}

// validateCommand gates execution on the configured allowlist. Every
// segment of a compound command is checked, so a permitted program
// cannot smuggle a denied one behind a pipe or semicolon.
func (t *CodeExecTool) validateCommand(command string) error {
	if len(t.allowed) == 0 {
		return nil
	}
	for _, segment := range commandSegments(command) {
		base := baseCommand(segment)
		if base == "" {
			continue
		}
		if !t.isAllowed(base) {
			return itakerrors.New(itakerrors.CategoryPolicyViolation,
				"command not allowed: %s (allowed: %s)", base, strings.Join(t.allowed, ", "))
		}
	}
	return nil
}

func (t *CodeExecTool) isAllowed(base string) bool {
	for _, a := range t.allowed {
		if base == a {
			return true
		}
	}
	return false
}

// commandSegments splits a compound shell command at pipes, separators
// and background markers. Redirections stay inside their segment.
func commandSegments(command string) []string {
	return strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&' || r == '\n'
	})
}

func baseCommand(segment string) string {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
