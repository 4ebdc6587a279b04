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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/itak-ai/itak/pkg/budget"
	"github.com/itak-ai/itak/pkg/checkpoint"
	"github.com/itak-ai/itak/pkg/hooks"
	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/vault"
)

const (
	defaultToolTimeout    = 60 * time.Second
	defaultMaxOutputBytes = 32 * 1024
	truncationSentinel    = "\n[output truncated; full content in artifact %s]"
)

// Executor drives the per-call pipeline: validate, permission, secret
// expansion, hooks, sandboxed dispatch, capture and redaction, result
// shaping.
type Executor struct {
	registry     *Registry
	vault        *vault.Vault
	hooks        *hooks.Runner
	limiter      *budget.Limiter
	workRoot     string
	artifactsDir string
	maxOutput    int64
}

func NewExecutor(registry *Registry, vlt *vault.Vault, runner *hooks.Runner, limiter *budget.Limiter, workRoot, artifactsDir string, maxOutput int64) (*Executor, error) {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	for _, dir := range []string{workRoot, artifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Executor{
		registry:     registry,
		vault:        vlt,
		hooks:        runner,
		limiter:      limiter,
		workRoot:     workRoot,
		artifactsDir: artifactsDir,
		maxOutput:    maxOutput,
	}, nil
}

// Execute runs one tool call end to end. Permission failures return
// before the tool body runs; every path through here produces either a
// Result or a categorized error.
func (e *Executor) Execute(ctx context.Context, p *principal.Principal, session, toolName string, args map[string]any) (*Result, error) {
	tool, ok := e.registry.Get(toolName)
	if !ok {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown tool %q", toolName)
	}
	info := tool.Info()

	if err := validateArgs(info.InputSchema, args); err != nil {
		return nil, err
	}

	if !p.Role.AtLeast(info.RequiredRole) {
		return nil, itakerrors.New(itakerrors.CategoryPermissionDenied,
			"tool %q requires role %s, principal %s has %s", toolName, info.RequiredRole, p.ID, p.Role)
	}

	expanded, err := e.expandSecrets(args)
	if err != nil {
		return nil, err
	}

	res, err := e.limiter.Reserve(ctx, budget.Request{
		Principal: p.ID,
		Tool:      toolName,
		Free:      true, // tool calls are rate-limited, not cost-limited
	})
	if err != nil {
		return nil, err
	}

	hc := &hooks.HookContext{
		Point:     hooks.ToolExecuteBefore,
		Session:   session,
		Principal: p.ID,
		Values:    map[string]any{"tool": toolName, "args": expanded},
	}
	if err := e.hooks.Run(ctx, hc); err != nil {
		_ = e.limiter.Rollback(ctx, res)
		return nil, itakerrors.Wrap(itakerrors.CategoryPolicyViolation, err, "pre-execution hook rejected call")
	}

	workDir, err := os.MkdirTemp(e.workRoot, toolName+"-")
	if err != nil {
		_ = e.limiter.Rollback(ctx, res)
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			slog.Warn("failed to clean work dir", "dir", workDir, "error", rmErr)
		}
	}()

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, execErr := tool.Execute(callCtx, &Call{
		Principal: p,
		Session:   session,
		Args:      expanded,
		WorkDir:   workDir,
	})
	duration := time.Since(start)

	if execErr != nil {
		_ = e.limiter.Rollback(ctx, res)
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, itakerrors.New(itakerrors.CategoryTimeout, "tool %q exceeded its %s timeout", toolName, timeout)
		}
		return nil, execErr
	}
	if err := e.limiter.Commit(ctx, res, budget.Actuals{Cost: result.Cost}); err != nil {
		slog.Warn("failed to commit tool usage", "tool", toolName, "error", err)
	}

	result.Duration = duration
	result.Content = e.vault.Redactor().Redact(result.Content)
	if err := e.capOutput(result); err != nil {
		return nil, err
	}

	hc.Point = hooks.ToolExecuteAfter
	hc.Values["result"] = result
	if err := e.hooks.Run(ctx, hc); err != nil {
		return nil, err
	}
	// A post-hook may fold derived findings into the result.
	if derived, ok := hc.Values["derived_content"].(string); ok && derived != "" {
		result.Content += "\n\n" + e.vault.Redactor().Redact(derived)
	}
	return result, nil
}

// expandSecrets substitutes {{name}} placeholders in string arguments
// just in time; the expanded values never enter logs or transcripts.
func (e *Executor) expandSecrets(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		expanded, err := e.vault.Materialize(s)
		if err != nil {
			return nil, err
		}
		out[k] = expanded
	}
	return out, nil
}

// capOutput enforces the inline byte cap. Oversized output is spilled
// to an artifact file and the inline portion truncated with a sentinel
// referencing it.
func (e *Executor) capOutput(result *Result) error {
	if int64(len(result.Content)) <= e.maxOutput {
		return nil
	}

	id := uuid.NewString()
	path := filepath.Join(e.artifactsDir, id+".txt")
	if err := os.WriteFile(path, []byte(result.Content), 0o600); err != nil {
		return fmt.Errorf("failed to spill oversized output: %w", err)
	}
	result.Artifacts = append(result.Artifacts, checkpoint.Artifact{
		ID:        id,
		Name:      "tool-output",
		Path:      path,
		MIME:      "text/plain",
		Size:      int64(len(result.Content)),
		CreatedAt: time.Now(),
	})
	result.Content = result.Content[:e.maxOutput] + fmt.Sprintf(truncationSentinel, id)
	return nil
}

// validateArgs checks required fields and primitive types against the
// tool's schema. Schema failures are InvalidArgs: the self-healer never
// retries them.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return itakerrors.New(itakerrors.CategoryInvalidArgs, "missing required argument %q", req)
		}
	}
	if schema.Properties == nil {
		return nil
	}
	for name, value := range args {
		prop, ok := schema.Properties.Get(name)
		if !ok {
			return itakerrors.New(itakerrors.CategoryInvalidArgs, "unexpected argument %q", name)
		}
		if err := checkType(name, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name string, prop *jsonschema.Schema, value any) error {
	if value == nil || prop.Type == "" {
		return nil
	}
	ok := true
	switch prop.Type {
	case "string":
		_, ok = value.(string)
	case "boolean":
		_, ok = value.(bool)
	case "integer", "number":
		switch value.(type) {
		case int, int64, float64, float32:
		default:
			ok = false
		}
	case "array":
		_, ok = value.([]any)
		if !ok {
			_, ok = value.([]string)
		}
	case "object":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return itakerrors.New(itakerrors.CategoryInvalidArgs,
			"argument %q must be a %s", name, prop.Type)
	}
	return nil
}
