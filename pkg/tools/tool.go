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

// Package tools implements the tool registry and execution engine:
// schema validation, permission gating, just-in-time secret expansion,
// sandboxed dispatch, output guarding and result shaping.
package tools

import (
	"context"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/itak-ai/itak/pkg/checkpoint"
	"github.com/itak-ai/itak/pkg/principal"
)

// SideEffect classifies what a tool touches, for audit logs and prompt
// guidance.
type SideEffect string

const (
	SideEffectNone    SideEffect = "none"    // pure computation
	SideEffectRead    SideEffect = "read"    // reads external state
	SideEffectWrite   SideEffect = "write"   // mutates external state
	SideEffectNetwork SideEffect = "network" // talks to the network
)

// CostClass hints at a tool's expense for budget heuristics.
type CostClass string

const (
	CostFree     CostClass = "free"
	CostMetered  CostClass = "metered"  // consumes model tokens or paid API calls
	CostExternal CostClass = "external" // arbitrary external spend
)

// Info describes one tool to the registry, the scheduler and the
// prompt assembler.
type Info struct {
	Name         string
	Description  string
	InputSchema  *jsonschema.Schema
	RequiredRole principal.Role
	SideEffect   SideEffect
	Timeout      time.Duration
	CostClass    CostClass
}

// Call is one tool invocation after permission and validation.
type Call struct {
	Principal *principal.Principal
	Session   string
	Args      map[string]any
	// WorkDir is the fresh per-call working directory for tools that
	// touch the filesystem.
	WorkDir string
}

// Result is what a tool execution returns to the scheduler.
type Result struct {
	OK          bool                  `json:"ok"`
	Content     string                `json:"content"`
	Cost        float64               `json:"cost,omitempty"`
	Duration    time.Duration         `json:"duration"`
	Artifacts   []checkpoint.Artifact `json:"artifacts,omitempty"`
	SideEffects []string              `json:"side_effects,omitempty"`
	// Terminal marks the response tool: the scheduler exits its loop
	// after processing this result.
	Terminal bool `json:"terminal,omitempty"`
}

// Tool is the capability contract every registered tool implements.
// Tools are registered at init from the config manifest; nothing is
// imported at runtime.
type Tool interface {
	Info() Info
	// UsagePrompt returns the guidance block injected into the system
	// prompt when this tool is available.
	UsagePrompt() string
	Execute(ctx context.Context, call *Call) (*Result, error)
}

// schemaFor reflects a Go args struct into a JSON schema for prompt
// injection and input validation.
func schemaFor(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	return r.Reflect(v)
}
