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

	"github.com/itak-ai/itak/pkg/itakerrors"
	"github.com/itak-ai/itak/pkg/memory"
	"github.com/itak-ai/itak/pkg/principal"
	"github.com/itak-ai/itak/pkg/store"
)

// The three memory tools are thin shims over the fabric; all tier
// logic, dedup and isolation live there.

type memorySaveArgs struct {
	Content  string   `json:"content" jsonschema:"required,description=The fact or note to remember."`
	Tags     []string `json:"tags,omitempty" jsonschema:"description=Optional tags for later retrieval."`
	Priority string   `json:"priority,omitempty" jsonschema:"description=normal, high or critical.,enum=normal,enum=high,enum=critical"`
}

type MemorySaveTool struct {
	fabric *memory.Fabric
}

func NewMemorySaveTool(fabric *memory.Fabric) *MemorySaveTool {
	return &MemorySaveTool{fabric: fabric}
}

func (t *MemorySaveTool) Info() Info {
	return Info{
		Name:         "memory_save",
		Description:  "Persist a fact, preference or note to long-term memory.",
		InputSchema:  schemaFor(&memorySaveArgs{}),
		RequiredRole: principal.RoleUser,
		SideEffect:   SideEffectWrite,
		CostClass:    CostMetered, // derivation costs embedding tokens
	}
}

func (t *MemorySaveTool) UsagePrompt() string {
	return `Call memory_save whenever the user states something worth recalling later:
preferences, facts about their environment, decisions. Keep "content" a
single self-contained sentence.`
}

func (t *MemorySaveTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	content, _ := call.Args["content"].(string)
	opts := memory.RememberOptions{SourceSession: call.Session}
	if tags, ok := call.Args["tags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				opts.Tags = append(opts.Tags, s)
			}
		}
	}
	if p, ok := call.Args["priority"].(string); ok && p != "" {
		opts.Priority = store.Priority(p)
	}

	entry, err := t.fabric.Remember(ctx, call.Principal.ID, content, opts)
	if err != nil {
		return nil, err
	}
	return &Result{
		OK:          true,
		Content:     fmt.Sprintf("Remembered (id %s).", entry.ID),
		SideEffects: []string{"memory:write:" + entry.ID},
	}, nil
}

type memoryLoadArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to search memory for."`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum entries to return."`
}

type MemoryLoadTool struct {
	fabric *memory.Fabric
}

func NewMemoryLoadTool(fabric *memory.Fabric) *MemoryLoadTool {
	return &MemoryLoadTool{fabric: fabric}
}

func (t *MemoryLoadTool) Info() Info {
	return Info{
		Name:         "memory_load",
		Description:  "Search long-term memory for relevant entries.",
		InputSchema:  schemaFor(&memoryLoadArgs{}),
		RequiredRole: principal.RoleUser,
		SideEffect:   SideEffectRead,
		CostClass:    CostMetered,
	}
}

func (t *MemoryLoadTool) UsagePrompt() string {
	return `Call memory_load before answering questions that might depend on stored
facts. Phrase "query" as the thing you want to know, not as a command.`
}

func (t *MemoryLoadTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	query, _ := call.Args["query"].(string)
	limit := 0
	if l, ok := call.Args["limit"].(float64); ok {
		limit = int(l)
	}

	entries, err := t.fabric.Search(ctx, call.Principal.ID, query, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Result{OK: true, Content: "No matching memories."}, nil
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s\n", e.ID, e.Content)
	}
	return &Result{OK: true, Content: b.String()}, nil
}

type memoryForgetArgs struct {
	Query string `json:"query,omitempty" jsonschema:"description=Search for entries to forget."`
	Token string `json:"token,omitempty" jsonschema:"description=Confirmation token from a previous memory_forget call."`
}

type MemoryForgetTool struct {
	fabric *memory.Fabric
}

func NewMemoryForgetTool(fabric *memory.Fabric) *MemoryForgetTool {
	return &MemoryForgetTool{fabric: fabric}
}

func (t *MemoryForgetTool) Info() Info {
	return Info{
		Name:         "memory_forget",
		Description:  "Delete entries from memory. Two-step: search, then confirm with the returned token.",
		InputSchema:  schemaFor(&memoryForgetArgs{}),
		RequiredRole: principal.RoleSudo,
		SideEffect:   SideEffectWrite,
		CostClass:    CostFree,
	}
}

func (t *MemoryForgetTool) UsagePrompt() string {
	return `Forgetting is two calls: first with "query" to see what matches and get a
confirmation token, then with "token" after the user confirms. Never
skip the confirmation.`
}

func (t *MemoryForgetTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	if token, ok := call.Args["token"].(string); ok && token != "" {
		if err := t.fabric.ConfirmForget(ctx, token); err != nil {
			return nil, err
		}
		return &Result{OK: true, Content: "Forgotten.", SideEffects: []string{"memory:delete"}}, nil
	}

	query, _ := call.Args["query"].(string)
	if query == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "either query or token is required")
	}
	proposal, err := t.fabric.ProposeForget(ctx, call.Principal.ID, query)
	if err != nil {
		return nil, err
	}
	if len(proposal.Entries) == 0 {
		return &Result{OK: true, Content: "No matching memories to forget."}, nil
	}

	var b strings.Builder
	b.WriteString("Would forget:\n")
	for _, e := range proposal.Entries {
		fmt.Fprintf(&b, "- [%s] %s\n", e.ID, e.Content)
	}
	fmt.Fprintf(&b, "Confirm with token %s after the user agrees.", proposal.Token)
	return &Result{OK: true, Content: b.String()}, nil
}
