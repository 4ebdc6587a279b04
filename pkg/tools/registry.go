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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/itak-ai/itak/pkg/principal"
)

// Registry holds the tools registered at init. The scheduler only ever
// sees the subset the current principal's role allows.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering two tools with the same name is a
// wiring bug, reported at init rather than silently overwritten.
func (r *Registry) Register(t Tool) error {
	name := t.Info().Name
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ForRole returns the tools a role may invoke, sorted by name.
func (r *Registry) ForRole(role principal.Role) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, t := range r.tools {
		if role.AtLeast(t.Info().RequiredRole) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info().Name < out[j].Info().Name })
	return out
}

// Names lists all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UsagePrompts assembles the prompt guidance for every tool a role may
// use, in stable order.
func (r *Registry) UsagePrompts(role principal.Role) string {
	var b strings.Builder
	for _, t := range r.ForRole(role) {
		info := t.Info()
		fmt.Fprintf(&b, "### %s\n%s\n", info.Name, strings.TrimSpace(t.UsagePrompt()))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
