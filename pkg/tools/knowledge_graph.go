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
	"github.com/itak-ai/itak/pkg/store"
)

type knowledgeGraphArgs struct {
	Action    string  `json:"action" jsonschema:"required,description=upsert or query.,enum=upsert,enum=query"`
	Subject   string  `json:"subject,omitempty" jsonschema:"description=Subject entity for upsert."`
	Predicate string  `json:"predicate,omitempty" jsonschema:"description=Relation type for upsert."`
	Object    string  `json:"object,omitempty" jsonschema:"description=Object entity for upsert."`
	Entities  []string `json:"entities,omitempty" jsonschema:"description=Seed entities for query."`
	Hops      int     `json:"hops,omitempty" jsonschema:"description=Traversal depth for query (max 2)."`
}

// KnowledgeGraphTool exposes direct graph store operations: explicit
// relation upserts and bounded traversal queries.
type KnowledgeGraphTool struct {
	graph store.Graph
}

func NewKnowledgeGraphTool(graph store.Graph) *KnowledgeGraphTool {
	return &KnowledgeGraphTool{graph: graph}
}

func (t *KnowledgeGraphTool) Info() Info {
	return Info{
		Name:         "knowledge_graph",
		Description:  "Upsert entity relations or query the knowledge graph.",
		InputSchema:  schemaFor(&knowledgeGraphArgs{}),
		RequiredRole: principal.RoleSudo,
		SideEffect:   SideEffectWrite,
		CostClass:    CostFree,
	}
}

func (t *KnowledgeGraphTool) UsagePrompt() string {
	return `knowledge_graph stores explicit (subject, predicate, object) facts, e.g.
("alice", "manages", "billing-service"). Query with seed entities to walk
the neighborhood.`
}

func (t *KnowledgeGraphTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	action, _ := call.Args["action"].(string)
	switch action {
	case "upsert":
		return t.upsert(ctx, call)
	case "query":
		return t.query(ctx, call)
	default:
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "unknown action %q", action)
	}
}

func (t *KnowledgeGraphTool) upsert(ctx context.Context, call *Call) (*Result, error) {
	subject, _ := call.Args["subject"].(string)
	predicate, _ := call.Args["predicate"].(string)
	object, _ := call.Args["object"].(string)
	if subject == "" || predicate == "" || object == "" {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "upsert requires subject, predicate and object")
	}

	rel := &store.Relation{
		Subject:    strings.ToLower(subject),
		Predicate:  strings.ToLower(predicate),
		Object:     strings.ToLower(object),
		Confidence: 1.0, // explicit assertions outrank derived co-occurrence
		CreatedAt:  time.Now(),
	}
	if err := t.graph.UpsertRelation(ctx, rel); err != nil {
		return nil, err
	}
	return &Result{
		OK:          true,
		Content:     fmt.Sprintf("Stored: %s %s %s", rel.Subject, rel.Predicate, rel.Object),
		SideEffects: []string{"graph:upsert"},
	}, nil
}

func (t *KnowledgeGraphTool) query(ctx context.Context, call *Call) (*Result, error) {
	var entities []string
	if raw, ok := call.Args["entities"].([]any); ok {
		for _, e := range raw {
			if s, ok := e.(string); ok {
				entities = append(entities, strings.ToLower(s))
			}
		}
	}
	if len(entities) == 0 {
		return nil, itakerrors.New(itakerrors.CategoryInvalidArgs, "query requires at least one entity")
	}
	hops := 2
	if h, ok := call.Args["hops"].(float64); ok && h >= 1 && h <= 2 {
		hops = int(h)
	}

	hits, err := t.graph.Neighbors(ctx, entities, hops)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &Result{OK: true, Content: "No relations found."}, nil
	}

	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s %s %s (hops=%d)\n", h.Relation.Subject, h.Relation.Predicate, h.Relation.Object, h.Hops)
	}
	return &Result{OK: true, Content: b.String()}, nil
}
