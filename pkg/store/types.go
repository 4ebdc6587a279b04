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

// Package store defines the three abstract store contracts the memory
// fabric consumes: a relational store for recall entries, a graph store
// for entity relations and a vector store for embeddings. The fabric
// must tolerate any subset being unavailable and still serve reads from
// the remaining tiers.
package store

import (
	"context"
	"time"
)

// Health reports an adapter's availability.
type Health string

const (
	HealthAvailable   Health = "available"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// Tier is a memory residency tier.
type Tier string

const (
	TierCore     Tier = "core"
	TierRecall   Tier = "recall"
	TierArchival Tier = "archival"
	TierExternal Tier = "external"
)

// Priority orders entries under pressure.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Entry is one authoritative memory row. A logical entry has at most
// one row per tier; higher tiers may cache derived views.
type Entry struct {
	ID                string    `json:"id"`
	PrincipalID       string    `json:"principal_id"`
	Tier              Tier      `json:"tier"`
	Content           string    `json:"content"`
	Entities          []string  `json:"entities,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	Priority          Priority  `json:"priority"`
	SourceSession     string    `json:"source_session,omitempty"`
	ContentHash       string    `json:"content_hash"`
	DerivationPending bool      `json:"derivation_pending,omitempty"`
	SharedWith        []string  `json:"shared_with,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccessed      time.Time `json:"last_accessed"`
	AccessCount       int64     `json:"access_count"`
}

// Relational is the keyed CRUD + keyword search contract over recall
// entries. Implementations use parameterized queries only.
type Relational interface {
	Put(ctx context.Context, entry *Entry) error
	PutBatch(ctx context.Context, entries []*Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Delete(ctx context.Context, id string) error
	// Search returns entries whose content matches the query terms,
	// scoped to a principal (plus entries shared with it).
	Search(ctx context.Context, principalID, query string, limit int) ([]*Entry, error)
	// FindByHash locates a recent entry with the same content hash for
	// write deduplication.
	FindByHash(ctx context.Context, principalID, hash string, since time.Time) (*Entry, error)
	// Touch updates access bookkeeping for retrieval promotion.
	Touch(ctx context.Context, id string, at time.Time) error
	// LeastRecentlyUsed returns recall entries ordered by staleness for
	// pressure demotion.
	LeastRecentlyUsed(ctx context.Context, limit int) ([]*Entry, error)
	// SetDerivationPending flags entries whose archival derivation has
	// not yet converged.
	SetDerivationPending(ctx context.Context, id string, pending bool) error
	ListDerivationPending(ctx context.Context, limit int) ([]*Entry, error)
	SetTier(ctx context.Context, id string, tier Tier) error
	Health(ctx context.Context) Health
	Close() error
}

// Relation is one typed edge in the knowledge graph. The
// (subject, predicate, object) triple is unique; re-insertion is
// most-recent-wins.
type Relation struct {
	Subject        string    `json:"subject_entity"`
	Predicate      string    `json:"predicate"`
	Object         string    `json:"object_entity"`
	SourceMemoryID string    `json:"source_memory_id"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// Graph stores entity nodes and typed edges with bounded traversal.
type Graph interface {
	UpsertRelation(ctx context.Context, rel *Relation) error
	// Neighbors traverses from the seed entities up to maxHops and
	// returns reached relations with their hop distance.
	Neighbors(ctx context.Context, entities []string, maxHops int) ([]GraphHit, error)
	DeleteBySource(ctx context.Context, sourceMemoryID string) error
	Health(ctx context.Context) Health
	Close() error
}

// GraphHit is a traversal result.
type GraphHit struct {
	Relation Relation
	Hops     int
}

// VectorResult is one nearest-neighbor hit.
type VectorResult struct {
	ID       string
	Score    float32
	Payload  map[string]any
}

// Vector stores embeddings with cosine top-k search.
type Vector interface {
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Search(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]VectorResult, error)
	Delete(ctx context.Context, id string) error
	Health(ctx context.Context) Health
	Close() error
}
