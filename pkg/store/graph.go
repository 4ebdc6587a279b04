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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLGraph implements Graph as a triple table. It shares the relational
// connection pool; graph residency is the archival tier so traversals
// never require recall to be available.
type SQLGraph struct {
	db     *sql.DB
	driver string
}

// NewSQLGraph ensures the relations table exists.
func NewSQLGraph(db *sql.DB, driver string) (*SQLGraph, error) {
	key := keyColumnType(driver)
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS graph_relations (
	subject_entity %s NOT NULL,
	predicate %s NOT NULL,
	object_entity %s NOT NULL,
	source_memory_id %s NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (subject_entity, predicate, object_entity)
)`, key, key, key, key)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create graph_relations table: %w", err)
	}
	for _, idx := range []struct{ name, columns string }{
		{"idx_relations_object", "object_entity"},
		{"idx_relations_source", "source_memory_id"},
	} {
		if err := createIndex(db, driver, idx.name, "graph_relations", idx.columns); err != nil {
			return nil, fmt.Errorf("failed to create graph index %s: %w", idx.name, err)
		}
	}
	return &SQLGraph{db: db, driver: driver}, nil
}

func (g *SQLGraph) q(query string) string {
	return Rebind(g.driver, query)
}

// upsertRelationSQL renders the most-recent-wins upsert for the active
// dialect.
func (g *SQLGraph) upsertRelationSQL() string {
	insert := `
INSERT INTO graph_relations (subject_entity, predicate, object_entity, source_memory_id, confidence, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if g.driver == "mysql" {
		return insert + `
ON DUPLICATE KEY UPDATE
	source_memory_id = VALUES(source_memory_id),
	confidence = VALUES(confidence),
	created_at = VALUES(created_at)`
	}
	return g.q(insert + `
ON CONFLICT (subject_entity, predicate, object_entity) DO UPDATE SET
	source_memory_id = excluded.source_memory_id,
	confidence = excluded.confidence,
	created_at = excluded.created_at`)
}

// UpsertRelation inserts or replaces a triple. Most-recent-wins on the
// (subject, predicate, object) key.
func (g *SQLGraph) UpsertRelation(ctx context.Context, rel *Relation) error {
	if rel.Subject == "" || rel.Predicate == "" || rel.Object == "" {
		return fmt.Errorf("relation requires subject, predicate and object")
	}
	created := rel.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := g.db.ExecContext(ctx, g.upsertRelationSQL(),
		rel.Subject, rel.Predicate, rel.Object, rel.SourceMemoryID, rel.Confidence, created)
	if err != nil {
		return fmt.Errorf("failed to upsert relation: %w", err)
	}
	return nil
}

// Neighbors performs breadth-first traversal from the seed entities up
// to maxHops edges away.
func (g *SQLGraph) Neighbors(ctx context.Context, entities []string, maxHops int) ([]GraphHit, error) {
	if len(entities) == 0 || maxHops <= 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(entities))
	frontier := make([]string, 0, len(entities))
	for _, e := range entities {
		if e != "" && !seen[e] {
			seen[e] = true
			frontier = append(frontier, e)
		}
	}

	type edgeKey struct{ s, p, o string }
	visited := make(map[edgeKey]bool)
	var hits []GraphHit

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, entity := range frontier {
			rows, err := g.db.QueryContext(ctx, g.q(`
SELECT subject_entity, predicate, object_entity, source_memory_id, confidence, created_at
FROM graph_relations WHERE subject_entity = ? OR object_entity = ?`), entity, entity)
			if err != nil {
				return nil, fmt.Errorf("traversal failed: %w", err)
			}
			for rows.Next() {
				var rel Relation
				if err := rows.Scan(&rel.Subject, &rel.Predicate, &rel.Object,
					&rel.SourceMemoryID, &rel.Confidence, &rel.CreatedAt); err != nil {
					rows.Close()
					return nil, err
				}
				key := edgeKey{rel.Subject, rel.Predicate, rel.Object}
				if visited[key] {
					continue
				}
				visited[key] = true
				hits = append(hits, GraphHit{Relation: rel, Hops: hop})

				for _, reached := range []string{rel.Subject, rel.Object} {
					if !seen[reached] {
						seen[reached] = true
						next = append(next, reached)
					}
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			rows.Close()
		}
		frontier = next
	}
	return hits, nil
}

// DeleteBySource removes all edges derived from one memory entry.
// Idempotent: deleting an absent source is a no-op.
func (g *SQLGraph) DeleteBySource(ctx context.Context, sourceMemoryID string) error {
	_, err := g.db.ExecContext(ctx,
		g.q(`DELETE FROM graph_relations WHERE source_memory_id = ?`), sourceMemoryID)
	if err != nil {
		return fmt.Errorf("failed to delete relations: %w", err)
	}
	return nil
}

func (g *SQLGraph) Health(ctx context.Context) Health {
	if err := g.db.PingContext(ctx); err != nil {
		return HealthUnavailable
	}
	return HealthAvailable
}

func (g *SQLGraph) Close() error { return nil }
