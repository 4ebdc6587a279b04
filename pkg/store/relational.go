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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Relational drivers selected by config; blank imports register them.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/itak-ai/itak/pkg/config"
)

const entrySchemaVersion = 1

// SQLRelational implements Relational over database/sql with the
// sqlite3, postgres or mysql driver.
type SQLRelational struct {
	db     *sql.DB
	driver string
}

// OpenRelational opens the configured relational backend and ensures
// the schema exists.
func OpenRelational(cfg *config.RelationalConfig) (*SQLRelational, error) {
	dsn := cfg.DSN
	if cfg.Driver == "sqlite3" && dsn == "" {
		dsn = "file:itak.db?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}

	s := &SQLRelational{db: db, driver: cfg.Driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLRelational wraps an existing handle (used in tests).
func NewSQLRelational(db *sql.DB, driver string) (*SQLRelational, error) {
	s := &SQLRelational{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so co-located stores (tasks, usage
// counters) can share the connection pool.
func (s *SQLRelational) DB() *sql.DB { return s.db }

func (s *SQLRelational) migrate() error {
	// Keyed text columns get a bounded type on mysql; every insert
	// supplies all columns, so no TEXT defaults are needed.
	key := keyColumnType(s.driver)
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memory_entries (
	id %s PRIMARY KEY,
	principal_id %s NOT NULL,
	tier TEXT NOT NULL,
	content TEXT NOT NULL,
	entities TEXT NOT NULL,
	tags TEXT NOT NULL,
	priority TEXT NOT NULL,
	source_session TEXT,
	content_hash %s NOT NULL,
	derivation_pending INTEGER NOT NULL DEFAULT 0,
	shared_with TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_accessed TIMESTAMP NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	schema_version INTEGER NOT NULL DEFAULT 1
)`, key, key, key)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create memory_entries table: %w", err)
	}
	for _, idx := range []struct{ name, columns string }{
		{"idx_entries_principal", "principal_id"},
		{"idx_entries_hash", "principal_id, content_hash"},
		{"idx_entries_accessed", "last_accessed"},
	} {
		if err := createIndex(s.db, s.driver, idx.name, "memory_entries", idx.columns); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// q adapts a ?-placeholder query to the active driver.
func (s *SQLRelational) q(query string) string {
	return Rebind(s.driver, query)
}

func (s *SQLRelational) Put(ctx context.Context, entry *Entry) error {
	return s.putTx(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLRelational) putTx(ctx context.Context, ex execer, entry *Entry) error {
	entities, _ := json.Marshal(entry.Entities)
	tags, _ := json.Marshal(entry.Tags)
	shared, _ := json.Marshal(entry.SharedWith)
	_, err := ex.ExecContext(ctx, s.upsertEntrySQL(),
		entry.ID, entry.PrincipalID, string(entry.Tier), entry.Content, string(entities),
		string(tags), string(entry.Priority), entry.SourceSession, entry.ContentHash,
		boolToInt(entry.DerivationPending), string(shared), entry.CreatedAt,
		entry.LastAccessed, entry.AccessCount, entrySchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to put entry: %w", err)
	}
	return nil
}

// upsertEntrySQL renders the entry upsert for the active dialect:
// ON CONFLICT for sqlite3 and postgres, ON DUPLICATE KEY for mysql.
func (s *SQLRelational) upsertEntrySQL() string {
	insert := `
INSERT INTO memory_entries
	(id, principal_id, tier, content, entities, tags, priority, source_session,
	 content_hash, derivation_pending, shared_with, created_at, last_accessed, access_count, schema_version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.driver == "mysql" {
		return insert + `
ON DUPLICATE KEY UPDATE
	tier = VALUES(tier),
	content = VALUES(content),
	entities = VALUES(entities),
	tags = VALUES(tags),
	priority = VALUES(priority),
	derivation_pending = VALUES(derivation_pending),
	shared_with = VALUES(shared_with),
	last_accessed = VALUES(last_accessed),
	access_count = VALUES(access_count)`
	}
	return s.q(insert + `
ON CONFLICT (id) DO UPDATE SET
	tier = excluded.tier,
	content = excluded.content,
	entities = excluded.entities,
	tags = excluded.tags,
	priority = excluded.priority,
	derivation_pending = excluded.derivation_pending,
	shared_with = excluded.shared_with,
	last_accessed = excluded.last_accessed,
	access_count = excluded.access_count`)
}

func (s *SQLRelational) PutBatch(ctx context.Context, entries []*Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	for _, entry := range entries {
		if err := s.putTx(ctx, tx, entry); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const entryColumns = `id, principal_id, tier, content, entities, tags, priority,
	COALESCE(source_session, ''), content_hash, derivation_pending, shared_with,
	created_at, last_accessed, access_count`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var entities, tags, shared string
	var pending int
	err := row.Scan(&e.ID, &e.PrincipalID, &e.Tier, &e.Content, &entities, &tags,
		&e.Priority, &e.SourceSession, &e.ContentHash, &pending, &shared,
		&e.CreatedAt, &e.LastAccessed, &e.AccessCount)
	if err != nil {
		return nil, err
	}
	e.DerivationPending = pending != 0
	_ = json.Unmarshal([]byte(entities), &e.Entities)
	_ = json.Unmarshal([]byte(tags), &e.Tags)
	_ = json.Unmarshal([]byte(shared), &e.SharedWith)
	return &e, nil
}

func (s *SQLRelational) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM memory_entries WHERE id = ?`), id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return entry, nil
}

func (s *SQLRelational) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM memory_entries WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// Search matches query terms against content with AND semantics. The
// fabric computes BM25 scores over the returned candidates; this layer
// only narrows the candidate set, always with bound parameters.
func (s *SQLRelational) Search(ctx context.Context, principalID, query string, limit int) ([]*Entry, error) {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	args := []any{principalID, "%" + principalID + "%"}
	sb.WriteString(`SELECT ` + entryColumns + ` FROM memory_entries
WHERE (principal_id = ? OR shared_with LIKE ?) AND (`)
	for i, term := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("content LIKE ?")
		args = append(args, "%"+term+"%")
	}
	sb.WriteString(") ORDER BY last_accessed DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(sb.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLRelational) FindByHash(ctx context.Context, principalID, hash string, since time.Time) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM memory_entries
		 WHERE principal_id = ? AND content_hash = ? AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`),
		principalID, hash, since)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find by hash: %w", err)
	}
	return entry, nil
}

func (s *SQLRelational) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE memory_entries SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`),
		at, id)
	if err != nil {
		return fmt.Errorf("failed to touch entry: %w", err)
	}
	return nil
}

func (s *SQLRelational) LeastRecentlyUsed(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM memory_entries
		 WHERE tier = ? AND priority = ? ORDER BY last_accessed ASC LIMIT ?`),
		string(TierRecall), string(PriorityNormal), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list LRU entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLRelational) SetDerivationPending(ctx context.Context, id string, pending bool) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE memory_entries SET derivation_pending = ? WHERE id = ?`), boolToInt(pending), id)
	if err != nil {
		return fmt.Errorf("failed to set derivation flag: %w", err)
	}
	return nil
}

func (s *SQLRelational) ListDerivationPending(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM memory_entries WHERE derivation_pending = 1 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLRelational) SetTier(ctx context.Context, id string, tier Tier) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE memory_entries SET tier = ? WHERE id = ?`), string(tier), id)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	return nil
}

func (s *SQLRelational) Health(ctx context.Context) Health {
	if err := s.db.PingContext(ctx); err != nil {
		return HealthUnavailable
	}
	return HealthAvailable
}

func (s *SQLRelational) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tokenizeQuery lowercases and splits a query into search terms,
// dropping single-character noise.
func tokenizeQuery(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
