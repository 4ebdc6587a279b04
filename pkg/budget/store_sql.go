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

package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/itak-ai/itak/pkg/store"
)

const usageSchemaVersion = 1

// SQLStore persists counters in the usage table so budgets survive
// restarts. Placeholders and the upsert are rendered per dialect.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore creates the usage table if needed. driver is the
// database/sql driver name ("sqlite3", "postgres" or "mysql").
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	key := "TEXT"
	if driver == "mysql" {
		key = "VARCHAR(191)"
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS usage_counters (
	scope %s NOT NULL,
	identifier %s NOT NULL,
	window %s NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	auth_failures INTEGER NOT NULL DEFAULT 0,
	window_end TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (scope, identifier, window)
)`, key, key, key)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) q(query string) string {
	return store.Rebind(s.driver, query)
}

// resetCounterSQL renders the window-reset upsert for the active
// dialect.
func (s *SQLStore) resetCounterSQL() string {
	insert := `INSERT INTO usage_counters (scope, identifier, window, window_end, updated_at, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?)`
	if s.driver == "mysql" {
		return insert + `
		 ON DUPLICATE KEY UPDATE
		   requests = 0, tokens_in = 0, tokens_out = 0, cost = 0, auth_failures = 0,
		   window_end = VALUES(window_end), updated_at = VALUES(updated_at)`
	}
	return s.q(insert + `
		 ON CONFLICT (scope, identifier, window) DO UPDATE SET
		   requests = 0, tokens_in = 0, tokens_out = 0, cost = 0, auth_failures = 0,
		   window_end = excluded.window_end, updated_at = excluded.updated_at`)
}

func (s *SQLStore) Get(ctx context.Context, scope Scope, identifier string, window Window) (Counter, error) {
	return s.getOrReset(ctx, scope, identifier, window, time.Now())
}

func (s *SQLStore) getOrReset(ctx context.Context, scope Scope, identifier string, window Window, now time.Time) (Counter, error) {
	var c Counter
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT requests, tokens_in, tokens_out, cost, auth_failures, window_end, updated_at
		 FROM usage_counters WHERE scope = ? AND identifier = ? AND window = ?`),
		string(scope), identifier, string(window),
	).Scan(&c.Requests, &c.TokensIn, &c.TokensOut, &c.Cost, &c.AuthFailures, &c.WindowEnd, &c.UpdatedAt)
	if err == sql.ErrNoRows || (err == nil && c.WindowEnd.Before(now)) {
		c = Counter{WindowEnd: now.Add(window.Duration()), UpdatedAt: now}
		_, err = s.db.ExecContext(ctx, s.resetCounterSQL(),
			string(scope), identifier, string(window), c.WindowEnd, c.UpdatedAt, usageSchemaVersion)
	}
	if err != nil {
		return Counter{}, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return c, nil
}

func (s *SQLStore) Add(ctx context.Context, scope Scope, identifier string, window Window, delta Delta) (Counter, error) {
	now := time.Now()
	if _, err := s.getOrReset(ctx, scope, identifier, window, now); err != nil {
		return Counter{}, err
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE usage_counters SET
		   requests = requests + ?, tokens_in = tokens_in + ?, tokens_out = tokens_out + ?,
		   cost = cost + ?, auth_failures = auth_failures + ?, updated_at = ?
		 WHERE scope = ? AND identifier = ? AND window = ?`),
		delta.Requests, delta.TokensIn, delta.TokensOut, delta.Cost, delta.AuthFailures, now,
		string(scope), identifier, string(window))
	if err != nil {
		return Counter{}, fmt.Errorf("failed to update usage counter: %w", err)
	}
	return s.getOrReset(ctx, scope, identifier, window, now)
}

func (s *SQLStore) Snapshot(ctx context.Context) ([]CounterSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT scope, identifier, window, requests, tokens_in, tokens_out, cost, auth_failures, window_end, updated_at
		 FROM usage_counters WHERE window_end >= ?`), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot usage counters: %w", err)
	}
	defer rows.Close()

	var out []CounterSnapshot
	for rows.Next() {
		var snap CounterSnapshot
		if err := rows.Scan(&snap.Scope, &snap.Identifier, &snap.Window, &snap.Requests,
			&snap.TokensIn, &snap.TokensOut, &snap.Cost, &snap.AuthFailures,
			&snap.WindowEnd, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return nil }
