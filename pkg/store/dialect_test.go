package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebindPostgresNumbersPlaceholders(t *testing.T) {
	got := Rebind("postgres", "SELECT a FROM t WHERE b = ? AND c = ? AND d = ?")
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2 AND d = $3", got)
}

func TestRebindLeavesNativePlaceholderDrivers(t *testing.T) {
	query := "UPDATE t SET a = ? WHERE b = ?"
	assert.Equal(t, query, Rebind("sqlite3", query))
	assert.Equal(t, query, Rebind("mysql", query))
}

func TestEntryUpsertMatchesDialect(t *testing.T) {
	sqlite := &SQLRelational{driver: "sqlite3"}
	assert.Contains(t, sqlite.upsertEntrySQL(), "ON CONFLICT (id) DO UPDATE SET")
	assert.NotContains(t, sqlite.upsertEntrySQL(), "$1")

	pg := &SQLRelational{driver: "postgres"}
	assert.Contains(t, pg.upsertEntrySQL(), "ON CONFLICT (id) DO UPDATE SET")
	assert.Contains(t, pg.upsertEntrySQL(), "$1")
	assert.NotContains(t, pg.upsertEntrySQL(), "?")

	my := &SQLRelational{driver: "mysql"}
	assert.Contains(t, my.upsertEntrySQL(), "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, my.upsertEntrySQL(), "content = VALUES(content)")
	assert.NotContains(t, my.upsertEntrySQL(), "ON CONFLICT")
}

func TestRelationUpsertMatchesDialect(t *testing.T) {
	pg := &SQLGraph{driver: "postgres"}
	assert.Contains(t, pg.upsertRelationSQL(), "ON CONFLICT (subject_entity, predicate, object_entity)")
	assert.Contains(t, pg.upsertRelationSQL(), "$1")

	my := &SQLGraph{driver: "mysql"}
	assert.Contains(t, my.upsertRelationSQL(), "ON DUPLICATE KEY UPDATE")
	assert.False(t, strings.Contains(my.upsertRelationSQL(), "excluded"))
}

func TestKeyColumnTypeBoundedOnMySQL(t *testing.T) {
	assert.Equal(t, "VARCHAR(191)", keyColumnType("mysql"))
	assert.Equal(t, "TEXT", keyColumnType("sqlite3"))
	assert.Equal(t, "TEXT", keyColumnType("postgres"))
}

func TestSQLiteMigrateAndUpsertRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "entries.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLRelational(db, "sqlite3")
	require.NoError(t, err)
	// Re-migration must be a no-op, indexes included.
	_, err = NewSQLRelational(db, "sqlite3")
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	entry := &Entry{
		ID:           "e-1",
		PrincipalID:  "owner",
		Tier:         TierRecall,
		Content:      "the office door code is 4412",
		Entities:     []string{"office"},
		Tags:         []string{"facts"},
		Priority:     PriorityNormal,
		ContentHash:  "h-1",
		CreatedAt:    now,
		LastAccessed: now,
	}
	require.NoError(t, s.Put(ctx, entry))

	entry.Content = "the office door code is 9901"
	entry.AccessCount = 3
	require.NoError(t, s.Put(ctx, entry))

	got, err := s.Get(ctx, "e-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "the office door code is 9901", got.Content)
	assert.Equal(t, int64(3), got.AccessCount)
	assert.Equal(t, TierRecall, got.Tier)
}
