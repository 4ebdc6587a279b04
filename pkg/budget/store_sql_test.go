package budget

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetCounterMatchesDialect(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	assert.Contains(t, pg.resetCounterSQL(), "ON CONFLICT (scope, identifier, window)")
	assert.Contains(t, pg.resetCounterSQL(), "$1")

	my := &SQLStore{driver: "mysql"}
	assert.Contains(t, my.resetCounterSQL(), "ON DUPLICATE KEY UPDATE")
	assert.NotContains(t, my.resetCounterSQL(), "excluded")

	lite := &SQLStore{driver: "sqlite3"}
	assert.Contains(t, lite.resetCounterSQL(), "ON CONFLICT (scope, identifier, window)")
	assert.NotContains(t, lite.resetCounterSQL(), "$1")
}

func TestSQLStoreAddAccumulates(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Add(ctx, ScopeGlobal, "global", WindowDay, Delta{Requests: 1, Cost: 0.25})
	require.NoError(t, err)
	c, err := s.Add(ctx, ScopeGlobal, "global", WindowDay, Delta{Requests: 1, Cost: 0.50})
	require.NoError(t, err)

	assert.Equal(t, int64(2), c.Requests)
	assert.InDelta(t, 0.75, c.Cost, 1e-9)
}
