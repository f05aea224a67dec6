package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatorio/internal/db"
)

func TestLoadMigrationsOrdered(t *testing.T) {
	for _, set := range []Set{Backend, Client} {
		ms, err := loadMigrations(set)
		require.NoError(t, err)
		require.NotEmpty(t, ms, set)
		for i := 1; i < len(ms); i++ {
			assert.Less(t, ms[i-1].Version, ms[i].Version)
		}
	}
	_, err := loadMigrations("nope")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: db.BackendDB})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, Backend))
	require.NoError(t, Migrate(conn, Backend))

	ms, err := loadMigrations(Backend)
	require.NoError(t, err)
	var rows, latest int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*), MAX(version) FROM schema_migrations`).Scan(&rows, &latest))
	assert.Equal(t, len(ms), rows)
	assert.Equal(t, ms[len(ms)-1].Version, latest)

	var goals int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM goals`).Scan(&goals))
	assert.Zero(t, goals)
}
