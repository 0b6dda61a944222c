package persistence

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"msusd/migrations"
)

func TestExtractVersion(t *testing.T) {
	require.Equal(t, "000001", extractVersion("000001_event_log.up.sql"))
	require.Equal(t, "nounderscore.sql", extractVersion("nounderscore.sql"))
}

func TestListMigrationFiles_SortedBySuffix(t *testing.T) {
	m := &Migrator{files: fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 0")},
		"README.md":         {Data: []byte("-")},
	}}
	up, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	require.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, up)
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	m := &Migrator{files: migrations.Files}
	up, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	down, err := m.listMigrationFiles(".down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, up)
	require.Len(t, down, len(up))
}

func TestPlaceholders(t *testing.T) {
	require.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	require.Equal(t, "($5, $6)", placeholders(4, 2))
}
