package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPgx5URL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/ci?sslmode=disable", pgx5URL("postgres://u:p@db:5432/ci?sslmode=disable"))
	assert.Equal(t, "pgx5://db/ci", pgx5URL("postgresql://db/ci"))
	assert.Equal(t, "pgx5://db/ci", pgx5URL("pgx5://db/ci"))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.NotEmpty(t, entries)
}
