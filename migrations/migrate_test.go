package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(embedMigrations, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, name := range files {
		raw, err := fs.ReadFile(embedMigrations, name)
		require.NoError(t, err)
		body := string(raw)
		assert.True(t, strings.Contains(body, "-- +goose Up"), name)
		assert.True(t, strings.Contains(body, "-- +goose Down"), name)
	}
}

func TestMigrate_NilDB(t *testing.T) {
	assert.Error(t, Migrate(nil))
}
