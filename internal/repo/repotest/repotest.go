// Package repotest opens throwaway SQLite ledgers for tests.
package repotest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"nitro-bot/internal/repo"
	"nitro-bot/migrations"

	"github.com/stretchr/testify/require"
)

// NewSQLite returns a migrated SQLite store living in t.TempDir.
func NewSQLite(t testing.TB) *repo.SQLite {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), Logger())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))
	return store
}

// Logger discards all output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
