package repotest

import (
	"context"
	"os"
	"strings"
	"testing"

	"nitro-bot/internal/repo"
	"nitro-bot/migrations"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// NewPostgres returns a migrated store in a fresh schema of the database named
// by DATABASE_URL. The schema is dropped when the test ends. Tests are skipped
// when DATABASE_URL is unset.
func NewPostgres(t testing.TB) *repo.Postgres {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = conn.Close(context.Background())
	})

	store, err := repo.New(ctx, url, schema, Logger())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))
	return store
}
