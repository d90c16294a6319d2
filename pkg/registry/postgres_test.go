package registry

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

// newTestStore connects to PostgreSQL with CI/local environment detection.
// In CI (CI_DATABASE_URL set): uses the external service container.
// In local dev: spins up a testcontainer.
func newTestStore(t *testing.T) *PostgresStore {
	if testing.Short() {
		t.Skip("skipping PostgreSQL store test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)

	store, err := NewPostgresStoreFromDB(db, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Tests share one database in CI; start from a clean table.
	_, err = db.ExecContext(ctx, "TRUNCATE model_manifests")
	require.NoError(t, err)
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))

	got, err := s.Get(ctx, "m", "acme")
	require.NoError(t, err)
	assert.Equal(t, "Sample", got.Name)
	assert.Equal(t, "/models/m.gguf", got.Artifacts[models.FormatGGUF])
	require.Len(t, got.SupportedDevices, 2)
	assert.Equal(t, models.DeviceCUDA, got.SupportedDevices[1].Device)
	assert.Equal(t, int64(4<<30), got.SupportedDevices[1].MinMemory)
	assert.Equal(t, int64(8<<30), got.Requirements.MinRAM)
	assert.Equal(t, "qwen", got.Metadata["family"])
}

func TestPostgresStoreUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))
	updated := sampleManifest("m", "acme")
	updated.Version = "2"
	require.NoError(t, s.Put(ctx, updated))

	got, err := s.Get(ctx, "m", "acme")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Version)
}

func TestPostgresStoreTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("m", "acme")))

	_, err := s.Get(ctx, "m", "globex")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.ModelNotFound))
}

func TestPostgresStoreDeleteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleManifest("b", "acme")))
	require.NoError(t, s.Put(ctx, sampleManifest("a", "acme")))

	got, err := s.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ModelID)

	require.NoError(t, s.Delete(ctx, "a", "acme"))
	err = s.Delete(ctx, "a", "acme")
	assert.True(t, errs.IsKind(err, errs.ModelNotFound))

	got, err = s.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
