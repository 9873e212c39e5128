package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// setupTestDatabase starts a PostgreSQL container and opens a repository with
// the service migrations applied.
func setupTestDatabase(t *testing.T) *PostgresRepository {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("audit_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)

	repo, err := NewPostgres(ctx, PostgresConfig{URL: connStr, Migrations: "file://" + migrations})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	repo.now = func() time.Time { return fixedNow }
	return repo
}

func TestPostgres_Repository(t *testing.T) {
	r := setupTestDatabase(t)
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		in := event("LOGIN", "alice", fixedNow)
		in.EventBody = models.Body{"datos": map[string]any{"idUsuario": 42, "telefono": "+34 600_111"}}
		stored, err := r.Save(ctx, in)
		require.NoError(t, err)

		got, err := r.Get(ctx, stored.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, got.ID)
		assert.True(t, stored.Timestamp.Equal(got.Timestamp))
		ref, ok := got.EventBody.Detail()
		require.True(t, ok)
		assert.Equal(t, int64(42), ref.UserID)

		_, err = r.Get(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("detail", func(t *testing.T) {
		got, err := r.FindDetail(ctx, 42, "600_")
		require.NoError(t, err)
		assert.Len(t, got, 1)

		// underscore is literal, not a LIKE wildcard
		got, err = r.FindDetail(ctx, 42, "600_2")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("list and count", func(t *testing.T) {
		seed(t, r,
			event("LOGOUT", "Alicia", fixedNow.Add(-time.Hour)),
			event("LOGOUT", "bob", fixedNow.Add(-30*24*time.Hour)),
		)
		page, err := r.List(ctx, models.EventQuery{Username: "%ALI%", Size: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(2), page.Total)
		assert.Equal(t, 2, page.TotalPages)
		require.Len(t, page.Events, 1)
		assert.Equal(t, "LOGIN", page.Events[0].EventName)

		n, err := r.Count(ctx, models.EventQuery{EventName: "LOGOUT", Period: models.PeriodWeek})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("notifications", func(t *testing.T) {
		seed(t, r,
			event(models.NotificationEventName, "bob", fixedNow.Add(-time.Hour)),
			event(models.NotificationEventName, "*", fixedNow.Add(-2*time.Hour)),
			event(models.NotificationEventName, "carol", fixedNow),
		)
		got, err := r.RecentNotifications(ctx, "bob", fixedNow.AddDate(0, 0, -7))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "bob", got[0].Username)
	})

	assert.NoError(t, r.Ping(ctx))
}
