package runs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convertica/convertica/internal/database"
)

// openPostgresStore connects to the database named by
// CONVERTICA_TEST_POSTGRES_DSN. The operation_runs table there is dropped
// before and after the test, so point it at a throwaway database.
func openPostgresStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	dsn := os.Getenv("CONVERTICA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVERTICA_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverPostgres, dsn, 5*time.Second)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	drop := func() {
		_, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS operation_runs")
		require.NoError(t, err)
	}
	drop()
	t.Cleanup(func() {
		drop()
		db.Close()
	})

	store, err := NewStore(ctx, db)
	require.NoError(t, err)

	c := &clock{t: t0}
	store.now = c.Now
	return store, c
}

func TestPostgresStoreLifecycle(t *testing.T) {
	s, c := openPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Run{
		RequestID:      "pg-1",
		ConversionType: "pdf_to_word",
		Status:         StatusRunning,
		UserID:         "user-1",
		IsPremium:      true,
	}))
	require.NoError(t, s.Upsert(ctx, Run{RequestID: "pg-1", ConversionType: "pdf_to_word", Status: StatusRunning}))

	c.Advance(time.Second)
	require.NoError(t, s.MarkError(ctx, "pg-1", "ValueError", "first", 1000))
	require.NoError(t, s.MarkHTTPError(ctx, "pg-1", "second", 1200))

	r, err := s.Get(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, "ValueError", r.ErrorType)
	assert.Equal(t, "first", r.ErrorMessage)
	assert.Equal(t, int64(1200), r.DurationMs)
	assert.Empty(t, r.UserID)
	assert.True(t, r.FinishedAt.Equal(t0.Add(time.Second)))

	err = s.Upsert(ctx, Run{RequestID: "pg-1", ConversionType: "pdf_to_word", Status: StatusRunning})
	assert.ErrorIs(t, err, ErrRunFinished)

	require.NoError(t, s.Upsert(ctx, Run{RequestID: "pg-2", ConversionType: "pdf_to_word", Status: StatusRunning}))
	require.NoError(t, s.MarkHTTPError(ctx, "pg-2", "not found", 5))
	r, err = s.Get(ctx, "pg-2")
	require.NoError(t, err)
	assert.Equal(t, HTTPErrorType, r.ErrorType)
	assert.Equal(t, "not found", r.ErrorMessage)
}

func TestPostgresStoreMaintenance(t *testing.T) {
	s, c := openPostgresStore(t)
	ctx := context.Background()

	seed(t, s, "pg-stuck", StatusRunning, t0)
	seed(t, s, "pg-cancel", StatusQueued, t0)
	seed(t, s, "pg-recent", StatusRunning, t0.Add(90*time.Minute))

	changed, err := s.RequestCancel(ctx, "pg-cancel")
	require.NoError(t, err)
	assert.True(t, changed)

	c.Advance(2 * time.Hour)
	cutoff := c.Now().Add(-time.Hour)

	n, err := s.AbandonStuck(ctx, cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.AbandonStuck(ctx, cutoff, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	batch, err := s.QueryUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, r := range batch {
		assert.Equal(t, StatusAbandoned, r.Status)
		assert.Equal(t, TimeoutErrorType, r.ErrorType)
	}

	require.NoError(t, s.MarkSynced(ctx, []int64{batch[0].ID, batch[1].ID}))
	batch, err = s.QueryUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
