package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresAuditLog(t *testing.T) {
	dsn := os.Getenv("CALLGUARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLGUARD_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	user := "test-" + uuid.NewString()
	now := time.Now().UTC()
	t.Cleanup(func() {
		_, _ = store.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE user_id = $1`, user)
	})

	require.NoError(t, store.Append(ctx, user, "chat", now.Add(-10*time.Minute)))
	require.NoError(t, store.Append(ctx, user, "chat", now.Add(-time.Minute)))

	count, err := store.CountSince(ctx, user, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	recent, err := store.Recent(ctx, user, 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "chat", recent[0].Action)
}
