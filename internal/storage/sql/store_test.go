package sql

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/domain"
)

// 需要真实数据库：FORMRELAY_TEST_DATABASE_TYPE=postgres FORMRELAY_TEST_DATABASE_DSN=...
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FORMRELAY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("FORMRELAY_TEST_DATABASE_DSN not set")
	}
	driver := os.Getenv("FORMRELAY_TEST_DATABASE_TYPE")
	if driver == "" {
		driver = "postgres"
	}
	store, err := NewStore(driver, dsn, 4, 2, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore("sqlite", "file::memory:", 1, 1, time.Minute)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported database driver"))
}

func TestStore_SubmissionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := domain.NewJobID(time.Now())
	sub := &domain.Submission{
		ID:          id,
		Type:        domain.FormHelpdesk,
		RequesterIP: "203.0.113.7",
		Status:      domain.SubmissionQueued,
	}
	require.NoError(t, store.SaveSubmission(ctx, sub))
	require.NoError(t, store.Health(ctx))

	sub.Status = domain.SubmissionDead
	sub.Attempts = 3
	sub.LastError = "relay unavailable"
	require.NoError(t, store.SaveSubmission(ctx, sub))

	got, err := store.GetSubmission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionDead, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "relay unavailable", got.LastError)

	list, err := store.ListSubmissions(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[domain.SubmissionDead], int64(1))

	_, err = store.GetSubmission(ctx, "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrSubmissionNotFound)
}
