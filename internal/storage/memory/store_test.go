package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"formrelay/backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SubmissionOperations(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	sub := &domain.Submission{
		ID:          "20240101T000000Z-0000000000000001",
		Type:        domain.FormContact,
		RequesterIP: "203.0.113.7",
		Status:      domain.SubmissionQueued,
	}
	require.NoError(t, store.SaveSubmission(ctx, sub))
	assert.False(t, sub.CreatedAt.IsZero())
	created := sub.CreatedAt

	got, err := store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionQueued, got.Status)

	// 覆盖保留创建时间
	update := *got
	update.Status = domain.SubmissionSent
	update.Attempts = 1
	update.CreatedAt = time.Time{}
	require.NoError(t, store.SaveSubmission(ctx, &update))

	got, err = store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionSent, got.Status)
	assert.Equal(t, created, got.CreatedAt)

	_, err = store.GetSubmission(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSubmissionNotFound)
}

func TestMemoryStore_ListAndCount(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	statuses := []domain.SubmissionStatus{
		domain.SubmissionSent, domain.SubmissionSent, domain.SubmissionDead, domain.SubmissionSpam,
	}
	for i, st := range statuses {
		require.NoError(t, store.SaveSubmission(ctx, &domain.Submission{
			ID:        string(rune('a' + i)),
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := store.ListSubmissions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "d", list[0].ID)
	assert.Equal(t, "c", list[1].ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.SubmissionSent])
	assert.Equal(t, int64(1), counts[domain.SubmissionDead])
	assert.Equal(t, int64(1), counts[domain.SubmissionSpam])
}

func TestMemoryStore_RateLimit(t *testing.T) {
	store := NewStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := store.IncrementRateLimit(ctx, "contact:203.0.113.7", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := store.IncrementRateLimit(ctx, "contact:198.51.100.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "不同 key 独立计数")

	now = now.Add(time.Minute)
	n, err = store.IncrementRateLimit(ctx, "contact:203.0.113.7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "窗口过期后重新计数")
}

func TestMemoryStore_MarkOnce(t *testing.T) {
	store := NewStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := store.MarkOnce(ctx, "lookup:jane@example.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkOnce(ctx, "lookup:jane@example.com", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, err = store.MarkOnce(ctx, "lookup:jane@example.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_ConcurrentIncrement(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.IncrementRateLimit(ctx, "k", time.Hour)
		}()
	}
	wg.Wait()

	n, err := store.IncrementRateLimit(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(51), n)
}
