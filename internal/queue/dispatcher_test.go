package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"formrelay/backend/internal/pool"
)

type recordingHandler struct {
	mu    sync.Mutex
	store *Store
	seen  []string
}

func (h *recordingHandler) handle(ctx context.Context, id string) error {
	if _, err := h.store.Claim(id); err != nil {
		return err
	}
	h.mu.Lock()
	h.seen = append(h.seen, id)
	h.mu.Unlock()
	return h.store.Complete(id)
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func TestPoolDispatcherProcessesJobs(t *testing.T) {
	s := newTestStore(t)
	h := &recordingHandler{store: s}
	workers := pool.NewWorkerPool(2, 8, zap.NewNop(), nil)
	workers.Start(context.Background())

	d := NewPoolDispatcher(s, workers, h.handle, time.Minute, 0, zap.NewNop())

	id, err := s.Enqueue(context.Background(), contactJob())
	require.NoError(t, err)
	d.Dispatch(id)
	workers.Stop()

	assert.Equal(t, []string{id}, h.ids())
	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPoolDispatcherRunRecoversOrphans(t *testing.T) {
	s := newTestStore(t)
	h := &recordingHandler{store: s}

	orphan, err := s.Enqueue(context.Background(), contactJob())
	require.NoError(t, err)
	_, err = s.Claim(orphan)
	require.NoError(t, err)

	waiting, err := s.Enqueue(context.Background(), contactJob())
	require.NoError(t, err)

	workers := pool.NewWorkerPool(1, 8, zap.NewNop(), nil)
	workers.Start(context.Background())
	d := NewPoolDispatcher(s, workers, h.handle, time.Hour, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(h.ids()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	workers.Stop()

	assert.ElementsMatch(t, []string{orphan, waiting}, h.ids())
	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestPoolDispatcherLeavesJobPendingWhenBusy(t *testing.T) {
	s := newTestStore(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	workers := pool.NewWorkerPool(1, 0, zap.NewNop(), nil)
	workers.Start(context.Background())
	defer workers.Stop()

	blocking := func(ctx context.Context, id string) error {
		started <- struct{}{}
		<-release
		return nil
	}
	d := NewPoolDispatcher(s, workers, blocking, time.Minute, 0, zap.NewNop())

	first, err := s.Enqueue(context.Background(), contactJob())
	require.NoError(t, err)
	second, err := s.Enqueue(context.Background(), contactJob())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d.Dispatch(first)
		select {
		case <-started:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	d.Dispatch(second)
	close(release)

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Contains(t, pending, second, "协程池满时 job 保持 pending")
}

func TestPoolDispatcherSweepUsesRetention(t *testing.T) {
	s := newTestStore(t)
	workers := pool.NewWorkerPool(1, 8, zap.NewNop(), nil)
	workers.Start(context.Background())
	defer workers.Stop()

	orphan := s.NewJobID()
	stageAttachment(t, s, orphan, "old.pdf")
	old := time.Now().Add(-2 * time.Hour)
	dir := filepath.Join(s.AttachmentRoot(), orphan)
	require.NoError(t, os.Chtimes(dir, old, old))

	// 默认保留 24 小时，两小时前的目录不删
	NewPoolDispatcher(s, workers, noopHandler, time.Minute, 0, zap.NewNop()).Sweep()
	_, err := os.Stat(dir)
	require.NoError(t, err)

	NewPoolDispatcher(s, workers, noopHandler, time.Minute, time.Hour, zap.NewNop()).Sweep()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func noopHandler(context.Context, string) error { return nil }
