package queue

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/pool"
)

// Handler 处理单个 job
type Handler func(ctx context.Context, id string) error

// Dispatcher 把已入队的 job 交给后台处理，不等待结果
//
// 派发失败只记录日志：此时响应通常已经返回给客户端。
type Dispatcher interface {
	Dispatch(id string)
}

// DefaultAttachmentRetention 未配置时孤立附件目录的保留时长
const DefaultAttachmentRetention = 24 * time.Hour

// PoolDispatcher 使用进程内协程池处理 job
//
// 协程池满时 job 留在 pending/，由定时 Sweep 重新派发。
type PoolDispatcher struct {
	store    *Store
	workers  *pool.WorkerPool
	handler  Handler
	interval time.Duration
	keep     time.Duration // 孤立附件保留时长
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPoolDispatcher 创建协程池派发器，retention 为孤立附件目录的保留时长
func NewPoolDispatcher(store *Store, workers *pool.WorkerPool, handler Handler, interval, retention time.Duration, logger *zap.Logger) *PoolDispatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = DefaultAttachmentRetention
	}
	return &PoolDispatcher{
		store:    store,
		workers:  workers,
		handler:  handler,
		interval: interval,
		keep:     retention,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Dispatch 提交 job 到协程池
func (d *PoolDispatcher) Dispatch(id string) {
	d.mu.Lock()
	if _, busy := d.inflight[id]; busy {
		d.mu.Unlock()
		return
	}
	d.inflight[id] = struct{}{}
	d.mu.Unlock()

	submitted := d.workers.TrySubmit(id, func(ctx context.Context) error {
		defer d.forget(id)
		return d.handler(ctx, id)
	})
	if !submitted {
		d.forget(id)
		d.logger.Warn("Worker pool busy, job left pending", zap.String("job_id", id))
	}
}

func (d *PoolDispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Sweep 派发所有 pending job 并清理孤立附件，返回派发数量
func (d *PoolDispatcher) Sweep() int {
	ids, err := d.store.Pending()
	if err != nil {
		d.logger.Error("Failed to list pending jobs", zap.Error(err))
		return 0
	}
	for _, id := range ids {
		d.Dispatch(id)
	}

	if removed, err := d.store.PruneAttachments(d.keep); err != nil {
		d.logger.Warn("Failed to prune orphan attachments", zap.Error(err))
	} else if removed > 0 {
		d.logger.Info("Pruned orphan attachment directories", zap.Int("count", removed))
	}
	return len(ids)
}

// Run 恢复遗留 job 并周期性 Sweep，直到 ctx 结束
func (d *PoolDispatcher) Run(ctx context.Context) error {
	recovered, err := d.store.RecoverOrphans()
	if err != nil {
		d.logger.Error("Failed to recover orphaned jobs", zap.Error(err))
	} else if len(recovered) > 0 {
		d.logger.Warn("Requeued jobs left in processing by a previous run",
			zap.Int("count", len(recovered)),
			zap.Strings("job_ids", recovered),
		)
	}

	d.Sweep()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// ProcessDispatcher 为每个 job 启动一个独立的 worker 进程（formctl work <id>）
type ProcessDispatcher struct {
	binary string
	args   []string
	logger *zap.Logger
}

// NewProcessDispatcher 创建进程派发器，binary 为空时使用当前可执行文件
func NewProcessDispatcher(binary string, logger *zap.Logger, extraArgs ...string) *ProcessDispatcher {
	if binary == "" {
		if self, err := os.Executable(); err == nil {
			binary = self
		}
	}
	return &ProcessDispatcher{binary: binary, args: extraArgs, logger: logger}
}

// Dispatch 启动脱离会话的 worker 进程后立即返回
func (d *ProcessDispatcher) Dispatch(id string) {
	args := append(append([]string{}, d.args...), "work", id)
	cmd := exec.Command(d.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		d.logger.Error("Failed to spawn worker process",
			zap.String("job_id", id),
			zap.String("binary", d.binary),
			zap.Error(err),
		)
		return
	}

	d.logger.Debug("Spawned worker process", zap.String("job_id", id), zap.Int("pid", cmd.Process.Pid))
	go func() {
		// 回收子进程，避免僵尸进程
		_ = cmd.Wait()
	}()
}
