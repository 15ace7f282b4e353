package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrPoolStopped 协程池已停止
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrTaskPanic 任务执行时发生 panic
	ErrTaskPanic = errors.New("task panicked")
)

// Task 池中执行的任务
type Task func(ctx context.Context) error

// CompletionFunc 任务结束回调，err 为 nil 表示成功
type CompletionFunc func(name string, err error)

type namedTask struct {
	name string
	run  Task
}

// WorkerPool 协程池
//
// 用于限制并发协程数量，避免创建过多协程导致资源耗尽。
// 每个任务结束后调用 onDone，panic 会被转换为 ErrTaskPanic。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan namedTask
	wg         sync.WaitGroup
	logger     *zap.Logger
	onDone     CompletionFunc

	mu      sync.RWMutex
	stopped bool
	active  atomic.Int32
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
//   - logger: 日志记录器，可为 nil
//   - onDone: 任务完成回调，可为 nil
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger, onDone CompletionFunc) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan namedTask, queueSize),
		logger:     logger,
		onDone:     onDone,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- namedTask{name: name, run: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或协程池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(name string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.taskQueue <- namedTask{name: name, run: task}:
		return true
	default:
		return false
	}
}

// Stop 停止协程池，等待已入队的任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Queued 队列中等待执行的任务数
func (p *WorkerPool) Queued() int {
	return len(p.taskQueue)
}

// Active 正在执行的任务数
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, task namedTask) {
	p.active.Add(1)
	defer p.active.Add(-1)

	var err error
	func() {
		// 执行任务（捕获 panic）
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
				p.logger.Error("Worker task panicked",
					zap.String("task", task.name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		err = task.run(ctx)
	}()

	if p.onDone != nil {
		p.onDone(task.name, err)
	}
}
