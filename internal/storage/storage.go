package storage

import (
	"context"
	"time"

	"formrelay/backend/internal/domain"
)

// SubmissionRepository 定义提交台账的存取操作。
type SubmissionRepository interface {
	// SaveSubmission 按 ID 插入或覆盖
	SaveSubmission(ctx context.Context, sub *domain.Submission) error
	GetSubmission(ctx context.Context, id string) (*domain.Submission, error)
	// ListSubmissions 按创建时间倒序返回最近的记录
	ListSubmissions(ctx context.Context, limit int) ([]domain.Submission, error)
	CountByStatus(ctx context.Context) (map[domain.SubmissionStatus]int64, error)
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	// IncrementRateLimit 计数加一并返回窗口内的当前值
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// OnceRepository 在 ttl 内对同一个 key 只返回一次 true，用于冷却时间。
type OnceRepository interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Ledger 提交台账的完整存储接口。
type Ledger interface {
	SubmissionRepository

	Close() error
	Health(ctx context.Context) error
}
