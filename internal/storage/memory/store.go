package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"formrelay/backend/internal/domain"
)

// Store 使用内存保存提交台账和限流计数，进程重启后丢失，用于单机部署和开发。
type Store struct {
	mu          sync.RWMutex
	submissions map[string]*domain.Submission

	// 速率限制相关
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time // 下次清理过期速率限制的时间

	once map[string]time.Time // key -> 过期时间

	now func() time.Time
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		submissions:       make(map[string]*domain.Submission),
		rateLimits:        make(map[string]*rateLimitEntry),
		rateLimitsCleanup: time.Now().Add(5 * time.Minute),
		once:              make(map[string]time.Time),
		now:               time.Now,
	}
}

// SaveSubmission 保存提交记录，已存在时覆盖并保留创建时间。
func (s *Store) SaveSubmission(_ context.Context, sub *domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cp := *sub
	if existing, ok := s.submissions[sub.ID]; ok && !existing.CreatedAt.IsZero() {
		cp.CreatedAt = existing.CreatedAt
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.submissions[sub.ID] = &cp

	sub.CreatedAt = cp.CreatedAt
	sub.UpdatedAt = cp.UpdatedAt
	return nil
}

// GetSubmission 根据 ID 获取提交记录。
func (s *Store) GetSubmission(_ context.Context, id string) (*domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	cp := *sub
	return &cp, nil
}

// ListSubmissions 返回最近的提交记录。
func (s *Store) ListSubmissions(_ context.Context, limit int) ([]domain.Submission, error) {
	s.mu.RLock()
	out := make([]domain.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		out = append(out, *sub)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus 按状态统计记录数。
func (s *Store) CountByStatus(_ context.Context) (map[domain.SubmissionStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.SubmissionStatus]int64)
	for _, sub := range s.submissions {
		counts[sub.Status]++
	}
	return counts, nil
}

// IncrementRateLimit 增加限流计数
func (s *Store) IncrementRateLimit(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// 清理过期的速率限制条目（每5分钟清理一次）
	if now.After(s.rateLimitsCleanup) {
		for k, v := range s.rateLimits {
			if now.After(v.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		for k, exp := range s.once {
			if now.After(exp) {
				delete(s.once, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	entry, exists := s.rateLimits[key]
	if !exists || !now.Before(entry.ExpiresAt) {
		entry = &rateLimitEntry{
			Count:     1,
			ExpiresAt: now.Add(window),
		}
		s.rateLimits[key] = entry
		return 1, nil
	}

	entry.Count++
	return entry.Count, nil
}

// MarkOnce 在 ttl 内首次调用返回 true
func (s *Store) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.once[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.once[key] = now.Add(ttl)
	return true, nil
}

// Close 内存存储无需关闭
func (s *Store) Close() error { return nil }

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error { return nil }
