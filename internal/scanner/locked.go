package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"formrelay/backend/internal/domain"
)

// LockedScanner 在全局锁内串行执行扫描，并对 error 结果做有限次重试
type LockedScanner struct {
	inner       Scanner
	locker      Locker
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger

	// 重试警告限频，避免扫描守护进程故障时刷屏
	warn *rate.Sometimes
}

// NewLockedScanner 创建带锁扫描器
func NewLockedScanner(inner Scanner, locker Locker, maxAttempts int, retryDelay time.Duration, logger *zap.Logger) *LockedScanner {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockedScanner{
		inner:       inner,
		locker:      locker,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		warn:        &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Scan 获取锁后扫描；error 结果在锁外等待后重试
func (s *LockedScanner) Scan(ctx context.Context, path string) domain.ScanResult {
	var result domain.ScanResult
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		unlock, err := s.locker.Lock(ctx)
		if err != nil {
			return domain.ScanResult{Status: domain.ScanError, ExitCode: -1, Stderr: err.Error()}
		}
		result = s.inner.Scan(ctx, path)
		unlock()

		if result.Status != domain.ScanError || attempt == s.maxAttempts {
			return result
		}

		s.warn.Do(func() {
			s.logger.Warn("Malware scan failed, retrying",
				zap.String("engine", result.Engine),
				zap.Int("exit_code", result.ExitCode),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.maxAttempts),
				zap.String("stderr", result.Stderr),
			)
		})

		select {
		case <-ctx.Done():
			return result
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}
	}
	return result
}

// Policy 扫描结论的处理策略
type Policy struct {
	FailOpen bool
}

// Allow 判断附件能否随邮件发送
//
// clean 总是放行，infected 总是拦截；error/unavailable 默认拦截，FailOpen 时放行并给出警告。
func (p Policy) Allow(result domain.ScanResult) (bool, string) {
	switch result.Status {
	case domain.ScanClean:
		return true, ""
	case domain.ScanInfected:
		return false, "malware detected"
	case domain.ScanUnavailable:
		if p.FailOpen {
			return true, "not scanned: scanner unavailable"
		}
		return false, "scanner unavailable"
	default:
		if p.FailOpen {
			return true, "not scanned: scan error"
		}
		return false, "scan error"
	}
}
