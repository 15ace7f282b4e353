package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// checkTimeout 单项检查的超时时间
const checkTimeout = 5 * time.Second

// maxGoroutines 存活检查的协程数上限
const maxGoroutines = 10000

// CheckFunc 单项依赖检查
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// HealthChecker 健康检查器
//
// 存活检查只看进程本身；就绪检查覆盖队列目录、台账和 Redis 等依赖。
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	return hc
}

// AddReadinessCheck 添加就绪检查
func (hc *HealthChecker) AddReadinessCheck(name string, fn CheckFunc) {
	hc.mu.Lock()
	hc.checks = append(hc.checks, namedCheck{name: name, fn: fn})
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return fn(ctx)
	})
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// Report 健康报告
type Report struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// CheckHealth 执行全部就绪检查
func (hc *HealthChecker) CheckHealth(ctx context.Context) Report {
	hc.mu.RLock()
	checks := append([]namedCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	report := Report{
		Healthy:   true,
		Checks:    make(map[string]string, len(checks)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.fn(cctx)
		cancel()
		if err != nil {
			report.Healthy = false
			report.Checks[c.name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("Health check failed", zap.String("check", c.name), zap.Error(err))
			continue
		}
		report.Checks[c.name] = "OK"
	}
	return report
}

// Names 已注册的检查项
func (hc *HealthChecker) Names() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for _, c := range hc.checks {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// QueueCheck 队列目录可写
func QueueCheck(writable func() error) CheckFunc {
	return func(context.Context) error {
		return writable()
	}
}

// LedgerCheck 提交台账可用
func LedgerCheck(health func(ctx context.Context) error) CheckFunc {
	return CheckFunc(health)
}

// RedisCheck Redis 连接可用
func RedisCheck(ping func(ctx context.Context) error) CheckFunc {
	return CheckFunc(ping)
}
