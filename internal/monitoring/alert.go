package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则
//
// Condition 返回 true 时触发，message 作为告警正文。
type AlertRule struct {
	ID            string
	Name          string
	Condition     func() (bool, string)
	Level         AlertLevel
	Component     string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert // rule ID -> 最近一次告警
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	now       func() time.Time
	mu        sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		alerts: make(map[string]*Alert),
		logger: logger,
		now:    time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// GetActiveAlerts 获取未解决的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查告警规则；条件不再成立的告警自动解决
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	for _, rule := range rules {
		fired, message := rule.Condition()
		if !fired {
			am.resolve(rule.ID)
			continue
		}
		if am.now().Sub(rule.LastTriggered) < rule.Cooldown {
			continue
		}

		now := am.now()
		am.trigger(ctx, rule.ID, &Alert{
			ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
			Title:     rule.Name,
			Message:   message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})

		am.mu.Lock()
		for i := range am.rules {
			if am.rules[i].ID == rule.ID {
				am.rules[i].LastTriggered = now
				break
			}
		}
		am.mu.Unlock()
	}
}

func (am *AlertManager) trigger(ctx context.Context, ruleID string, alert *Alert) {
	am.mu.Lock()
	am.alerts[ruleID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(ctx, alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

func (am *AlertManager) resolve(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[ruleID]; exists && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now
		am.logger.Info("Alert resolved", zap.String("alert_id", alert.ID))
	}
}

// StartMonitoring 启动监控，阻塞直到 ctx 结束
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// DeadLetterRule 死信队列中存在记录时告警
func DeadLetterRule(deadCount func() (int, error)) AlertRule {
	return AlertRule{
		ID:   "dead_letters",
		Name: "Undelivered form submissions",
		Condition: func() (bool, string) {
			n, err := deadCount()
			if err != nil {
				return true, fmt.Sprintf("cannot read dead-letter directory: %v", err)
			}
			if n == 0 {
				return false, ""
			}
			return true, fmt.Sprintf("%d submission(s) in the dead-letter queue; inspect with `formctl dead list`", n)
		},
		Level:     AlertLevelCritical,
		Component: "queue",
		Cooldown:  time.Hour,
	}
}

// QueueBacklogRule 待处理 job 超过阈值时告警
func QueueBacklogRule(pendingCount func() (int, error), threshold int) AlertRule {
	return AlertRule{
		ID:   "queue_backlog",
		Name: "Queue backlog",
		Condition: func() (bool, string) {
			n, err := pendingCount()
			if err != nil || n <= threshold {
				return false, ""
			}
			return true, fmt.Sprintf("%d jobs pending (threshold %d)", n, threshold)
		},
		Level:     AlertLevelWarning,
		Component: "queue",
		Cooldown:  30 * time.Minute,
	}
}

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
