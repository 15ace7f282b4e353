// Package bootstrap 根据配置组装队列、扫描器、中继和台账，供 server 与 formctl 共用。
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"formrelay/backend/internal/config"
	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/mailer"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/queue"
	"formrelay/backend/internal/scanner"
	"formrelay/backend/internal/service"
	"formrelay/backend/internal/storage"
	"formrelay/backend/internal/storage/memory"
	"formrelay/backend/internal/storage/redis"
	sqlstore "formrelay/backend/internal/storage/sql"
	"formrelay/backend/internal/token"
)

// scanLockName 未配置锁文件时在队列目录下使用的文件名
const scanLockName = "scan.lock"

// NewLogger 按配置创建日志记录器，component 写入每条日志
func NewLogger(cfg *config.Config, component string) (*zap.Logger, error) {
	return logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
		Component:   component,
	})
}

// Components 组装好的后端组件
type Components struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *monitoring.Metrics

	Queue   *queue.Store
	Ledger  storage.Ledger
	Redis   *redis.Client // 未配置时为 nil
	Scanner scanner.Scanner
	Relay   *mailer.SMTPRelay
	Issuer  *token.Issuer

	// 未配置 Redis 时使用进程内存储，仅适合单实例
	RateLimits storage.RateLimitRepository
	Once       storage.OnceRepository

	Processor *service.Processor
}

// Build 创建全部组件；失败时已打开的资源会被关闭
func Build(cfg *config.Config, log *zap.Logger) (*Components, error) {
	c := &Components{
		Config:  cfg,
		Logger:  log,
		Metrics: monitoring.NewMetrics(),
	}

	var err error
	c.Queue, err = queue.NewStore(cfg.Queue.Dir)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	mem := memory.NewStore()
	c.Ledger = mem
	c.RateLimits = mem
	c.Once = mem

	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		db, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			return nil, fmt.Errorf("open submission ledger: %w", err)
		}
		c.Ledger = db
		log.Info("Using database submission ledger", zap.String("type", cfg.Database.Type))
	} else {
		log.Info("Using in-memory submission ledger")
	}

	if cfg.Redis.Address != "" {
		c.Redis, err = redis.New(&cfg.Redis, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.RateLimits = c.Redis
		c.Once = c.Redis
	}

	c.Issuer, err = token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL)
	if err != nil {
		c.Close()
		return nil, err
	}

	locker, err := c.newLocker()
	if err != nil {
		c.Close()
		return nil, err
	}
	clam := scanner.NewClamAV(scanner.Options{
		ClamdscanPath: cfg.Scan.ClamdscanPath,
		ClamscanPath:  cfg.Scan.ClamscanPath,
		Timeout:       cfg.Scan.Timeout,
	})
	c.Scanner = scanner.NewLockedScanner(clam, locker, cfg.Scan.MaxAttempts, cfg.Scan.RetryDelay, log.Named("scanner"))
	if cfg.Scan.FailOpen {
		log.Warn("Malware scan is fail-open: attachments are forwarded when the scanner is unavailable")
	}

	c.Relay = mailer.NewSMTPRelay(mailer.SMTPOptions{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		Security: cfg.Mail.Security,
		HeloName: cfg.Mail.HeloName,
		Timeout:  cfg.Mail.Timeout,
	}, log.Named("smtp"))

	c.Processor = service.NewProcessor(
		c.Queue,
		c.Scanner,
		scanner.Policy{FailOpen: cfg.Scan.FailOpen},
		c.Relay,
		c.Ledger,
		c.Metrics,
		log.Named("worker"),
		service.ProcessorConfig{
			From:       c.Sender(),
			Recipients: Recipients(cfg),
			Retries:    cfg.Mail.Retries,
			RetryDelay: cfg.Mail.RetryDelay,
		},
	)
	return c, nil
}

// newLocker 多主机部署用 Redis 锁，否则用队列目录下的文件锁
func (c *Components) newLocker() (scanner.Locker, error) {
	if c.Redis != nil {
		ttl := c.Config.Scan.Timeout * 2
		return scanner.NewRedisLocker(c.Redis.Client(), "", ttl), nil
	}
	path := c.Config.Scan.LockFile
	if path == "" {
		path = filepath.Join(c.Queue.Root(), scanLockName)
	}
	locker, err := scanner.NewFileLocker(path)
	if err != nil {
		return nil, fmt.Errorf("open scan lock: %w", err)
	}
	return locker, nil
}

// Sender 表单邮件的发件人
func (c *Components) Sender() mailer.Address {
	return mailer.Address{Name: c.Config.Forms.FromName, Email: c.Config.Forms.From}
}

// Recipients 各表单类型的收件人
func Recipients(cfg *config.Config) map[domain.FormType][]string {
	return map[domain.FormType][]string{
		domain.FormContact:  cfg.Forms.ContactTo,
		domain.FormHelpdesk: cfg.Forms.HelpdeskTo,
	}
}

// RefreshQueueMetrics 更新队列深度指标
func (c *Components) RefreshQueueMetrics() {
	counts, err := c.Queue.Counts()
	if err != nil {
		c.Logger.Warn("Failed to count queue", zap.Error(err))
		return
	}
	c.Metrics.UpdateQueueDepth(counts.Pending, counts.Processing, counts.Dead)
}

// Ping 检查 Redis 连接，未配置时总是成功
func (c *Components) Ping(ctx context.Context) error {
	if c.Redis == nil {
		return nil
	}
	return c.Redis.Ping(ctx)
}

// Close 释放连接
func (c *Components) Close() {
	if c.Ledger != nil {
		if err := c.Ledger.Close(); err != nil {
			c.Logger.Warn("Failed to close submission ledger", zap.Error(err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
}
