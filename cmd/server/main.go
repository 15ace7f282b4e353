package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"formrelay/backend/internal/bootstrap"
	"formrelay/backend/internal/config"
	"formrelay/backend/internal/health"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/pool"
	"formrelay/backend/internal/queue"
	"formrelay/backend/internal/security"
	"formrelay/backend/internal/service"
	"formrelay/backend/internal/syncro"
	httptransport "formrelay/backend/internal/transport/http"
)

const (
	// ticketWorkers 工单邮件（查询链接、确认信）的协程数
	ticketWorkers = 2
	// backlogThreshold 待处理 job 超过该值时告警
	backlogThreshold = 50
)

// main 启动表单后端：HTTP 接口 + 后台 worker。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := bootstrap.NewLogger(cfg, "server")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting formrelay server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("dispatch", cfg.Queue.Dispatch),
		zap.Int("workers", cfg.Queue.Workers),
		zap.Bool("tickets", cfg.TicketsEnabled()),
	)

	app, err := bootstrap.Build(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 表单 job 协程池
	jobWorkers := pool.NewWorkerPool(cfg.Queue.Workers, cfg.Queue.Workers*8, log.Named("jobs"), nil)
	jobWorkers.Start(ctx)

	// 工单邮件协程池，失败只记日志
	mailWorkers := pool.NewWorkerPool(ticketWorkers, 32, log.Named("ticket-mail"), func(name string, err error) {
		if err != nil {
			log.Warn("Ticket mail task failed", zap.String("task", name), zap.Error(err))
		}
	})
	mailWorkers.Start(ctx)

	var dispatcher queue.Dispatcher
	var poolDispatcher *queue.PoolDispatcher
	switch cfg.Queue.Dispatch {
	case "process":
		dispatcher = queue.NewProcessDispatcher(cfg.Queue.WorkerBinary, log.Named("dispatch"))
	default:
		poolDispatcher = queue.NewPoolDispatcher(app.Queue, jobWorkers, app.Processor.Process, cfg.Queue.SweepInterval, cfg.Queue.AttachmentRetention, log.Named("dispatch"))
		dispatcher = poolDispatcher
	}

	policy := security.NewAttachmentPolicy(cfg.Attachments.MaxFiles, cfg.Attachments.MaxFileBytes, cfg.Attachments.AllowedExtensions)
	intake := service.NewIntake(policy, app.Queue, app.Metrics, log.Named("intake"))
	forms := service.NewFormService(app.Queue, dispatcher, intake, security.NewContentFilter(), app.Ledger, app.Metrics, log.Named("forms"))

	var ticketAPI service.TicketAPI
	if cfg.TicketsEnabled() {
		ticketAPI = syncro.NewClient(syncro.Options{
			BaseURL:     cfg.Syncro.BaseURL,
			APIToken:    cfg.Syncro.APIToken,
			Timeout:     cfg.Syncro.Timeout,
			ProblemType: cfg.Syncro.ProblemType,
		})
	}
	tickets := service.NewTicketService(ticketAPI, app.Issuer, app.Relay, forms, mailWorkers, app.Once, app.Metrics, log.Named("tickets"), service.TicketConfig{
		From:           app.Sender(),
		StatusURL:      strings.TrimRight(cfg.Server.PublicURL, "/") + "/tickets/status",
		LookupCooldown: cfg.Syncro.LookupCooldown,
	})

	// 健康检查
	healthChecker := health.NewHealthChecker(log)
	healthChecker.AddReadinessCheck("queue", health.QueueCheck(app.Queue.Writable))
	healthChecker.AddReadinessCheck("ledger", health.LedgerCheck(app.Ledger.Health))
	if app.Redis != nil {
		healthChecker.AddReadinessCheck("redis", health.RedisCheck(app.Ping))
	}

	// 告警
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.DeadLetterRule(func() (int, error) {
		counts, err := app.Queue.Counts()
		return counts.Dead, err
	}))
	alertManager.AddRule(monitoring.QueueBacklogRule(func() (int, error) {
		counts, err := app.Queue.Counts()
		return counts.Pending, err
	}, backlogThreshold))

	var rateLimits = app.RateLimits
	if cfg.RateLimit.Requests <= 0 {
		rateLimits = nil
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Forms:      forms,
		Tickets:    tickets,
		RateLimits: rateLimits,
		Health:     healthChecker,
		Metrics:    app.Metrics,
		Logger:     log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("Starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 恢复遗留 job 并定期扫描 pending/
	if poolDispatcher != nil {
		group.Go(func() error {
			return poolDispatcher.Run(groupCtx)
		})
	} else {
		// process 模式下定期扫描由 formctl sweep 负责
		if _, err := app.Queue.RecoverOrphans(); err != nil {
			log.Error("Failed to recover orphaned jobs", zap.Error(err))
		}
		pending, err := app.Queue.Pending()
		if err != nil {
			log.Error("Failed to list pending jobs", zap.Error(err))
		}
		for _, id := range pending {
			dispatcher.Dispatch(id)
		}
	}

	// 队列指标与附件清理；pool 模式下附件由 Sweep 清理
	group.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		prune := time.NewTicker(time.Hour)
		defer prune.Stop()
		if poolDispatcher != nil {
			prune.Stop()
		}

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				app.RefreshQueueMetrics()
				app.Metrics.UpdateWorkerPool(jobWorkers.Active(), jobWorkers.Queued())
			case <-prune.C:
				n, err := app.Queue.PruneAttachments(cfg.Queue.AttachmentRetention)
				if err != nil {
					log.Error("Failed to prune staged attachments", zap.Error(err))
				} else if n > 0 {
					log.Info("Pruned orphaned attachment directories", zap.Int("count", n))
				}
			}
		}
	})

	// 告警监控 goroutine
	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 正在处理的 job 在 ctx 取消后回到 pending/，下次启动继续
		jobWorkers.Stop()
		mailWorkers.Stop()

		log.Info("Server stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Server exited cleanly")
}
