package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formrelay/backend/internal/config"
	"formrelay/backend/internal/health"
	"formrelay/backend/internal/middleware"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/service"
	"formrelay/backend/internal/storage"
)

// maxMultipartMemory multipart 解析时保留在内存中的上限，其余写入临时文件
const maxMultipartMemory = 8 << 20

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Forms      *service.FormService
	Tickets    *service.TicketService
	RateLimits storage.RateLimitRepository // 为 nil 时不限流
	Health     *health.HealthChecker
	Metrics    *monitoring.Metrics
	Logger     *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = maxMultipartMemory

	mon := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	router.Use(middleware.RequestID())
	router.Use(mon.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(mon.HTTPMetrics())
	router.Use(mon.RateLimitMetrics())
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{
			"Content-Length",
			middleware.RequestIDHeader,
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	formHandler := NewFormHandler(deps.Forms, deps.Logger)
	ticketHandler := NewTicketHandler(deps.Tickets, deps.Logger)

	limit := func(endpoint string, factor int) gin.HandlerFunc {
		if deps.RateLimits == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimitByIP(deps.RateLimits, deps.Logger, endpoint,
			deps.Config.RateLimit.Requests*factor, deps.Config.RateLimit.Window)
	}

	uploadLimit := middleware.BodySizeLimit(deps.Config.Forms.MaxBodyBytes)
	smallLimit := middleware.BodySizeLimit(middleware.SmallBodyLimit)
	contentTypes := middleware.ValidateContentType(
		gin.MIMEJSON,
		gin.MIMEPOSTForm,
		gin.MIMEMultipartPOSTForm,
	)

	// 健康检查与指标
	router.GET("/health", healthReport(deps.Health))
	router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// ========== 表单 ==========
	router.POST("/contact", limit("contact", 1), smallLimit, contentTypes, formHandler.Contact)
	router.POST("/helpdesk", limit("helpdesk", 1), uploadLimit, contentTypes, formHandler.Helpdesk)

	// ========== 工单 ==========
	tickets := router.Group("/tickets")
	{
		tickets.POST("/lookup", limit("tickets_lookup", 1), smallLimit, contentTypes, ticketHandler.Lookup)
		tickets.POST("/create", limit("tickets_create", 1), uploadLimit, contentTypes, ticketHandler.Create)
		// 状态页会被反复刷新，放宽限制
		tickets.GET("/status", limit("tickets_status", 6), ticketHandler.Status)
	}

	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "not found")
	})

	return router
}

// healthReport GET /health
func healthReport(hc *health.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := hc.CheckHealth(c.Request.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
