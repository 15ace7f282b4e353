package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formrelay/backend/internal/storage"
)

// RateLimitByIP 按客户端 IP 和端点做固定窗口限流
//
// 计数存储不可用时放行请求，只记录警告。
func RateLimitByIP(store storage.RateLimitRepository, logger *zap.Logger, endpoint string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}

		key := endpoint + ":" + c.ClientIP()
		count, err := store.IncrementRateLimit(c.Request.Context(), key, window)
		if err != nil {
			logger.Warn("Rate limit store unavailable", zap.String("endpoint", endpoint), zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(window.Seconds())))

		if count > int64(limit) {
			logger.Info("Rate limit exceeded",
				zap.String("endpoint", endpoint),
				zap.String("ip", c.ClientIP()),
				zap.Int64("count", count),
			)
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			abortJSON(c, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}

		c.Next()
	}
}
