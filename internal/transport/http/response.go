package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"formrelay/backend/internal/middleware"
)

// Response 统一响应结构
type Response struct {
	OK        bool              `json:"ok"`
	Message   string            `json:"message,omitempty"`    // 给用户看的提示
	Error     string            `json:"error,omitempty"`      // 错误描述
	RequestID string            `json:"request_id,omitempty"` // 便于排查
	Fields    map[string]string `json:"fields,omitempty"`     // 校验失败的字段
	PublicRef string            `json:"public_ref,omitempty"` // 新建工单编号
	ID        int64             `json:"id,omitempty"`         // 新建工单内部 ID
	Data      any               `json:"data,omitempty"`       // 数据载荷
}

// Success 成功响应（200）
func Success(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, Response{
		OK:        true,
		Message:   msg,
		RequestID: middleware.GetRequestID(c),
		Data:      data,
	})
}

// Error 错误响应
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, Response{
		OK:        false,
		Error:     msg,
		RequestID: middleware.GetRequestID(c),
	})
}

// ValidationFailed 字段校验失败（400）
func ValidationFailed(c *gin.Context, fields map[string]string) {
	c.JSON(http.StatusBadRequest, Response{
		OK:        false,
		Error:     MsgValidation,
		RequestID: middleware.GetRequestID(c),
		Fields:    fields,
	})
}
