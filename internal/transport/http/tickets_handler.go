package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formrelay/backend/internal/middleware"
	"formrelay/backend/internal/service"
)

// TicketHandler 工单查询、创建、状态页
type TicketHandler struct {
	tickets *service.TicketService
	logger  *zap.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(tickets *service.TicketService, logger *zap.Logger) *TicketHandler {
	return &TicketHandler{tickets: tickets, logger: logger}
}

// Lookup POST /tickets/lookup
//
// 除了格式错误，其它情况都返回相同的成功响应，不泄露工单是否存在。
func (h *TicketHandler) Lookup(c *gin.Context) {
	req, _, err := bindForm(c, false)
	if err != nil {
		h.badBody(c, err)
		return
	}

	err = h.tickets.Lookup(c.Request.Context(), service.LookupInput{
		Email:        req.Email,
		TicketNumber: req.TicketNumber,
		RequesterIP:  c.ClientIP(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, MsgLookupSent, nil)
}

// Create POST /tickets/create
func (h *TicketHandler) Create(c *gin.Context) {
	req, files, err := bindForm(c, true)
	if err != nil {
		h.badBody(c, err)
		return
	}

	res, err := h.tickets.Create(c.Request.Context(), service.CreateInput{
		Fields:      req.fields(),
		Honeypot:    req.Honeypot,
		RequesterIP: c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Files:       files,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if res.Spam {
		Success(c, MsgTicketCreated, nil)
		return
	}

	resp := Response{
		OK:        true,
		Message:   MsgTicketCreated,
		RequestID: middleware.GetRequestID(c),
		PublicRef: res.PublicRef,
		ID:        res.ID,
	}
	if len(files) > 0 {
		resp.Data = submissionData{Attachments: res.Staged, Rejected: res.Rejected}
	}
	c.JSON(http.StatusOK, resp)
}

// Status GET /tickets/status?tkn=
func (h *TicketHandler) Status(c *gin.Context) {
	tkn := c.Query("tkn")
	if tkn == "" {
		Error(c, http.StatusUnauthorized, MsgInvalidToken)
		return
	}

	status, err := h.tickets.Status(c.Request.Context(), tkn)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, "", status)
}

func (h *TicketHandler) badBody(c *gin.Context, err error) {
	if middleware.IsBodyTooLarge(err) {
		Error(c, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
		return
	}
	h.logger.Debug("Invalid ticket request body", zap.Error(err))
	Error(c, http.StatusBadRequest, MsgInvalidBody)
}
