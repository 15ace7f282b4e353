package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/middleware"
	"formrelay/backend/internal/queue"
	"formrelay/backend/internal/service"
	"formrelay/backend/internal/syncro"
	"formrelay/backend/internal/token"
)

// 用户可见的消息
const (
	MsgSubmitted     = "Thank you, your message has been sent."
	MsgLookupSent    = "If we found tickets for that address, we've emailed you a link to each of them."
	MsgTicketCreated = "Your ticket has been created. We've emailed you a confirmation."
	MsgValidation    = "Please check the highlighted fields and try again."
	MsgInvalidBody   = "The request body could not be read."
	MsgBodyTooLarge  = "The request is too large. Please send fewer or smaller files."
	MsgInvalidToken  = "This link is invalid or has expired. Please request a new one."
	MsgTicketMissing = "Ticket not found."
	MsgTicketsOff    = "Ticket lookup is not available."
	MsgTicketAPI     = "The ticket system is temporarily unavailable. Please try again later."
	MsgStorage       = "We could not accept your submission right now. Please try again later."
	MsgInternalError = "Something went wrong. Please try again later."
)

// errorMapping 错误映射表（业务错误 -> HTTP 状态与消息），按顺序匹配
var errorMapping = []struct {
	err     error
	status  int
	message string
}{
	{queue.ErrStorage, http.StatusInternalServerError, MsgStorage},
	{token.ErrInvalidToken, http.StatusUnauthorized, MsgInvalidToken},
	{service.ErrTicketAccess, http.StatusUnauthorized, MsgInvalidToken},
	{domain.ErrTicketNotFound, http.StatusNotFound, MsgTicketMissing},
	{service.ErrTicketsDisabled, http.StatusServiceUnavailable, MsgTicketsOff},
	{syncro.ErrAPI, http.StatusBadGateway, MsgTicketAPI},
}

// respondError 根据错误类型写出响应
func respondError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		ValidationFailed(c, verr.Fields)
		return
	}
	if middleware.IsBodyTooLarge(err) {
		Error(c, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
		return
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			_ = c.Error(err)
			Error(c, m.status, m.message)
			return
		}
	}
	_ = c.Error(err)
	Error(c, http.StatusInternalServerError, MsgInternalError)
}
