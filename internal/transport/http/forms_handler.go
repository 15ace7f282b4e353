package httptransport

import (
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/middleware"
	"formrelay/backend/internal/service"
)

// formRequest 表单请求体，支持 JSON、urlencoded 和 multipart
type formRequest struct {
	Name         string `json:"name" form:"name"`
	Company      string `json:"company" form:"company"`
	Email        string `json:"email" form:"email"`
	Phone        string `json:"phone" form:"phone"`
	Subject      string `json:"subject" form:"subject"`
	Message      string `json:"message" form:"message"`
	Issue        string `json:"issue" form:"issue"`
	TicketNumber string `json:"ticket_number" form:"ticket_number"`
	Honeypot     string `json:"website_honeypot" form:"website_honeypot"`
}

func (r formRequest) fields() domain.FormFields {
	return domain.FormFields{
		Name:    r.Name,
		Company: r.Company,
		Email:   r.Email,
		Phone:   r.Phone,
		Subject: r.Subject,
		Message: r.Message,
		Issue:   r.Issue,
	}
}

// bindForm 解析请求体；withFiles 为 true 时同时读取上传文件
func bindForm(c *gin.Context, withFiles bool) (formRequest, []*multipart.FileHeader, error) {
	var req formRequest
	if err := c.ShouldBind(&req); err != nil {
		return req, nil, err
	}
	if !withFiles || !strings.HasPrefix(c.ContentType(), gin.MIMEMultipartPOSTForm) {
		return req, nil, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return req, nil, err
	}
	files := form.File[service.AttachmentField]
	files = append(files, form.File["attachments"]...)
	return req, files, nil
}

// FormHandler 联系表单与服务台表单
type FormHandler struct {
	forms  *service.FormService
	logger *zap.Logger
}

// NewFormHandler 创建表单处理器
func NewFormHandler(forms *service.FormService, logger *zap.Logger) *FormHandler {
	return &FormHandler{forms: forms, logger: logger}
}

// submissionData 返回给客户端的附件处理结果
type submissionData struct {
	Attachments int                `json:"attachments"`
	Rejected    []domain.Rejection `json:"rejected,omitempty"`
}

// Contact POST /contact
func (h *FormHandler) Contact(c *gin.Context) {
	h.submit(c, domain.FormContact, false)
}

// Helpdesk POST /helpdesk
func (h *FormHandler) Helpdesk(c *gin.Context) {
	h.submit(c, domain.FormHelpdesk, true)
}

func (h *FormHandler) submit(c *gin.Context, formType domain.FormType, withFiles bool) {
	req, files, err := bindForm(c, withFiles)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			Error(c, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		h.logger.Debug("Invalid form body", zap.String("form", string(formType)), zap.Error(err))
		Error(c, http.StatusBadRequest, MsgInvalidBody)
		return
	}

	res, err := h.forms.Submit(c.Request.Context(), service.SubmitInput{
		Type:        formType,
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

	if res.Spam || len(files) == 0 {
		Success(c, MsgSubmitted, nil)
		return
	}
	Success(c, MsgSubmitted, submissionData{Attachments: res.Staged, Rejected: res.Rejected})
}
