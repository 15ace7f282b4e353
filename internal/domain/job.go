package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// FormType 表单类型
type FormType string

const (
	FormContact  FormType = "contact"  // 联系表单
	FormHelpdesk FormType = "helpdesk" // 服务台表单
)

// Valid 是否为已知表单类型
func (t FormType) Valid() bool {
	return t == FormContact || t == FormHelpdesk
}

// DisplayName 邮件主题中使用的表单名称
func (t FormType) DisplayName() string {
	switch t {
	case FormContact:
		return "Contact"
	case FormHelpdesk:
		return "Helpdesk"
	default:
		return "Website"
	}
}

// FormFields 表单提交的字段（已清洗）
type FormFields struct {
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message,omitempty"`
	Issue   string `json:"issue,omitempty"`
}

// Body 返回表单正文（联系表单为 message，服务台为 issue）
func (f FormFields) Body() string {
	if f.Issue != "" {
		return f.Issue
	}
	return f.Message
}

// AttachmentRef 已暂存的上传文件
type AttachmentRef struct {
	Name         string `json:"name"`         // 清洗后的显示名称
	Path         string `json:"path"`         // 绝对存储路径，必须位于队列附件目录内
	Size         int64  `json:"size"`         // 字节数
	DetectedMIME string `json:"detectedMime"` // 内容探测得到的 MIME
	DeclaredType string `json:"declaredType"` // 客户端声明的 Content-Type
}

// RejectReason 附件被拒绝的原因
type RejectReason string

const (
	RejectTooLarge    RejectReason = "too_large"
	RejectBadType     RejectReason = "bad_type"
	RejectMIME        RejectReason = "mime_reject"
	RejectUploadError RejectReason = "upload_error"
	RejectTooMany     RejectReason = "too_many"
)

// Rejection 被拒绝的附件
type Rejection struct {
	Name   string       `json:"name"`
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

// Job 队列中的一个工作单元
//
// 由接收请求的 handler 在校验通过后创建，worker 只读取一次，处理完毕后无论成败都删除。
type Job struct {
	ID          string          `json:"id"`
	Type        FormType        `json:"type"`
	SubmittedAt time.Time       `json:"submittedAt"`
	RequesterIP string          `json:"requesterIp"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Fields      FormFields      `json:"fields"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	Rejected    []Rejection     `json:"rejected,omitempty"`
	TicketRef   string          `json:"ticketRef,omitempty"` // 关联的工单编号（工单附件转发）
	Flags       []string        `json:"flags,omitempty"`     // 内容过滤标记
	Attempts    int             `json:"attempts"`
}

// Validate 检查 job 记录是否完整
func (j *Job) Validate() error {
	if !IsJobID(j.ID) {
		return fmt.Errorf("%w: bad id %q", ErrMalformedJob, j.ID)
	}
	if !j.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedJob, j.Type)
	}
	if j.Fields.Email == "" {
		return fmt.Errorf("%w: missing email", ErrMalformedJob)
	}
	return nil
}

var jobIDPattern = regexp.MustCompile(`^\d{8}T\d{6}Z-[0-9a-f]{16}$`)

// NewJobID 生成 job 标识：UTC 时间戳 + 8 字节随机数
func NewJobID(now time.Time) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand 失败时退化为纳秒时间
		return fmt.Sprintf("%s-%016x", now.UTC().Format("20060102T150405Z"), now.UnixNano())
	}
	return now.UTC().Format("20060102T150405Z") + "-" + hex.EncodeToString(b[:])
}

// IsJobID 校验 job 标识格式（同时防止路径穿越）
func IsJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}
