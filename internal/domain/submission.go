package domain

import "time"

// SubmissionStatus 提交记录状态
type SubmissionStatus string

const (
	SubmissionQueued SubmissionStatus = "queued" // 已入队
	SubmissionSent   SubmissionStatus = "sent"   // 邮件已发送
	SubmissionFailed SubmissionStatus = "failed" // 处理失败（可重试）
	SubmissionDead   SubmissionStatus = "dead"   // 进入死信
	SubmissionSpam   SubmissionStatus = "spam"   // 命中蜜罐，静默丢弃
)

// Submission 提交台账，记录每个 job 的最终结果（不含表单内容）
type Submission struct {
	ID          string           `json:"id" gorm:"primaryKey;type:varchar(40)"`
	Type        FormType         `json:"type" gorm:"type:varchar(16);index"`
	RequesterIP string           `json:"requesterIp" gorm:"type:varchar(64)"`
	Status      SubmissionStatus `json:"status" gorm:"type:varchar(16);index"`
	Attempts    int              `json:"attempts"`
	Attached    int              `json:"attached"`
	Blocked     int              `json:"blocked"`
	Rejected    int              `json:"rejected"`
	TicketRef   string           `json:"ticketRef,omitempty" gorm:"type:varchar(32)"`
	LastError   string           `json:"lastError,omitempty" gorm:"type:text"`
	CreatedAt   time.Time        `json:"createdAt" gorm:"index"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}
