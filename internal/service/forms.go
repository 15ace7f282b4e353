package service

import (
	"context"
	"errors"
	"mime/multipart"
	"strings"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/queue"
	"formrelay/backend/internal/security"
	"formrelay/backend/internal/storage"
)

// SubmitInput 一次表单提交
type SubmitInput struct {
	Type        domain.FormType
	Fields      domain.FormFields
	Honeypot    string
	RequesterIP string
	UserAgent   string
	Files       []*multipart.FileHeader
	TicketRef   string // 非空时表示工单附件转发
}

// SubmitResult 提交结果
type SubmitResult struct {
	JobID    string
	Spam     bool // 命中蜜罐，客户端仍得到成功响应
	Staged   int
	Rejected []domain.Rejection
}

// FormService 表单入口：校验 → 暂存附件 → 入队 → 派发
type FormService struct {
	store      *queue.Store
	dispatcher queue.Dispatcher
	intake     *Intake
	filter     *security.ContentFilter
	ledger     storage.SubmissionRepository
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewFormService 创建表单服务
func NewFormService(
	store *queue.Store,
	dispatcher queue.Dispatcher,
	intake *Intake,
	filter *security.ContentFilter,
	ledger storage.SubmissionRepository,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *FormService {
	return &FormService{
		store:      store,
		dispatcher: dispatcher,
		intake:     intake,
		filter:     filter,
		ledger:     ledger,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Submit 处理一次提交
//
// 返回 *domain.ValidationError 表示客户端错误；包装 queue.ErrStorage 的错误表示服务端无法入队。
// 返回成功时 job 已持久化，邮件由后台 worker 发送。
func (s *FormService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if !in.Type.Valid() {
		return nil, errors.New("unknown form type")
	}
	form := string(in.Type)

	if strings.TrimSpace(in.Honeypot) != "" {
		id := s.store.NewJobID()
		s.logger.Info("Honeypot triggered, submission dropped",
			zap.String("form", form),
			zap.String("job_id", id),
			zap.String("ip", in.RequesterIP),
		)
		s.saveLedger(ctx, &domain.Submission{
			ID:          id,
			Type:        in.Type,
			RequesterIP: in.RequesterIP,
			Status:      domain.SubmissionSpam,
		})
		s.recordSubmission(form, "spam")
		return &SubmitResult{Spam: true}, nil
	}

	fields := in.Fields.Normalize()
	if err := fields.ValidateFor(in.Type); err != nil {
		s.recordSubmission(form, "invalid")
		return nil, err
	}

	id := s.store.NewJobID()
	refs, rejected, err := s.intake.Stage(id, in.Files)
	if err != nil {
		s.intake.Discard(id)
		s.recordSubmission(form, "storage_error")
		s.logger.Error("Failed to stage attachments", zap.String("job_id", id), zap.Error(err))
		return nil, err
	}

	job := &domain.Job{
		ID:          id,
		Type:        in.Type,
		SubmittedAt: s.now().UTC(),
		RequesterIP: in.RequesterIP,
		UserAgent:   in.UserAgent,
		Fields:      fields,
		Attachments: refs,
		Rejected:    rejected,
		TicketRef:   in.TicketRef,
		Flags:       s.filter.Assess(fields),
	}

	if _, err := s.store.Enqueue(ctx, job); err != nil {
		s.intake.Discard(id)
		s.recordSubmission(form, "storage_error")
		s.logger.Error("Failed to enqueue job", zap.String("job_id", id), zap.Error(err))
		return nil, err
	}

	s.saveLedger(ctx, &domain.Submission{
		ID:          id,
		Type:        in.Type,
		RequesterIP: in.RequesterIP,
		Status:      domain.SubmissionQueued,
		Rejected:    len(rejected),
		TicketRef:   in.TicketRef,
		CreatedAt:   job.SubmittedAt,
	})
	s.recordSubmission(form, "queued")
	s.logger.Info("Submission queued",
		zap.String("form", form),
		zap.String("job_id", id),
		zap.String("ip", in.RequesterIP),
		zap.Int("attachments", len(refs)),
		zap.Int("rejected", len(rejected)),
		zap.Strings("flags", job.Flags),
	)

	s.dispatcher.Dispatch(id)

	return &SubmitResult{JobID: id, Staged: len(refs), Rejected: rejected}, nil
}

func (s *FormService) saveLedger(ctx context.Context, sub *domain.Submission) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.SaveSubmission(ctx, sub); err != nil {
		s.logger.Warn("Failed to record submission", zap.String("job_id", sub.ID), zap.Error(err))
	}
}

func (s *FormService) recordSubmission(form, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(form, outcome)
	}
}
