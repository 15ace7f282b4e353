package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/mailer"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/queue"
	"formrelay/backend/internal/scanner"
	"formrelay/backend/internal/security"
	"formrelay/backend/internal/storage"
)

// JobHeader 转发邮件中标识 job 的邮件头
const JobHeader = "X-Formrelay-Job"

// FlagsHeader 内容过滤标记
const FlagsHeader = "X-Formrelay-Flags"

// ProcessorConfig worker 配置
type ProcessorConfig struct {
	From       mailer.Address
	Recipients map[domain.FormType][]string
	Retries    int           // 首次发送失败后的重试次数
	RetryDelay time.Duration // 第 n 次重试前等待 n*RetryDelay
}

// Processor 后台 worker：领取 job → 扫描附件 → 组装邮件 → 发送 → 清理
type Processor struct {
	store   *queue.Store
	scanner scanner.Scanner
	policy  scanner.Policy
	relay   mailer.Relay
	ledger  storage.SubmissionRepository
	metrics *monitoring.Metrics
	logger  *zap.Logger
	cfg     ProcessorConfig
	now     func() time.Time
}

// NewProcessor 创建 worker
func NewProcessor(
	store *queue.Store,
	scan scanner.Scanner,
	policy scanner.Policy,
	relay mailer.Relay,
	ledger storage.SubmissionRepository,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	cfg ProcessorConfig,
) *Processor {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Processor{
		store:   store,
		scanner: scan,
		policy:  policy,
		relay:   relay,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// screened 附件扫描结果
type screened struct {
	attached []mailer.FileAttachment
	lines    []mailer.FileLine
	blocked  []mailer.FileLine
	warnings []string
}

// Process 处理一个 job
//
// 发送成功或最终失败后都会删除 job 记录和暂存附件；最终失败时先写入死信。
// ctx 取消时放弃领取，job 回到 pending/ 等待下次处理。
func (p *Processor) Process(ctx context.Context, id string) error {
	start := p.now()
	log := p.logger.With(zap.String("job_id", id))

	job, err := p.store.Claim(id)
	switch {
	case errors.Is(err, queue.ErrJobClaimed), errors.Is(err, queue.ErrJobNotFound):
		log.Debug("Job already handled elsewhere", zap.Error(err))
		return nil
	case errors.Is(err, domain.ErrMalformedJob):
		log.Error("Malformed job record", zap.Error(err))
		if job != nil {
			if dlErr := p.store.DeadLetter(job, err); dlErr != nil {
				log.Error("Failed to dead-letter malformed job", zap.Error(dlErr))
			}
			p.finish(job, domain.SubmissionDead, 0, 0, err)
		}
		p.recordJob("unknown", "malformed", start)
		return err
	case err != nil:
		log.Error("Failed to claim job", zap.Error(err))
		return err
	}

	form := string(job.Type)
	job.Attempts++
	if err := p.store.UpdateClaim(job); err != nil {
		log.Warn("Failed to persist attempt count", zap.Error(err))
	}

	result := p.screen(ctx, job, log)
	if ctx.Err() != nil {
		return p.release(ctx, job, log, start)
	}

	msg, err := p.compose(job, result)
	if err == nil {
		err = p.send(ctx, msg, log)
	}
	if ctx.Err() != nil {
		return p.release(ctx, job, log, start)
	}

	if err != nil {
		log.Error("Delivery failed, job moved to dead-letter queue",
			zap.String("form", form),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		if dlErr := p.store.DeadLetter(job, err); dlErr != nil {
			log.Error("Failed to write dead-letter record", zap.Error(dlErr))
			if cErr := p.store.Complete(id); cErr != nil {
				log.Error("Failed to clean up job", zap.Error(cErr))
			}
		}
		p.finish(job, domain.SubmissionDead, len(result.attached), len(result.blocked), err)
		p.recordJob(form, "dead", start)
		return err
	}

	if err := p.store.Complete(id); err != nil {
		log.Error("Failed to clean up job", zap.Error(err))
	}
	p.finish(job, domain.SubmissionSent, len(result.attached), len(result.blocked), nil)
	p.recordJob(form, "sent", start)
	log.Info("Submission delivered",
		zap.String("form", form),
		zap.Int("attached", len(result.attached)),
		zap.Int("blocked", len(result.blocked)),
		zap.Duration("duration", p.now().Sub(start)),
	)
	return nil
}

// screen 检查路径并扫描每个附件，按策略决定附带或拦截
func (p *Processor) screen(ctx context.Context, job *domain.Job, log *zap.Logger) screened {
	var out screened

	for _, rej := range job.Rejected {
		detail := string(rej.Reason)
		if rej.Detail != "" {
			detail += ": " + rej.Detail
		}
		out.blocked = append(out.blocked, mailer.FileLine{Name: rej.Name, Detail: detail})
	}

	root := p.store.AttachmentRoot()
	for _, att := range job.Attachments {
		if ctx.Err() != nil {
			return out
		}
		if !security.Contains(root, att.Path) {
			log.Warn("Attachment path outside staging directory", zap.String("file", att.Name), zap.String("path", att.Path))
			out.blocked = append(out.blocked, mailer.FileLine{Name: att.Name, Detail: "invalid attachment path"})
			continue
		}
		if _, err := os.Stat(att.Path); err != nil {
			log.Warn("Staged attachment missing", zap.String("file", att.Name), zap.Error(err))
			out.blocked = append(out.blocked, mailer.FileLine{Name: att.Name, Detail: "file missing"})
			continue
		}

		scanStart := p.now()
		verdict := p.scanner.Scan(ctx, att.Path)
		if p.metrics != nil {
			p.metrics.RecordScan(verdict.Engine, string(verdict.Status), p.now().Sub(scanStart))
		}

		allowed, reason := p.policy.Allow(verdict)
		fields := []zap.Field{
			zap.String("file", att.Name),
			zap.String("status", string(verdict.Status)),
			zap.String("engine", verdict.Engine),
			zap.Int("exit_code", verdict.ExitCode),
		}
		if !allowed {
			if verdict.Status == domain.ScanInfected {
				log.Warn("Malware detected, attachment blocked", append(fields, zap.String("output", verdict.Stdout))...)
			} else {
				log.Warn("Attachment blocked", append(fields, zap.String("reason", reason), zap.String("stderr", verdict.Stderr))...)
			}
			out.blocked = append(out.blocked, mailer.FileLine{Name: att.Name, Detail: reason})
			p.recordAttachment("blocked")
			continue
		}

		if reason != "" {
			log.Warn("Attachment sent without a clean scan", append(fields, zap.String("reason", reason))...)
			out.warnings = append(out.warnings, att.Name+": "+reason)
		}
		out.attached = append(out.attached, mailer.FileAttachment{
			Name:        att.Name,
			Path:        att.Path,
			ContentType: att.DetectedMIME,
		})
		out.lines = append(out.lines, mailer.FileLine{Name: att.Name, Detail: humanSize(att.Size)})
		p.recordAttachment("attached")
	}
	return out
}

// compose 组装转发邮件
func (p *Processor) compose(job *domain.Job, result screened) (*mailer.Message, error) {
	recipients := p.cfg.Recipients[job.Type]
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients configured for %s form", job.Type)
	}

	formName := job.Type.DisplayName()
	f := job.Fields
	subject := mailer.FormSubject(formName, f.Subject, f.Body())
	if job.TicketRef != "" {
		subject += " [Ticket #" + job.TicketRef + "]"
	}

	warnings := append([]string(nil), result.warnings...)
	if len(job.Flags) > 0 {
		warnings = append(warnings, "Content flagged: "+strings.Join(job.Flags, ", "))
	}

	fields := []mailer.Field{
		{Label: "Name", Value: f.Name},
		{Label: "Company", Value: f.Company},
		{Label: "Email", Value: f.Email},
		{Label: "Phone", Value: f.Phone},
	}
	if job.Type == domain.FormContact || (f.Subject != "" && f.Issue != "") {
		fields = append(fields, mailer.Field{Label: "Subject", Value: f.Subject})
	}

	text, html, err := mailer.RenderForm(mailer.FormView{
		FormName:    formName,
		Fields:      fields,
		Body:        f.Body(),
		SubmittedAt: job.SubmittedAt,
		RequesterIP: job.RequesterIP,
		JobID:       job.ID,
		TicketRef:   job.TicketRef,
		Attached:    result.lines,
		Blocked:     result.blocked,
		Warnings:    warnings,
	})
	if err != nil {
		return nil, err
	}

	to := make([]mailer.Address, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, mailer.Address{Email: r})
	}

	headers := map[string]string{JobHeader: job.ID}
	if len(job.Flags) > 0 {
		headers[FlagsHeader] = strings.Join(job.Flags, ",")
	}

	return &mailer.Message{
		From:        p.cfg.From,
		To:          to,
		ReplyTo:     &mailer.Address{Name: f.Name, Email: f.Email},
		Subject:     subject,
		Text:        text,
		HTML:        html,
		Attachments: result.attached,
		Headers:     headers,
	}, nil
}

// send 有限次重试发送
func (p *Processor) send(ctx context.Context, msg *mailer.Message, log *zap.Logger) error {
	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.RetryDelay * time.Duration(attempt)
			log.Warn("Mail relay failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = p.relay.Send(ctx, msg)
		if err == nil {
			p.recordSend("ok")
			return nil
		}
		p.recordSend("error")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (p *Processor) release(ctx context.Context, job *domain.Job, log *zap.Logger, start time.Time) error {
	log.Warn("Processing interrupted, job returned to queue")
	if err := p.store.Release(job.ID); err != nil {
		log.Error("Failed to release job", zap.Error(err))
	}
	p.recordJob(string(job.Type), "released", start)
	return ctx.Err()
}

// finish 更新提交台账；worker 的 ctx 可能已取消，使用独立的短超时
func (p *Processor) finish(job *domain.Job, status domain.SubmissionStatus, attached, blocked int, cause error) {
	if p.ledger == nil || job.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := &domain.Submission{
		ID:          job.ID,
		Type:        job.Type,
		RequesterIP: job.RequesterIP,
		Status:      status,
		Attempts:    job.Attempts,
		Attached:    attached,
		Blocked:     blocked,
		Rejected:    len(job.Rejected),
		TicketRef:   job.TicketRef,
		CreatedAt:   job.SubmittedAt,
	}
	if cause != nil {
		sub.LastError = truncateError(cause.Error())
	}
	if err := p.ledger.SaveSubmission(ctx, sub); err != nil {
		p.logger.Warn("Failed to update submission ledger", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Processor) recordJob(form, outcome string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordJob(form, outcome, p.now().Sub(start))
	}
}

func (p *Processor) recordSend(result string) {
	if p.metrics != nil {
		p.metrics.RecordMailSend(result)
	}
}

func (p *Processor) recordAttachment(verdict string) {
	if p.metrics != nil {
		p.metrics.RecordAttachment(verdict)
	}
}

func truncateError(s string) string {
	const max = 1000
	if len(s) > max {
		return s[:max]
	}
	return s
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
