package service

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/mailer"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/pool"
	"formrelay/backend/internal/storage"
	"formrelay/backend/internal/syncro"
	"formrelay/backend/internal/token"
)

// maxLookupLinks 一次查询最多发送的链接数
const maxLookupLinks = 5

var (
	// ErrTicketsDisabled 未配置工单系统
	ErrTicketsDisabled = errors.New("ticket integration is not configured")
	// ErrTicketAccess 令牌与工单不匹配
	ErrTicketAccess = errors.New("token does not grant access to this ticket")
)

// TicketAPI 工单系统接口，由 *syncro.Client 实现
type TicketAPI interface {
	FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, cust domain.Customer) (*domain.Customer, error)
	CreateTicket(ctx context.Context, in syncro.NewTicket) (*domain.Ticket, error)
	ListTicketsByCustomer(ctx context.Context, customerID int64) ([]domain.Ticket, error)
	GetTicketByNumber(ctx context.Context, number string) (*domain.Ticket, error)
}

// TicketConfig 工单服务配置
type TicketConfig struct {
	From           mailer.Address
	StatusURL      string        // 状态页地址，令牌作为 tkn 参数追加
	LookupCooldown time.Duration // 相同查询的冷却时间，0 表示不限制
}

// LookupInput 查询请求
type LookupInput struct {
	Email        string
	TicketNumber string
	RequesterIP  string
}

// CreateInput 新建工单请求
type CreateInput struct {
	Fields      domain.FormFields
	Honeypot    string
	RequesterIP string
	UserAgent   string
	Files       []*multipart.FileHeader
}

// CreateResult 新建工单结果
type CreateResult struct {
	PublicRef string             `json:"public_ref,omitempty"`
	ID        int64              `json:"id,omitempty"`
	JobID     string             `json:"job_id,omitempty"`
	Staged    int                `json:"staged"`
	Rejected  []domain.Rejection `json:"rejected,omitempty"`
	Spam      bool               `json:"-"`
}

// TicketStatus 对外展示的工单状态
type TicketStatus struct {
	Number    string          `json:"public_ref"`
	Subject   string          `json:"subject"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Comments  []PublicComment `json:"comments"`
}

// PublicComment 公开评论
type PublicComment struct {
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketService 工单查询、创建与状态页
type TicketService struct {
	api     TicketAPI
	issuer  *token.Issuer
	relay   mailer.Relay
	forms   *FormService
	workers *pool.WorkerPool
	once    storage.OnceRepository
	metrics *monitoring.Metrics
	logger  *zap.Logger
	cfg     TicketConfig
}

// NewTicketService 创建工单服务；api 为 nil 时所有操作返回 ErrTicketsDisabled
func NewTicketService(
	api TicketAPI,
	issuer *token.Issuer,
	relay mailer.Relay,
	forms *FormService,
	workers *pool.WorkerPool,
	once storage.OnceRepository,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	cfg TicketConfig,
) *TicketService {
	return &TicketService{
		api:     api,
		issuer:  issuer,
		relay:   relay,
		forms:   forms,
		workers: workers,
		once:    once,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Enabled 是否可用
func (s *TicketService) Enabled() bool { return s.api != nil }

// Lookup 按邮箱（和可选的工单号）发送状态链接
//
// 无论是否存在匹配的工单都返回 nil，调用方只能看到中性的结果。
// 只有邮箱格式错误时返回 *domain.ValidationError。
func (s *TicketService) Lookup(ctx context.Context, in LookupInput) error {
	if !s.Enabled() {
		return ErrTicketsDisabled
	}

	email := strings.ToLower(domain.CleanLine(in.Email, domain.MaxEmailLength))
	number := strings.TrimPrefix(domain.CleanLine(in.TicketNumber, 32), "#")
	if err := (domain.FormFields{Email: email}).Require(domain.FieldEmail); err != nil {
		s.recordTicket("lookup", "invalid")
		return err
	}

	if s.once != nil && s.cfg.LookupCooldown > 0 {
		fresh, err := s.once.MarkOnce(ctx, "lookup:"+email+":"+number, s.cfg.LookupCooldown)
		if err != nil {
			s.logger.Warn("Lookup cooldown unavailable", zap.Error(err))
		} else if !fresh {
			s.recordTicket("lookup", "cooldown")
			s.logger.Info("Ticket lookup suppressed by cooldown", zap.String("ip", in.RequesterIP))
			return nil
		}
	}

	task := func(ctx context.Context) error { return s.sendLinks(ctx, email, number) }
	if !s.workers.TrySubmit("ticket-lookup", task) {
		s.recordTicket("lookup", "dropped")
		s.logger.Warn("Worker pool full, ticket lookup dropped", zap.String("ip", in.RequesterIP))
		return nil
	}
	s.recordTicket("lookup", "accepted")
	return nil
}

// sendLinks 在后台查找工单并逐个发送链接
func (s *TicketService) sendLinks(ctx context.Context, email, number string) error {
	cust, err := s.api.FindCustomerByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find customer: %w", err)
	}
	if cust == nil {
		s.logger.Debug("Ticket lookup: no customer for email")
		return nil
	}

	var tickets []domain.Ticket
	if number != "" {
		t, err := s.api.GetTicketByNumber(ctx, number)
		if errors.Is(err, domain.ErrTicketNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get ticket %s: %w", number, err)
		}
		if !ownsTicket(t, cust, email) {
			return nil
		}
		tickets = []domain.Ticket{*t}
	} else {
		tickets, err = s.api.ListTicketsByCustomer(ctx, cust.ID)
		if err != nil {
			return fmt.Errorf("list tickets: %w", err)
		}
		if len(tickets) > maxLookupLinks {
			tickets = tickets[:maxLookupLinks]
		}
	}

	for _, t := range tickets {
		if err := s.sendLink(ctx, email, cust.FirstName, &t, mailer.RenderMagicLink, "Your ticket #%s status link"); err != nil {
			return err
		}
	}
	s.logger.Info("Ticket lookup links sent", zap.Int("count", len(tickets)))
	return nil
}

type linkRenderer func(mailer.LinkView) (string, string, error)

func (s *TicketService) sendLink(ctx context.Context, email, name string, t *domain.Ticket, render linkRenderer, subject string) error {
	tkn, exp, err := s.issuer.Issue(email, t.Number, 0)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	text, html, err := render(mailer.LinkView{
		Name:      name,
		TicketRef: t.Number,
		Subject:   t.Subject,
		Link:      s.statusLink(tkn),
		ExpiresAt: exp,
	})
	if err != nil {
		return err
	}
	err = s.relay.Send(ctx, &mailer.Message{
		From:    s.cfg.From,
		To:      []mailer.Address{{Name: name, Email: email}},
		Subject: fmt.Sprintf(subject, t.Number),
		Text:    text,
		HTML:    html,
	})
	if s.metrics != nil {
		s.metrics.RecordMailSend(resultLabel(err))
	}
	if err != nil {
		return fmt.Errorf("send link for ticket %s: %w", t.Number, err)
	}
	return nil
}

func (s *TicketService) statusLink(tkn string) string {
	sep := "?"
	if strings.Contains(s.cfg.StatusURL, "?") {
		sep = "&"
	}
	return s.cfg.StatusURL + sep + "tkn=" + url.QueryEscape(tkn)
}

// Create 新建工单
//
// 客户不存在时先创建客户；有附件时以 helpdesk job 的形式入队，附件经扫描后发给工作人员。
func (s *TicketService) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if !s.Enabled() {
		return nil, ErrTicketsDisabled
	}
	if strings.TrimSpace(in.Honeypot) != "" {
		s.recordTicket("create", "spam")
		s.logger.Info("Honeypot triggered, ticket not created", zap.String("ip", in.RequesterIP))
		return &CreateResult{Spam: true}, nil
	}

	fields := in.Fields.Normalize()
	fields.Email = strings.ToLower(fields.Email)
	if err := fields.Require(domain.FieldName, domain.FieldEmail, domain.FieldSubject, domain.FieldIssue); err != nil {
		s.recordTicket("create", "invalid")
		return nil, err
	}

	cust, err := s.findOrCreateCustomer(ctx, fields)
	if err != nil {
		s.recordTicket("create", "error")
		return nil, err
	}

	ticket, err := s.api.CreateTicket(ctx, syncro.NewTicket{
		CustomerID: cust.ID,
		Subject:    fields.Subject,
		Body:       fields.Issue,
	})
	if err != nil {
		s.recordTicket("create", "error")
		s.logger.Error("Failed to create ticket", zap.Int64("customer_id", cust.ID), zap.Error(err))
		return nil, err
	}
	s.recordTicket("create", "ok")
	s.logger.Info("Ticket created",
		zap.String("public_ref", ticket.Number),
		zap.Int64("ticket_id", ticket.ID),
		zap.String("ip", in.RequesterIP),
	)

	res := &CreateResult{PublicRef: ticket.Number, ID: ticket.ID}

	if len(in.Files) > 0 && s.forms != nil {
		sub, err := s.forms.Submit(ctx, SubmitInput{
			Type:        domain.FormHelpdesk,
			Fields:      fields,
			RequesterIP: in.RequesterIP,
			UserAgent:   in.UserAgent,
			Files:       in.Files,
			TicketRef:   ticket.Number,
		})
		if err != nil {
			s.logger.Error("Failed to queue ticket attachments",
				zap.String("public_ref", ticket.Number),
				zap.Error(err),
			)
		} else {
			res.JobID = sub.JobID
			res.Staged = sub.Staged
			res.Rejected = sub.Rejected
		}
	}

	confirm := *ticket
	name := cust.FirstName
	task := func(ctx context.Context) error {
		return s.sendLink(ctx, fields.Email, name, &confirm, mailer.RenderTicketConfirmation, "Ticket #%s received")
	}
	if !s.workers.TrySubmit("ticket-confirmation", task) {
		s.logger.Warn("Worker pool full, ticket confirmation not sent", zap.String("public_ref", ticket.Number))
	}

	return res, nil
}

func (s *TicketService) findOrCreateCustomer(ctx context.Context, f domain.FormFields) (*domain.Customer, error) {
	cust, err := s.api.FindCustomerByEmail(ctx, f.Email)
	if err != nil {
		s.logger.Error("Failed to look up customer", zap.Error(err))
		return nil, err
	}
	if cust != nil {
		return cust, nil
	}

	first, last := splitName(f.Name)
	cust, err = s.api.CreateCustomer(ctx, domain.Customer{
		Email:        f.Email,
		FirstName:    first,
		LastName:     last,
		BusinessName: f.Company,
	})
	if err != nil {
		s.logger.Error("Failed to create customer", zap.Error(err))
		return nil, err
	}
	s.logger.Info("Customer created", zap.Int64("customer_id", cust.ID))
	return cust, nil
}

// Status 校验令牌并返回工单状态（仅公开评论）
func (s *TicketService) Status(ctx context.Context, tkn string) (*TicketStatus, error) {
	if !s.Enabled() {
		return nil, ErrTicketsDisabled
	}

	claims, err := s.issuer.Verify(tkn)
	if err != nil {
		s.recordTicket("status", "invalid_token")
		return nil, err
	}

	t, err := s.api.GetTicketByNumber(ctx, claims.PublicRef)
	if err != nil {
		if errors.Is(err, domain.ErrTicketNotFound) {
			s.recordTicket("status", "not_found")
		} else {
			s.recordTicket("status", "error")
			s.logger.Error("Failed to fetch ticket", zap.String("public_ref", claims.PublicRef), zap.Error(err))
		}
		return nil, err
	}

	if t.CustomerEmail == "" {
		// 工单响应不含客户邮箱时，按客户 ID 比对
		cust, err := s.api.FindCustomerByEmail(ctx, claims.Email)
		if err != nil {
			s.recordTicket("status", "error")
			return nil, err
		}
		if !ownsTicket(t, cust, claims.Email) {
			s.recordTicket("status", "forbidden")
			return nil, ErrTicketAccess
		}
	} else if !strings.EqualFold(t.CustomerEmail, claims.Email) {
		s.recordTicket("status", "forbidden")
		s.logger.Warn("Token email does not match ticket customer", zap.String("public_ref", t.Number))
		return nil, ErrTicketAccess
	}

	comments := t.PublicComments()
	out := &TicketStatus{
		Number:    t.Number,
		Subject:   t.Subject,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Comments:  make([]PublicComment, 0, len(comments)),
	}
	for _, c := range comments {
		out.Comments = append(out.Comments, PublicComment{
			Subject:   c.Subject,
			Body:      c.Body,
			Author:    c.Tech,
			CreatedAt: c.CreatedAt,
		})
	}
	s.recordTicket("status", "ok")
	return out, nil
}

func (s *TicketService) recordTicket(op, result string) {
	if s.metrics != nil {
		s.metrics.RecordTicketRequest(op, result)
	}
}

// ownsTicket 工单是否属于该客户
func ownsTicket(t *domain.Ticket, cust *domain.Customer, email string) bool {
	if t.CustomerEmail != "" {
		return strings.EqualFold(t.CustomerEmail, email)
	}
	return cust != nil && cust.ID != 0 && t.CustomerID == cust.ID
}

// splitName "Ada King Lovelace" → ("Ada", "King Lovelace")
func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// resultLabel 指标的结果标签
func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
