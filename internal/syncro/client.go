// Package syncro 是 Syncro 工单系统 REST API 的客户端
package syncro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"formrelay/backend/internal/domain"
)

// ErrAPI Syncro API 返回错误
var ErrAPI = errors.New("syncro api error")

// maxErrorBody 错误响应中保留的最大字节数
const maxErrorBody = 512

// APIError 非 2xx 响应
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("syncro api error: status %d: %s", e.Status, e.Body)
}

// Unwrap 支持 errors.Is(err, ErrAPI)
func (e *APIError) Unwrap() error { return ErrAPI }

// Options 客户端配置
type Options struct {
	BaseURL     string
	APIToken    string
	Timeout     time.Duration
	ProblemType string
	HTTPClient  *http.Client
}

// Client Syncro API 客户端
type Client struct {
	baseURL     string
	token       string
	problemType string
	httpClient  *http.Client
}

// NewClient 创建客户端
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	problemType := opts.ProblemType
	if problemType == "" {
		problemType = "Other"
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.APIToken,
		problemType: problemType,
		httpClient:  httpClient,
	}
}

// 线上 JSON 结构
type customerWire struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	FirstName    string `json:"firstname"`
	LastName     string `json:"lastname"`
	BusinessName string `json:"business_name,omitempty"`
}

type commentWire struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Tech      string    `json:"tech"`
	Hidden    bool      `json:"hidden"`
	CreatedAt time.Time `json:"created_at"`
}

type ticketWire struct {
	ID         int64         `json:"id"`
	Number     json.Number   `json:"number"`
	Subject    string        `json:"subject"`
	Status     string        `json:"status"`
	CustomerID int64         `json:"customer_id"`
	Customer   *customerWire `json:"customer,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Comments   []commentWire `json:"comments"`
}

func (w ticketWire) toDomain() domain.Ticket {
	t := domain.Ticket{
		ID:         w.ID,
		Number:     w.Number.String(),
		Subject:    w.Subject,
		Status:     w.Status,
		CustomerID: w.CustomerID,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
	if w.Customer != nil {
		t.CustomerEmail = w.Customer.Email
	}
	for _, c := range w.Comments {
		t.Comments = append(t.Comments, domain.TicketComment{
			ID:        c.ID,
			Subject:   c.Subject,
			Body:      c.Body,
			Tech:      c.Tech,
			Hidden:    c.Hidden,
			CreatedAt: c.CreatedAt,
		})
	}
	return t
}

func (w customerWire) toDomain() domain.Customer {
	return domain.Customer{
		ID:           w.ID,
		Email:        w.Email,
		FirstName:    w.FirstName,
		LastName:     w.LastName,
		BusinessName: w.BusinessName,
	}
}

// FindCustomerByEmail 按邮箱查找客户，不存在时返回 nil, nil
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	var resp struct {
		Customers []customerWire `json:"customers"`
	}
	q := url.Values{"email": {email}}
	if err := c.do(ctx, http.MethodGet, "/customers", q, nil, &resp); err != nil {
		return nil, err
	}
	for _, cust := range resp.Customers {
		if strings.EqualFold(cust.Email, email) {
			found := cust.toDomain()
			return &found, nil
		}
	}
	return nil, nil
}

// CreateCustomer 创建客户
func (c *Client) CreateCustomer(ctx context.Context, cust domain.Customer) (*domain.Customer, error) {
	body := customerWire{
		Email:        cust.Email,
		FirstName:    cust.FirstName,
		LastName:     cust.LastName,
		BusinessName: cust.BusinessName,
	}
	var resp struct {
		Customer customerWire `json:"customer"`
	}
	if err := c.do(ctx, http.MethodPost, "/customers", nil, body, &resp); err != nil {
		return nil, err
	}
	created := resp.Customer.toDomain()
	return &created, nil
}

// NewTicket 新建工单参数
type NewTicket struct {
	CustomerID int64
	Subject    string
	Body       string
}

// CreateTicket 创建工单，初始描述作为公开评论
func (c *Client) CreateTicket(ctx context.Context, in NewTicket) (*domain.Ticket, error) {
	body := map[string]any{
		"customer_id":  in.CustomerID,
		"subject":      in.Subject,
		"problem_type": c.problemType,
		"status":       "New",
		"comments_attributes": []map[string]any{{
			"subject":      "Initial Issue",
			"body":         in.Body,
			"hidden":       false,
			"do_not_email": true,
		}},
	}
	var resp struct {
		Ticket ticketWire `json:"ticket"`
	}
	if err := c.do(ctx, http.MethodPost, "/tickets", nil, body, &resp); err != nil {
		return nil, err
	}
	t := resp.Ticket.toDomain()
	return &t, nil
}

// ListTicketsByCustomer 列出客户的工单，最新的在前
func (c *Client) ListTicketsByCustomer(ctx context.Context, customerID int64) ([]domain.Ticket, error) {
	var resp struct {
		Tickets []ticketWire `json:"tickets"`
	}
	q := url.Values{"customer_id": {strconv.FormatInt(customerID, 10)}}
	if err := c.do(ctx, http.MethodGet, "/tickets", q, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Ticket, 0, len(resp.Tickets))
	for _, w := range resp.Tickets {
		if w.CustomerID != 0 && w.CustomerID != customerID {
			continue
		}
		out = append(out, w.toDomain())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetTicketByNumber 按对外编号查找工单（包含评论）
func (c *Client) GetTicketByNumber(ctx context.Context, number string) (*domain.Ticket, error) {
	var resp struct {
		Tickets []ticketWire `json:"tickets"`
	}
	q := url.Values{"number": {number}}
	if err := c.do(ctx, http.MethodGet, "/tickets", q, nil, &resp); err != nil {
		return nil, err
	}
	for _, w := range resp.Tickets {
		if w.Number.String() == number {
			return c.GetTicket(ctx, w.ID)
		}
	}
	return nil, domain.ErrTicketNotFound
}

// GetTicket 按内部 ID 获取工单（包含评论）
func (c *Client) GetTicket(ctx context.Context, id int64) (*domain.Ticket, error) {
	var resp struct {
		Ticket ticketWire `json:"ticket"`
	}
	err := c.do(ctx, http.MethodGet, "/tickets/"+strconv.FormatInt(id, 10), nil, nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, domain.ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	t := resp.Ticket.toDomain()
	return &t, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrAPI, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrAPI, method, path, err)
	}
	return nil
}
