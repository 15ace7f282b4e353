package domain

import "time"

// MagicLinkClaims magic link 令牌携带的声明
type MagicLinkClaims struct {
	Email     string `json:"email"`
	PublicRef string `json:"public_ref"`
	Exp       int64  `json:"exp"` // Unix 秒
}

// Expired 令牌是否已过期
func (c MagicLinkClaims) Expired(now time.Time) bool {
	return now.Unix() >= c.Exp
}

// Customer 工单系统中的客户
type Customer struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	FirstName    string `json:"firstname"`
	LastName     string `json:"lastname"`
	BusinessName string `json:"business_name,omitempty"`
}

// Ticket 工单
type Ticket struct {
	ID            int64           `json:"id"`
	Number        string          `json:"number"` // 对外展示的编号（public ref）
	Subject       string          `json:"subject"`
	Status        string          `json:"status"`
	CustomerID    int64           `json:"customer_id"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Comments      []TicketComment `json:"comments,omitempty"`
}

// TicketComment 工单评论
type TicketComment struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Tech      string    `json:"tech,omitempty"`
	Hidden    bool      `json:"hidden"`
	CreatedAt time.Time `json:"created_at"`
}

// PublicComments 过滤掉内部评论
func (t *Ticket) PublicComments() []TicketComment {
	out := make([]TicketComment, 0, len(t.Comments))
	for _, c := range t.Comments {
		if !c.Hidden {
			out = append(out, c)
		}
	}
	return out
}
