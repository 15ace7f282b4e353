// Package mailtest 提供一个捕获邮件的本地 SMTP 服务器，用于测试邮件发送
package mailtest

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// Attachment 解析出的附件
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message 服务器收到的一封邮件
type Message struct {
	From        string
	To          []string
	Raw         []byte
	Subject     string
	ReplyTo     string
	Header      mail.Header
	Text        string
	HTML        string
	Attachments []Attachment
	TLS         bool // DATA 是否在 TLS 连接上收到
}

// Server 捕获邮件的 SMTP 服务器
type Server struct {
	Host string
	Port int

	srv      *gosmtp.Server
	ln       net.Listener
	username string
	password string
	tls      *tls.Config
	failures atomic.Int32

	mu       sync.Mutex
	messages []*Message
	notify   chan struct{}
}

// Option 服务器选项
type Option func(*Server)

// WithAuth 要求 PLAIN 认证
func WithAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithTLS 通过 STARTTLS 提供 TLS
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tls = cfg
	}
}

// NewServer 在 127.0.0.1 的随机端口启动服务器
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{notify: make(chan struct{}, 64)}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	s.ln = ln
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.srv = gosmtp.NewServer(&backend{server: s})
	s.srv.Domain = "localhost"
	s.srv.AllowInsecureAuth = true
	s.srv.ReadTimeout = 10 * time.Second
	s.srv.WriteTimeout = 10 * time.Second
	s.srv.MaxMessageBytes = 64 << 20
	s.srv.TLSConfig = s.tls

	go s.srv.Serve(ln)
	return s, nil
}

// Close 关闭服务器；Serve 尚未登记监听器时也会关闭它
func (s *Server) Close() error {
	err := s.srv.Close()
	if lerr := s.ln.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	return err
}

// FailNext 让接下来 n 次 DATA 返回临时错误
func (s *Server) FailNext(n int) {
	s.failures.Store(int32(n))
}

// Messages 返回已收到的邮件
func (s *Server) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.messages...)
}

// WaitForMessages 等待至少 n 封邮件，超时返回当前收到的邮件
func (s *Server) WaitForMessages(n int, timeout time.Duration) []*Message {
	deadline := time.After(timeout)
	for {
		msgs := s.Messages()
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-s.notify:
		case <-deadline:
			return s.Messages()
		}
	}
}

func (s *Server) store(msg *Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

type backend struct {
	server *Server
}

// NewSession 创建新的 SMTP 会话
func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{server: b.server, conn: c}, nil
}

type session struct {
	server        *Server
	conn          *gosmtp.Conn
	authenticated bool
	from          string
	to            []string
}

// AuthMechanisms 支持的认证方式
func (s *session) AuthMechanisms() []string {
	if s.server.username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth 处理 AUTH 命令
func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.server.username || password != s.server.password {
			return errors.New("invalid credentials")
		}
		s.authenticated = true
		return nil
	}), nil
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.server.username != "" && !s.authenticated {
		return gosmtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, strings.Trim(strings.TrimSpace(to), "<>"))
	return nil
}

// Data 读取并解析邮件内容
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	if s.server.failures.Load() > 0 {
		s.server.failures.Add(-1)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure",
		}
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "unparseable message: " + err.Error(),
		}
	}
	msg.From = s.from
	msg.To = append([]string(nil), s.to...)
	_, msg.TLS = s.conn.TLSConnectionState()
	s.server.store(msg)
	return nil
}

// Reset 重置状态
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout 会话结束
func (s *session) Logout() error {
	return nil
}

// ParseMessage 解析 MIME 邮件，提取正文和附件
func ParseMessage(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}
	defer mr.Close()

	msg := &Message{Raw: raw, Header: mr.Header}
	msg.Subject, _ = mr.Header.Subject()
	if replyTo, err := mr.Header.AddressList("Reply-To"); err == nil && len(replyTo) > 0 {
		msg.ReplyTo = replyTo[0].Address
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read part body: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if contentType == "text/html" {
				msg.HTML += string(body)
			} else {
				msg.Text += string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     body,
			})
		}
	}
	return msg, nil
}
