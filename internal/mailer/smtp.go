package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// 连接安全模式
const (
	SecurityNone     = "none"
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
)

// SMTPOptions SMTP 中继配置
type SMTPOptions struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Security  string
	HeloName  string
	Timeout   time.Duration
	TLSConfig *tls.Config // 为空时按 Host 校验证书
}

// SMTPRelay 通过认证的 SMTP 中继发送邮件
type SMTPRelay struct {
	opts   SMTPOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewSMTPRelay 创建 SMTP 中继
func NewSMTPRelay(opts SMTPOptions, logger *zap.Logger) *SMTPRelay {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HeloName == "" {
		opts.HeloName = "localhost"
	}
	if opts.Security == "" {
		opts.Security = SecurityStartTLS
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPRelay{opts: opts, logger: logger, now: time.Now}
}

// Send 组装并发送邮件，任何传输或认证错误都包装为 ErrRelay
func (r *SMTPRelay) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := Compose(msg, r.now())
	if err != nil {
		return err
	}

	c, err := r.dial()
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrRelay, r.addr(), err)
	}
	defer c.Close()

	c.CommandTimeout = r.opts.Timeout
	c.SubmissionTimeout = r.opts.Timeout

	// STARTTLS 升级后需要重新 EHLO，此时使用配置的主机名
	if err := c.Hello(r.opts.HeloName); err != nil {
		return fmt.Errorf("%w: hello: %v", ErrRelay, err)
	}
	if r.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.opts.Username, r.opts.Password)); err != nil {
			return fmt.Errorf("%w: auth: %v", ErrRelay, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.SendMail(msg.From.Email, msg.Recipients(), bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%w: send: %v", ErrRelay, err)
	}
	if err := c.Quit(); err != nil {
		r.logger.Debug("SMTP QUIT failed after successful send", zap.Error(err))
	}

	r.logger.Info("Message relayed",
		zap.String("relay", r.addr()),
		zap.Strings("to", msg.Recipients()),
		zap.Int("attachments", len(msg.Attachments)),
		zap.Int("bytes", len(raw)),
	)
	return nil
}

func (r *SMTPRelay) addr() string {
	return net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
}

func (r *SMTPRelay) tlsConfig() *tls.Config {
	if r.opts.TLSConfig != nil {
		return r.opts.TLSConfig
	}
	return &tls.Config{ServerName: r.opts.Host, MinVersion: tls.VersionTLS12}
}

// dial 建立连接；starttls 模式下返回时已完成 TLS 升级
func (r *SMTPRelay) dial() (*gosmtp.Client, error) {
	switch r.opts.Security {
	case SecurityTLS:
		return gosmtp.DialTLS(r.addr(), r.tlsConfig())
	case SecurityStartTLS:
		return gosmtp.DialStartTLS(r.addr(), r.tlsConfig())
	default:
		return gosmtp.Dial(r.addr())
	}
}
