package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/emersion/go-message/mail"
)

// ErrRelay 邮件中继发送失败
var ErrRelay = errors.New("mail relay error")

// Address 邮件地址
type Address struct {
	Name  string
	Email string
}

func (a Address) toMail() *mail.Address {
	return &mail.Address{Name: a.Name, Address: a.Email}
}

// FileAttachment 按路径附加的文件
type FileAttachment struct {
	Name        string // 收件人看到的文件名
	Path        string // 磁盘路径
	ContentType string // MIME 类型
}

// Message 待发送的邮件
type Message struct {
	From        Address
	To          []Address
	ReplyTo     *Address
	Subject     string
	Text        string
	HTML        string
	Attachments []FileAttachment
	Headers     map[string]string // 额外的邮件头，例如 X-Formrelay-Job
}

// Recipients 返回信封收件人
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To))
	for _, to := range m.To {
		out = append(out, to.Email)
	}
	return out
}

// Relay 邮件中继
type Relay interface {
	Send(ctx context.Context, msg *Message) error
}

// Compose 生成 multipart/mixed 邮件：text+HTML 的 alternative 正文加附件
func Compose(msg *Message, now time.Time) ([]byte, error) {
	if msg.From.Email == "" {
		return nil, errors.New("compose: missing sender")
	}
	if len(msg.To) == 0 {
		return nil, errors.New("compose: no recipients")
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{msg.From.toMail()})
	to := make([]*mail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, addr.toMail())
	}
	h.SetAddressList("To", to)
	if msg.ReplyTo != nil && msg.ReplyTo.Email != "" {
		h.SetAddressList("Reply-To", []*mail.Address{msg.ReplyTo.toMail()})
	}
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("compose: message id: %w", err)
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, msg.Headers[k])
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	if err := writeBody(mw, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: close: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBody(mw *mail.Writer, msg *Message) error {
	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("compose: inline: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		ih.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := tw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("compose: %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			w.Close()
			return fmt.Errorf("compose: write %s: %w", p.contentType, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("compose: close %s: %w", p.contentType, err)
		}
	}
	return tw.Close()
}

func writeAttachment(mw *mail.Writer, att FileAttachment) error {
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("compose: open attachment %q: %w", att.Name, err)
	}
	defer f.Close()

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var ah mail.AttachmentHeader
	ah.SetContentType(contentType, nil)
	ah.SetFilename(att.Name)
	ah.Set("Content-Transfer-Encoding", "base64")

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("compose: attachment %q: %w", att.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("compose: copy attachment %q: %w", att.Name, err)
	}
	return w.Close()
}
