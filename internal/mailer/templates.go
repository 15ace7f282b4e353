package mailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
	"unicode/utf8"
)

// maxDerivedSubject 从正文推导主题时的最大长度
const maxDerivedSubject = 78

// FormSubject 生成表单邮件主题："<FormName> Form: <subject>"
//
// subject 为空时取正文第一行非空文本。
func FormSubject(formName, subject, body string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DeriveSubject(body)
	}
	if subject == "" {
		subject = "(no subject)"
	}
	return formName + " Form: " + subject
}

// DeriveSubject 取正文第一行非空文本，截断到 78 个字符
func DeriveSubject(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxDerivedSubject {
			runes := []rune(line)
			line = strings.TrimSpace(string(runes[:maxDerivedSubject-3])) + "..."
		}
		return line
	}
	return ""
}

// Field 邮件正文中的一行字段
type Field struct {
	Label string
	Value string
}

// FileLine 附件处理结果
type FileLine struct {
	Name   string
	Detail string
}

// FormView 表单通知邮件的渲染数据
type FormView struct {
	FormName    string
	Fields      []Field
	Body        string
	SubmittedAt time.Time
	RequesterIP string
	JobID       string
	TicketRef   string
	Attached    []FileLine
	Blocked     []FileLine
	Warnings    []string
}

// LinkView magic link 邮件的渲染数据
type LinkView struct {
	Name      string
	TicketRef string
	Subject   string
	Link      string
	ExpiresAt time.Time
}

var textFuncs = texttemplate.FuncMap{"date": formatDate}
var htmlFuncs = htmltemplate.FuncMap{"date": formatDate, "lines": splitLines}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

var formText = texttemplate.Must(texttemplate.New("form").Funcs(textFuncs).Parse(`New {{.FormName}} form submission
{{range .Fields}}{{if .Value}}
{{.Label}}: {{.Value}}{{end}}{{end}}

{{.Body}}
{{if .Attached}}
Attachments:
{{range .Attached}}  - {{.Name}}{{if .Detail}} ({{.Detail}}){{end}}
{{end}}{{end}}{{if .Blocked}}
Not attached:
{{range .Blocked}}  - {{.Name}}: {{.Detail}}
{{end}}{{end}}{{if .Warnings}}
Warnings: {{range $i, $w := .Warnings}}{{if $i}}, {{end}}{{$w}}{{end}}
{{end}}
--
Submitted {{date .SubmittedAt}} from {{.RequesterIP}}{{if .TicketRef}}, ticket #{{.TicketRef}}{{end}}
Reference: {{.JobID}}
`))

var formHTML = htmltemplate.Must(htmltemplate.New("form").Funcs(htmlFuncs).Parse(`<!DOCTYPE html>
<html><body style="font-family:Arial,Helvetica,sans-serif;font-size:14px;color:#222">
<h2 style="margin:0 0 12px">New {{.FormName}} form submission</h2>
<table cellpadding="4" cellspacing="0" style="border-collapse:collapse">
{{range .Fields}}{{if .Value}}<tr><td style="font-weight:bold;vertical-align:top">{{.Label}}</td><td>{{.Value}}</td></tr>
{{end}}{{end}}</table>
<p>{{range $i, $l := lines .Body}}{{if $i}}<br>{{end}}{{$l}}{{end}}</p>
{{if .Attached}}<h3>Attachments</h3><ul>{{range .Attached}}<li>{{.Name}}{{if .Detail}} ({{.Detail}}){{end}}</li>{{end}}</ul>{{end}}
{{if .Blocked}}<h3>Not attached</h3><ul>{{range .Blocked}}<li>{{.Name}}: {{.Detail}}</li>{{end}}</ul>{{end}}
{{if .Warnings}}<p style="color:#a60"><strong>Warnings:</strong> {{range $i, $w := .Warnings}}{{if $i}}, {{end}}{{$w}}{{end}}</p>{{end}}
<p style="color:#888;font-size:12px">Submitted {{date .SubmittedAt}} from {{.RequesterIP}}{{if .TicketRef}}, ticket #{{.TicketRef}}{{end}}<br>Reference: {{.JobID}}</p>
</body></html>
`))

var linkText = texttemplate.Must(texttemplate.New("link").Funcs(textFuncs).Parse(`Hello{{if .Name}} {{.Name}}{{end}},

You can view the status of ticket #{{.TicketRef}}{{if .Subject}} ("{{.Subject}}"){{end}} here:

{{.Link}}

This link expires {{date .ExpiresAt}}. If you did not request it, you can ignore this email.
`))

var linkHTML = htmltemplate.Must(htmltemplate.New("link").Funcs(htmlFuncs).Parse(`<!DOCTYPE html>
<html><body style="font-family:Arial,Helvetica,sans-serif;font-size:14px;color:#222">
<p>Hello{{if .Name}} {{.Name}}{{end}},</p>
<p>You can view the status of ticket #{{.TicketRef}}{{if .Subject}} ("{{.Subject}}"){{end}} here:</p>
<p><a href="{{.Link}}">View ticket #{{.TicketRef}}</a></p>
<p style="color:#888;font-size:12px">This link expires {{date .ExpiresAt}}. If you did not request it, you can ignore this email.</p>
</body></html>
`))

var confirmText = texttemplate.Must(texttemplate.New("confirm").Funcs(textFuncs).Parse(`Hello{{if .Name}} {{.Name}}{{end}},

We received your support request and opened ticket #{{.TicketRef}}{{if .Subject}} ("{{.Subject}}"){{end}}.

Track its progress here:

{{.Link}}

This link expires {{date .ExpiresAt}}. You can request a new one from the ticket lookup page at any time.
`))

var confirmHTML = htmltemplate.Must(htmltemplate.New("confirm").Funcs(htmlFuncs).Parse(`<!DOCTYPE html>
<html><body style="font-family:Arial,Helvetica,sans-serif;font-size:14px;color:#222">
<p>Hello{{if .Name}} {{.Name}}{{end}},</p>
<p>We received your support request and opened ticket <strong>#{{.TicketRef}}</strong>{{if .Subject}} ("{{.Subject}}"){{end}}.</p>
<p><a href="{{.Link}}">Track ticket #{{.TicketRef}}</a></p>
<p style="color:#888;font-size:12px">This link expires {{date .ExpiresAt}}. You can request a new one from the ticket lookup page at any time.</p>
</body></html>
`))

// RenderForm 渲染表单通知邮件，返回 text 和 HTML 正文
func RenderForm(v FormView) (string, string, error) {
	return render(formText, formHTML, v)
}

// RenderMagicLink 渲染工单查询链接邮件
func RenderMagicLink(v LinkView) (string, string, error) {
	return render(linkText, linkHTML, v)
}

// RenderTicketConfirmation 渲染新建工单确认邮件
func RenderTicketConfirmation(v LinkView) (string, string, error) {
	return render(confirmText, confirmHTML, v)
}

func render(t *texttemplate.Template, h *htmltemplate.Template, data any) (string, string, error) {
	var text, html bytes.Buffer
	if err := t.Execute(&text, data); err != nil {
		return "", "", fmt.Errorf("render %s text: %w", t.Name(), err)
	}
	if err := h.Execute(&html, data); err != nil {
		return "", "", fmt.Errorf("render %s html: %w", h.Name(), err)
	}
	return text.String(), html.String(), nil
}
