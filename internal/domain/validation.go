package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253

	// 表单字段长度上限（按 rune 计）
	MaxNameLength    = 200
	MaxCompanyLength = 200
	MaxSubjectLength = 200
	MaxPhoneLength   = 50
	MaxBodyLength    = 20000
)

// 字段名，与表单提交时的字段名一致
const (
	FieldName         = "name"
	FieldCompany      = "company"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldSubject      = "subject"
	FieldMessage      = "message"
	FieldIssue        = "issue"
	FieldTicketNumber = "ticket_number"
	FieldHoneypot     = "website_honeypot"
)

var (
	// 本地部分：允许常见的 atext 字符
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9!#$%&'*+/=?^_{|}~-]+(\.[a-zA-Z0-9!#$%&'*+/=?^_{|}~-]+)*$`)

	// 域名验证（支持子域名，至少两级）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
)

// ValidationError 表单校验错误，Fields 为字段名到原因的映射
type ValidationError struct {
	Fields map[string]string
}

// Error 实现 error 接口
func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Add 记录一个字段错误（同一字段只保留第一个原因）
func (e *ValidationError) Add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = reason
	}
}

// OrNil 没有字段错误时返回 nil
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// EmailValidator 邮箱验证器
type EmailValidator struct{}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 完整验证邮箱地址
func (v *EmailValidator) ValidateEmail(email string) error {
	email = strings.TrimSpace(email)

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	// 只接受纯地址，不接受 "Name <addr>" 形式
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ErrInvalidEmail
	}

	if err := v.ValidateLocalPart(email[:at]); err != nil {
		return err
	}
	return v.ValidateDomain(email[at+1:])
}

// ValidateLocalPart 验证邮箱本地部分
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateEmail 简化的布尔版本
func ValidateEmail(email string) bool {
	return NewEmailValidator().ValidateEmail(email) == nil
}

// CleanLine 清洗单行字段：删除控制字符，连续空白（含换行）折叠为一个空格
func CleanLine(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(truncateRunes(strings.Join(strings.Fields(s), " "), max))
}

// CleanText 清洗多行字段：保留换行和制表符，统一换行符
func CleanText(s string, max int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return truncateRunes(strings.TrimSpace(s), max)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}

// Normalize 返回清洗后的字段
func (f FormFields) Normalize() FormFields {
	return FormFields{
		Name:    CleanLine(f.Name, MaxNameLength),
		Company: CleanLine(f.Company, MaxCompanyLength),
		Email:   CleanLine(f.Email, MaxEmailLength),
		Phone:   CleanLine(f.Phone, MaxPhoneLength),
		Subject: CleanLine(f.Subject, MaxSubjectLength),
		Message: CleanText(f.Message, MaxBodyLength),
		Issue:   CleanText(f.Issue, MaxBodyLength),
	}
}

// RequiredFields 各表单类型的必填字段
func RequiredFields(t FormType) []string {
	switch t {
	case FormContact:
		return []string{FieldName, FieldEmail, FieldSubject, FieldMessage}
	case FormHelpdesk:
		return []string{FieldName, FieldEmail, FieldIssue}
	default:
		return []string{FieldName, FieldEmail}
	}
}

// Value 按字段名取值
func (f FormFields) Value(field string) string {
	switch field {
	case FieldName:
		return f.Name
	case FieldCompany:
		return f.Company
	case FieldEmail:
		return f.Email
	case FieldPhone:
		return f.Phone
	case FieldSubject:
		return f.Subject
	case FieldMessage:
		return f.Message
	case FieldIssue:
		return f.Issue
	}
	return ""
}

// Require 检查必填字段（应在 Normalize 之后调用），邮箱同时做语法校验
func (f FormFields) Require(fields ...string) error {
	verr := &ValidationError{}
	for _, field := range fields {
		if f.Value(field) == "" {
			verr.Add(field, "required")
		}
	}
	if f.Email != "" && !ValidateEmail(f.Email) {
		verr.Add(FieldEmail, "invalid")
	}
	return verr.OrNil()
}

// ValidateFor 按表单类型校验
func (f FormFields) ValidateFor(t FormType) error {
	return f.Require(RequiredFields(t)...)
}
