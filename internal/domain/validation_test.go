package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected bool
	}{
		{"Valid email", "test@example.com", true},
		{"Valid email with subdomain", "user@mail.example.com", true},
		{"Valid short local part", "jo@example.com", true},
		{"Valid email with dots", "user.name@example.com", true},
		{"Valid email with plus", "user+tag@example.com", true},
		{"Invalid email - no @", "testexample.com", false},
		{"Invalid email - no domain", "test@", false},
		{"Invalid email - no local part", "@example.com", false},
		{"Invalid email - multiple @", "test@@example.com", false},
		{"Invalid email - empty", "", false},
		{"Invalid email - spaces", "test @example.com", false},
		{"Invalid email - single label domain", "test@localhost", false},
		{"Invalid email - display name", "Jane <jane@example.com>", false},
		{"Invalid email - header injection", "jane@example.com\r\nBcc: x@y.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateEmail(tt.email))
		})
	}
}

func TestEmailValidatorErrors(t *testing.T) {
	v := NewEmailValidator()

	assert.ErrorIs(t, v.ValidateEmail(strings.Repeat("a", 250)+"@example.com"), ErrEmailTooLong)
	assert.ErrorIs(t, v.ValidateEmail(strings.Repeat("a", 65)+"@example.com"), ErrLocalPartTooLong)
	assert.ErrorIs(t, v.ValidateDomain("-bad.example.com"), ErrInvalidDomain)
	assert.NoError(t, v.ValidateEmail("jane@example.com"))
}

func TestCleanLine(t *testing.T) {
	assert.Equal(t, "Billing question", CleanLine("  Billing question \n", 200))
	assert.Equal(t, "a b", CleanLine("a\r\nb", 200))
	assert.Equal(t, "Acme Ltd", CleanLine("Acme \t\t  Ltd", 200))
	assert.Equal(t, "one two", CleanLine("one\n\n\ntwo\n", 200))
	assert.Equal(t, "ab", CleanLine("a\x00b", 200))
	assert.Equal(t, "héll", CleanLine("héllo", 4))
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "line1\nline2", CleanText("line1\r\nline2\x07", 100))
	assert.Equal(t, "tab\there", CleanText("  tab\there  ", 100))
}

func TestFormFieldsValidateFor(t *testing.T) {
	tests := []struct {
		name    string
		form    FormType
		fields  FormFields
		missing []string
	}{
		{
			name:   "完整的联系表单",
			form:   FormContact,
			fields: FormFields{Name: "Jane Doe", Email: "jane@example.com", Subject: "Billing question", Message: "Please call me."},
		},
		{
			name:    "联系表单缺少主题和正文",
			form:    FormContact,
			fields:  FormFields{Name: "Jane Doe", Email: "jane@example.com"},
			missing: []string{FieldSubject, FieldMessage},
		},
		{
			name:   "服务台表单不需要主题",
			form:   FormHelpdesk,
			fields: FormFields{Name: "Jane Doe", Email: "jane@example.com", Issue: "Printer on fire"},
		},
		{
			name:    "只有空白的字段视为缺失",
			form:    FormHelpdesk,
			fields:  FormFields{Name: "   ", Email: "jane@example.com", Issue: "\n\t"},
			missing: []string{FieldName, FieldIssue},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fields.Normalize().ValidateFor(tt.form)
			if len(tt.missing) == 0 {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			for _, field := range tt.missing {
				assert.Equal(t, "required", verr.Fields[field])
			}
			assert.Len(t, verr.Fields, len(tt.missing))
		})
	}
}

func TestFormFieldsInvalidEmail(t *testing.T) {
	fields := FormFields{Name: "Jane", Email: "not-an-email", Issue: "help"}
	err := fields.ValidateFor(FormHelpdesk)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "invalid", verr.Fields[FieldEmail])
	assert.Contains(t, err.Error(), "email: invalid")
}

func TestJobID(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)
	a := NewJobID(now)
	b := NewJobID(now)

	assert.True(t, IsJobID(a))
	assert.True(t, strings.HasPrefix(a, "20240305T102030Z-"))
	assert.NotEqual(t, a, b)

	assert.False(t, IsJobID("../../etc/passwd"))
	assert.False(t, IsJobID("20240305T102030Z-XYZ"))
}

func TestJobValidate(t *testing.T) {
	job := &Job{ID: NewJobID(time.Now()), Type: FormContact, Fields: FormFields{Email: "a@example.com"}}
	assert.NoError(t, job.Validate())

	job.Type = "newsletter"
	assert.ErrorIs(t, job.Validate(), ErrMalformedJob)
}

func TestTicketPublicComments(t *testing.T) {
	ticket := &Ticket{Comments: []TicketComment{
		{ID: 1, Body: "visible"},
		{ID: 2, Body: "internal note", Hidden: true},
	}}

	public := ticket.PublicComments()
	require.Len(t, public, 1)
	assert.Equal(t, int64(1), public[0].ID)
}

func TestMagicLinkClaimsExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, MagicLinkClaims{Exp: 1001}.Expired(now))
	assert.True(t, MagicLinkClaims{Exp: 1000}.Expired(now))
}
