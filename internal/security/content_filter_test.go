package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"formrelay/backend/internal/domain"
)

func TestContentFilterAssess(t *testing.T) {
	cf := NewContentFilter()

	tests := []struct {
		name     string
		fields   domain.FormFields
		expected []string
	}{
		{
			name:   "正常内容无标记",
			fields: domain.FormFields{Name: "Jane Doe", Subject: "Billing question", Message: "Please call me."},
		},
		{
			name:     "脚本注入",
			fields:   domain.FormFields{Message: `hi <script src="x.js"></script>`},
			expected: []string{FlagMarkup},
		},
		{
			name:     "垃圾关键词",
			fields:   domain.FormFields{Subject: "Congratulations winner", Message: "Act now to claim your lottery prize"},
			expected: []string{FlagSpamWords},
		},
		{
			name:     "链接过多",
			fields:   domain.FormFields{Issue: "http://a.example http://b.example https://c.example https://d.example"},
			expected: []string{FlagManyLinks},
		},
		{
			name:     "单行字段含邮件头",
			fields:   domain.FormFields{Name: "x bcc: victim@example.com", Message: "hello"},
			expected: []string{FlagHeaderChars},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cf.Assess(tt.fields))
		})
	}
}
