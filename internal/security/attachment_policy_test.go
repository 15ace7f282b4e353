package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/domain"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestNewAttachmentPolicyDefaults(t *testing.T) {
	p := NewAttachmentPolicy(0, 0, nil)

	assert.Equal(t, DefaultMaxFiles, p.MaxFiles())
	assert.Equal(t, int64(DefaultMaxFileBytes), p.MaxFileBytes())
	assert.True(t, p.CheckSize(DefaultMaxFileBytes))
	assert.False(t, p.CheckSize(DefaultMaxFileBytes+1))
}

func TestCheckExtension(t *testing.T) {
	p := NewAttachmentPolicy(5, 1024, []string{"pdf", ".PNG", "docx"})

	tests := []struct {
		name     string
		filename string
		expected bool
	}{
		{"小写扩展名", "report.pdf", true},
		{"大写扩展名", "SCAN.PDF", true},
		{"带点配置的扩展名", "photo.png", true},
		{"不在白名单", "setup.exe", false},
		{"双扩展名", "invoice.pdf.exe", false},
		{"无扩展名", "README", false},
		{"扩展名作为前缀", "file.docxx", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.CheckExtension(tt.filename))
		})
	}
}

func TestCheckFile(t *testing.T) {
	p := NewAttachmentPolicy(0, 0, nil)
	dir := t.TempDir()

	t.Run("PDF 内容通过", func(t *testing.T) {
		path := writeFile(t, dir, "doc.pdf", []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n"))
		detected, reason, _ := p.CheckFile(path, "doc.pdf")
		assert.Empty(t, reason)
		assert.Equal(t, "application/pdf", detected)
	})

	t.Run("纯文本通过", func(t *testing.T) {
		path := writeFile(t, dir, "notes.txt", []byte("hello there\nsecond line\n"))
		detected, reason, _ := p.CheckFile(path, "notes.txt")
		assert.Empty(t, reason)
		assert.Equal(t, "text/plain", detected)
	})

	t.Run("伪装成 PDF 的 exe 被拒绝", func(t *testing.T) {
		content := append([]byte{0x4D, 0x5A, 0x90, 0x00}, make([]byte, 256)...)
		path := writeFile(t, dir, "invoice.pdf", content)
		detected, reason, detail := p.CheckFile(path, "invoice.pdf")
		assert.Equal(t, domain.RejectMIME, reason)
		assert.Equal(t, "application/x-msdownload", detected)
		assert.Contains(t, detail, "application/x-msdownload")
	})

	t.Run("ELF 被拒绝", func(t *testing.T) {
		path := writeFile(t, dir, "image.png", []byte{0x7F, 0x45, 0x4C, 0x46, 0x02, 0x01})
		_, reason, _ := p.CheckFile(path, "image.png")
		assert.Equal(t, domain.RejectMIME, reason)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, reason, _ := p.CheckFile(filepath.Join(dir, "missing.pdf"), "missing.pdf")
		assert.Equal(t, domain.RejectUploadError, reason)
	})
}

func TestContains(t *testing.T) {
	root := t.TempDir()

	assert.True(t, Contains(root, filepath.Join(root, "job", "a.pdf")))
	assert.False(t, Contains(root, root))
	assert.False(t, Contains(root, filepath.Join(root, "..", "etc", "passwd")))
	assert.False(t, Contains(root, "/etc/passwd"))
	assert.False(t, Contains(root, root+"-sibling/a.pdf"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"report.pdf", "report.pdf"},
		{"résumé final.docx", "resume_final.docx"},
		{"../../etc/passwd", "passwd"},
		{"C:\\Users\\jane\\scan (1).png", "scan_1.png"},
		{".htaccess", "attachment.htaccess"},
		{"", "attachment"},
		{"新建文档.txt", "attachment.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeFilename(tt.in))
		})
	}
}
