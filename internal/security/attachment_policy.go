package security

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"formrelay/backend/internal/domain"
)

// 默认限制
const (
	DefaultMaxFiles     = 5
	DefaultMaxFileBytes = 15 << 20 // 15MB
	maxFilenameLength   = 120
)

// DefaultExtensions 默认允许的扩展名
var DefaultExtensions = []string{
	"jpg", "jpeg", "png", "gif", "webp",
	"pdf", "txt", "log", "csv", "rtf",
	"doc", "docx", "xls", "xlsx", "ppt", "pptx",
}

// extensionMIME 扩展名到 MIME 的映射，内容探测失败时用作回退
var extensionMIME = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"log":  "text/plain",
	"csv":  "text/csv",
	"rtf":  "text/rtf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// allowedMimeTypes 内容探测结果白名单
var allowedMimeTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"text/plain":         true,
	"text/csv":           true,
	"text/rtf":           true,
	"application/rtf":    true,
	"application/msword": true,
	"application/vnd.ms-excel":                                                  true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/x-ole-storage":                                                 true, // 旧版 Office 复合文档
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/zip": true, // 无法细分的 OOXML
}

// executableSignatures 可执行文件魔数，优先于 mimetype 探测
var executableSignatures = []struct {
	magic []byte
	mime  string
}{
	{[]byte{0x4D, 0x5A}, "application/x-msdownload"},             // PE executable
	{[]byte{0x7F, 0x45, 0x4C, 0x46}, "application/x-executable"}, // ELF executable
	{[]byte{0xFE, 0xED, 0xFA, 0xCE}, "application/x-mach-binary"},
	{[]byte{0xCE, 0xFA, 0xED, 0xFE}, "application/x-mach-binary"},
	{[]byte{0xFE, 0xED, 0xFA, 0xCF}, "application/x-mach-binary"},
	{[]byte{0xCF, 0xFA, 0xED, 0xFE}, "application/x-mach-binary"},
}

// AttachmentPolicy 附件策略
//
// 接收阶段和 worker 共用同一份策略，不重复维护规则。
type AttachmentPolicy struct {
	maxFiles     int
	maxFileBytes int64
	extensions   map[string]bool
	extPattern   *regexp.Regexp
}

// NewAttachmentPolicy 创建附件策略，参数为零值时使用默认值
func NewAttachmentPolicy(maxFiles int, maxFileBytes int64, extensions []string) *AttachmentPolicy {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	allowed := make(map[string]bool, len(extensions))
	quoted := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" || allowed[ext] {
			continue
		}
		allowed[ext] = true
		quoted = append(quoted, regexp.QuoteMeta(ext))
	}
	sort.Strings(quoted)

	return &AttachmentPolicy{
		maxFiles:     maxFiles,
		maxFileBytes: maxFileBytes,
		extensions:   allowed,
		extPattern:   regexp.MustCompile(`(?i)\.(` + strings.Join(quoted, "|") + `)$`),
	}
}

// MaxFiles 单次提交允许的最大附件数
func (p *AttachmentPolicy) MaxFiles() int { return p.maxFiles }

// MaxFileBytes 单个附件的最大字节数
func (p *AttachmentPolicy) MaxFileBytes() int64 { return p.maxFileBytes }

// CheckSize 检查文件大小
func (p *AttachmentPolicy) CheckSize(size int64) bool {
	return size >= 0 && size <= p.maxFileBytes
}

// CheckExtension 检查文件扩展名是否在白名单内
func (p *AttachmentPolicy) CheckExtension(filename string) bool {
	return p.extPattern.MatchString(filename)
}

// CheckFile 对已暂存的文件做内容检查，返回探测到的 MIME
//
// 返回的 RejectReason 为空表示通过。
func (p *AttachmentPolicy) CheckFile(path, filename string) (string, domain.RejectReason, string) {
	detected, err := p.DetectMIME(path, filename)
	if err != nil {
		return "", domain.RejectUploadError, err.Error()
	}
	if !allowedMimeTypes[detected] {
		return detected, domain.RejectMIME, "Disallowed MIME type: " + detected
	}
	return detected, "", ""
}

// DetectMIME 通过内容探测 MIME 类型
//
// 先检查可执行文件魔数，再交给 mimetype；只有在无法读取内容时才按扩展名回退。
func (p *AttachmentPolicy) DetectMIME(path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 3072)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return p.fallbackMIME(filename)
	}
	header = header[:n]

	if exe := checkFileMagic(header); exe != "" {
		return exe, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return p.fallbackMIME(filename)
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return p.fallbackMIME(filename)
	}
	return baseMediaType(mt.String()), nil
}

func (p *AttachmentPolicy) fallbackMIME(filename string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if m, ok := extensionMIME[ext]; ok && p.extensions[ext] {
		return m, nil
	}
	return "", fmt.Errorf("cannot determine content type of %q", filename)
}

// checkFileMagic 检查文件魔数
func checkFileMagic(header []byte) string {
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(header, sig.magic) {
			return sig.mime
		}
	}
	return ""
}

func baseMediaType(v string) string {
	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mediaType
}

// Contains 检查 path 是否位于 root 目录之内
func Contains(root, path string) bool {
	root, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename 把文件名清洗为安全字符集
//
// 先做 Unicode 分解去掉重音符号，其余非 [A-Za-z0-9._-] 字符替换为下划线。
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}

	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(folder, name); err == nil {
		name = folded
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")

	ext := filepath.Ext(name)
	base := strings.Trim(strings.TrimSuffix(name, ext), "._-")
	if ext == "." || len(ext) > 16 {
		ext = ""
	}
	if base == "" {
		base = "attachment"
	}
	if len(base)+len(ext) > maxFilenameLength {
		base = base[:maxFilenameLength-len(ext)]
	}
	return base + ext
}
