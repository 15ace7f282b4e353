package security

import (
	"regexp"
	"strings"

	"formrelay/backend/internal/domain"
)

// 内容标记
const (
	FlagMarkup      = "markup"       // 正文含有脚本或 HTML 注入片段
	FlagSpamWords   = "spam_words"   // 命中多个垃圾关键词
	FlagManyLinks   = "many_links"   // 链接数量过多
	FlagHeaderChars = "header_chars" // 单行字段含有邮件头特征
)

// ContentFilter 表单内容过滤器
//
// 只给提交打标记，不拒绝提交；标记会写进转发邮件，供人工判断。
type ContentFilter struct {
	// 恶意内容模式
	maliciousPatterns []*regexp.Regexp

	// 垃圾邮件关键词
	spamKeywords []string

	linkPattern *regexp.Regexp
	maxLinks    int
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		maliciousPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<script[^>]*>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)onload\s*=`),
			regexp.MustCompile(`(?i)onerror\s*=`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<object[^>]*>`),
			regexp.MustCompile(`(?i)<embed[^>]*>`),
		},
		spamKeywords: []string{
			"viagra", "casino", "lottery", "winner", "congratulations",
			"free money", "click here", "limited time", "act now",
			"guaranteed", "no risk", "earn money", "work from home",
			"seo services", "backlinks", "crypto",
		},
		linkPattern: regexp.MustCompile(`(?i)https?://`),
		maxLinks:    3,
	}
}

// Assess 检查表单字段，返回命中的标记（无命中时为 nil）
func (cf *ContentFilter) Assess(fields domain.FormFields) []string {
	var flags []string
	body := fields.Subject + "\n" + fields.Body()

	if cf.checkMaliciousContent(body) {
		flags = append(flags, FlagMarkup)
	}
	if cf.checkSpamContent(body) {
		flags = append(flags, FlagSpamWords)
	}
	if len(cf.linkPattern.FindAllStringIndex(body, -1)) > cf.maxLinks {
		flags = append(flags, FlagManyLinks)
	}
	for _, v := range []string{fields.Name, fields.Company, fields.Subject} {
		if strings.Contains(strings.ToLower(v), "content-type:") || strings.Contains(strings.ToLower(v), "bcc:") {
			flags = append(flags, FlagHeaderChars)
			break
		}
	}
	return flags
}

// checkMaliciousContent 检查恶意内容
func (cf *ContentFilter) checkMaliciousContent(content string) bool {
	for _, pattern := range cf.maliciousPatterns {
		if pattern.MatchString(content) {
			return true
		}
	}
	return false
}

// checkSpamContent 检查垃圾邮件内容
func (cf *ContentFilter) checkSpamContent(content string) bool {
	contentLower := strings.ToLower(content)

	spamCount := 0
	for _, keyword := range cf.spamKeywords {
		if strings.Contains(contentLower, keyword) {
			spamCount++
		}
	}
	return spamCount >= 3
}
