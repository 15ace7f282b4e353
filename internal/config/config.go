package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// defaultTokenSecret 占位密钥，生产环境禁止使用
const defaultTokenSecret = "change-me-in-production"

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host      string // 监听地址，默认 "0.0.0.0"
	Port      int    // 监听端口，默认 8080
	PublicURL string // 站点对外地址，用于拼接 magic link，例如 "https://example.com"
}

// FormsConfig 定义表单投递目标
type FormsConfig struct {
	From         string   // 发件人地址
	FromName     string   // 发件人显示名称
	ContactTo    []string // 联系表单收件人
	HelpdeskTo   []string // 服务台表单收件人
	MaxBodyBytes int64    // 单个请求体上限（包含附件）
}

// AttachmentsConfig 定义附件约束
type AttachmentsConfig struct {
	MaxFiles          int      // 单次提交最多附件数
	MaxFileBytes      int64    // 单个附件大小上限
	AllowedExtensions []string // 允许的扩展名（小写，不含点）
}

// QueueConfig 定义任务队列与后台 worker
type QueueConfig struct {
	Dir           string        // 队列根目录
	Workers       int           // worker 协程数量
	Dispatch      string        // 派发方式: "pool" 或 "process"
	SweepInterval time.Duration // 扫描遗留任务的间隔
	WorkerBinary  string        // process 派发方式下调用的 formctl 路径

	AttachmentRetention time.Duration // 没有对应 job 的暂存附件保留时长
}

// ScanConfig 定义恶意软件扫描
type ScanConfig struct {
	ClamdscanPath string        // clamdscan 可执行文件（守护进程客户端）
	ClamscanPath  string        // clamscan 可执行文件（独立扫描）
	LockFile      string        // 全局扫描锁文件
	Timeout       time.Duration // 单次扫描超时
	MaxAttempts   int           // error 结果的最大尝试次数
	RetryDelay    time.Duration // 重试间隔
	FailOpen      bool          // true 时扫描失败仍然附加附件（不推荐）
}

// MailConfig 定义 SMTP 中继
type MailConfig struct {
	Host       string        // 中继主机
	Port       int           // 中继端口
	Username   string        // 认证用户名，留空表示不认证
	Password   string        // 认证密码
	Security   string        // "none"、"starttls" 或 "tls"
	HeloName   string        // EHLO 使用的主机名
	Timeout    time.Duration // 命令超时
	Retries    int           // 失败后的重试次数
	RetryDelay time.Duration // 重试间隔
}

// SyncroConfig 定义工单系统 API
type SyncroConfig struct {
	BaseURL        string        // 例如 "https://acme.syncromsp.com/api/v1"
	APIToken       string        // API Token
	Timeout        time.Duration // 请求超时
	ProblemType    string        // 新建工单的问题类型
	LookupCooldown time.Duration // 同一邮箱重复查询的冷却时间
}

// TokenConfig 定义 magic link 令牌
type TokenConfig struct {
	Secret string        // HMAC 密钥，至少 32 字符
	TTL    time.Duration // 令牌有效期
}

// RateLimitConfig 定义按 IP 的限流
type RateLimitConfig struct {
	Requests int           // 窗口内允许的请求数，0 表示关闭
	Window   time.Duration // 窗口长度
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件，留空只输出到控制台
}

// DatabaseConfig 定义提交记录数据库（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string // 数据库类型: "mysql" 或 "postgres"，留空使用内存
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 服务配置，Address 为空表示不启用
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server      ServerConfig
	Forms       FormsConfig
	Attachments AttachmentsConfig
	Queue       QueueConfig
	Scan        ScanConfig
	Mail        MailConfig
	Syncro      SyncroConfig
	Token       TokenConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: FORMRELAY_，例如 FORMRELAY_MAIL_HOST, FORMRELAY_TOKEN_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("formrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Host:      v.GetString("server.host"),
			Port:      v.GetInt("server.port"),
			PublicURL: strings.TrimRight(v.GetString("server.public_url"), "/"),
		},
		Forms: FormsConfig{
			From:         v.GetString("forms.from"),
			FromName:     v.GetString("forms.from_name"),
			ContactTo:    parseList(v.GetString("forms.contact_to")),
			HelpdeskTo:   parseList(v.GetString("forms.helpdesk_to")),
			MaxBodyBytes: v.GetInt64("forms.max_body_bytes"),
		},
		Attachments: AttachmentsConfig{
			MaxFiles:          v.GetInt("attachments.max_files"),
			MaxFileBytes:      v.GetInt64("attachments.max_file_bytes"),
			AllowedExtensions: parseExtensions(v.GetString("attachments.allowed_extensions")),
		},
		Queue: QueueConfig{
			Dir:           v.GetString("queue.dir"),
			Workers:       v.GetInt("queue.workers"),
			Dispatch:      strings.ToLower(v.GetString("queue.dispatch")),
			SweepInterval: parseDuration(v, "queue.sweep_interval", time.Minute),
			WorkerBinary:  v.GetString("queue.worker_binary"),

			AttachmentRetention: parseDuration(v, "queue.attachment_retention", 24*time.Hour),
		},
		Scan: ScanConfig{
			ClamdscanPath: v.GetString("scan.clamdscan_path"),
			ClamscanPath:  v.GetString("scan.clamscan_path"),
			LockFile:      v.GetString("scan.lock_file"),
			Timeout:       parseDuration(v, "scan.timeout", 2*time.Minute),
			MaxAttempts:   v.GetInt("scan.max_attempts"),
			RetryDelay:    parseDuration(v, "scan.retry_delay", 2*time.Second),
			FailOpen:      v.GetBool("scan.fail_open"),
		},
		Mail: MailConfig{
			Host:       v.GetString("mail.host"),
			Port:       v.GetInt("mail.port"),
			Username:   v.GetString("mail.username"),
			Password:   v.GetString("mail.password"),
			Security:   strings.ToLower(v.GetString("mail.security")),
			HeloName:   v.GetString("mail.helo_name"),
			Timeout:    parseDuration(v, "mail.timeout", 30*time.Second),
			Retries:    v.GetInt("mail.retries"),
			RetryDelay: parseDuration(v, "mail.retry_delay", 5*time.Second),
		},
		Syncro: SyncroConfig{
			BaseURL:        strings.TrimRight(v.GetString("syncro.base_url"), "/"),
			APIToken:       v.GetString("syncro.api_token"),
			Timeout:        parseDuration(v, "syncro.timeout", 15*time.Second),
			ProblemType:    v.GetString("syncro.problem_type"),
			LookupCooldown: parseDuration(v, "syncro.lookup_cooldown", 10*time.Minute),
		},
		Token: TokenConfig{
			Secret: v.GetString("token.secret"),
			TTL:    parseDuration(v, "token.ttl", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("ratelimit.requests"),
			Window:   parseDuration(v, "ratelimit.window", 10*time.Minute),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: parseDuration(v, "database.conn_max_lifetime", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置的合法性
func (c *Config) Validate() error {
	// 安全检查：禁止使用默认的令牌密钥
	if c.Token.Secret == defaultTokenSecret {
		return fmt.Errorf("SECURITY ERROR: token secret cannot be the default value. Please set FORMRELAY_TOKEN_SECRET environment variable")
	}
	if len(c.Token.Secret) < 32 {
		return fmt.Errorf("SECURITY ERROR: token secret must be at least 32 characters long")
	}
	if c.Forms.From == "" {
		return fmt.Errorf("forms.from must not be empty")
	}
	if len(c.Forms.ContactTo) == 0 {
		return fmt.Errorf("forms.contact_to must not be empty")
	}
	if len(c.Forms.HelpdeskTo) == 0 {
		c.Forms.HelpdeskTo = c.Forms.ContactTo
	}
	if c.Queue.Dir == "" {
		return fmt.Errorf("queue.dir must not be empty")
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	switch c.Queue.Dispatch {
	case "pool", "process":
	default:
		return fmt.Errorf("invalid queue.dispatch %q (supported: pool, process)", c.Queue.Dispatch)
	}
	switch c.Mail.Security {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("invalid mail.security %q (supported: none, starttls, tls)", c.Mail.Security)
	}
	if c.Attachments.MaxFiles <= 0 {
		c.Attachments.MaxFiles = 5
	}
	if c.Attachments.MaxFileBytes <= 0 {
		c.Attachments.MaxFileBytes = 15 << 20
	}
	if c.Scan.MaxAttempts <= 0 {
		c.Scan.MaxAttempts = 1
	}
	if c.Database.Type != "" && c.Database.Type != "mysql" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q (supported: mysql, postgres)", c.Database.Type)
	}
	return nil
}

// TicketsEnabled 是否配置了工单系统
func (c *Config) TicketsEnabled() bool {
	return c.Syncro.BaseURL != "" && c.Syncro.APIToken != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("forms.from", "")
	v.SetDefault("forms.from_name", "Website Forms")
	v.SetDefault("forms.contact_to", "")
	v.SetDefault("forms.helpdesk_to", "")
	v.SetDefault("forms.max_body_bytes", 80<<20)
	v.SetDefault("attachments.max_files", 5)
	v.SetDefault("attachments.max_file_bytes", 15<<20)
	v.SetDefault("attachments.allowed_extensions", "jpg,jpeg,png,gif,webp,pdf,txt,log,csv,doc,docx,xls,xlsx,ppt,pptx,rtf")
	v.SetDefault("queue.dir", "./data/queue")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.dispatch", "pool")
	v.SetDefault("queue.sweep_interval", "1m")
	v.SetDefault("queue.worker_binary", "formctl")
	v.SetDefault("queue.attachment_retention", "24h")
	v.SetDefault("scan.clamdscan_path", "clamdscan")
	v.SetDefault("scan.clamscan_path", "clamscan")
	v.SetDefault("scan.lock_file", "")
	v.SetDefault("scan.timeout", "2m")
	v.SetDefault("scan.max_attempts", 3)
	v.SetDefault("scan.retry_delay", "2s")
	v.SetDefault("scan.fail_open", false)
	v.SetDefault("mail.host", "localhost")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.security", "starttls")
	v.SetDefault("mail.helo_name", "localhost")
	v.SetDefault("mail.timeout", "30s")
	v.SetDefault("mail.retries", 2)
	v.SetDefault("mail.retry_delay", "5s")
	v.SetDefault("syncro.timeout", "15s")
	v.SetDefault("syncro.problem_type", "Other")
	v.SetDefault("syncro.lookup_cooldown", "10m")
	v.SetDefault("token.secret", defaultTokenSecret)
	v.SetDefault("token.ttl", "24h")
	v.SetDefault("ratelimit.requests", 10)
	v.SetDefault("ratelimit.window", "10m")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// parseDuration 解析时长配置，格式错误时使用回退值
func parseDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseExtensions 解析扩展名列表，统一为小写且去掉前导点
func parseExtensions(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.TrimPrefix(strings.ToLower(out[i]), ".")
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
