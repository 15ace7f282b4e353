package scanner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"formrelay/backend/internal/domain"
)

// Scanner 恶意软件扫描器
type Scanner interface {
	Scan(ctx context.Context, path string) domain.ScanResult
}

// 扫描引擎名称
const (
	EngineClamdscan = "clamdscan"
	EngineClamscan  = "clamscan"
)

// maxOutput 保留的 stdout/stderr 最大字节数
const maxOutput = 4096

// Options ClamAV 扫描器配置
type Options struct {
	ClamdscanPath string        // 守护进程客户端，优先使用
	ClamscanPath  string        // 独立扫描器，守护进程客户端不存在时使用
	Timeout       time.Duration // 单次扫描超时
}

type engine struct {
	name string
	path string
	args []string
}

// ClamAV 调用外部 ClamAV 可执行文件的扫描器
//
// 没有内部状态，每次扫描启动一个子进程。
type ClamAV struct {
	engines  []engine
	timeout  time.Duration
	lookPath func(string) (string, error)
}

// NewClamAV 创建 ClamAV 扫描器
func NewClamAV(opts Options) *ClamAV {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	var engines []engine
	if opts.ClamdscanPath != "" {
		engines = append(engines, engine{
			name: EngineClamdscan,
			path: opts.ClamdscanPath,
			args: []string{"--no-summary", "--fdpass"},
		})
	}
	if opts.ClamscanPath != "" {
		engines = append(engines, engine{
			name: EngineClamscan,
			path: opts.ClamscanPath,
			args: []string{"--no-summary"},
		})
	}
	return &ClamAV{engines: engines, timeout: opts.Timeout, lookPath: exec.LookPath}
}

// Scan 扫描单个文件
//
// 退出码 0 为 clean，1 为 infected，其他为 error；找不到任何扫描程序时返回 unavailable。
func (c *ClamAV) Scan(ctx context.Context, path string) domain.ScanResult {
	for _, eng := range c.engines {
		bin, err := c.lookPath(eng.path)
		if err != nil {
			continue
		}
		return c.run(ctx, eng, bin, path)
	}
	return domain.ScanResult{Status: domain.ScanUnavailable, ExitCode: -1}
}

func (c *ClamAV) run(ctx context.Context, eng engine, bin, path string) domain.ScanResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string{}, eng.args...), "--", path)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := domain.ScanResult{
		Engine:   eng.name,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Status = domain.ScanClean
		result.ExitCode = 0
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		result.Status = domain.ScanInfected
		result.ExitCode = 1
	case errors.As(err, &exitErr):
		result.Status = domain.ScanError
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			result.Stderr = strings.TrimSpace(result.Stderr + "\n" + ctx.Err().Error())
		}
	default:
		result.Status = domain.ScanError
		result.ExitCode = -1
		result.Stderr = strings.TrimSpace(result.Stderr + "\n" + err.Error())
	}
	return result
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[:maxOutput]
	}
	return s
}
