package scanner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

// ErrLockTimeout 等待扫描锁超时
var ErrLockTimeout = errors.New("scan lock not acquired")

// lockPollInterval 轮询锁的间隔
const lockPollInterval = 100 * time.Millisecond

// Locker 全局扫描锁，同一时刻系统中只允许一个扫描
type Locker interface {
	// Lock 阻塞直到获得锁或 ctx 结束，返回释放函数
	Lock(ctx context.Context) (unlock func(), err error)
}

// FileLocker 基于 flock 的跨进程锁
type FileLocker struct {
	path string
}

// NewFileLocker 创建文件锁，必要时创建父目录
func NewFileLocker(path string) (*FileLocker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{path: path}, nil
}

// Lock 获取独占 flock
func (l *FileLocker) Lock(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	fd := int(f.Fd())

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() {
				_ = unix.Flock(fd, unix.LOCK_UN)
				f.Close()
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// releaseScript 只有持有者才能删除锁
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker 基于 Redis SET NX PX 的分布式锁，多台主机共享同一扫描守护进程时使用
type RedisLocker struct {
	rdb *goredis.Client
	key string
	ttl time.Duration
}

// NewRedisLocker 创建 Redis 锁，ttl 应大于单次扫描超时
func NewRedisLocker(rdb *goredis.Client, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "formrelay:scan-lock"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{rdb: rdb, key: key, ttl: ttl}
}

// Lock 获取锁
func (l *RedisLocker) Lock(ctx context.Context) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// MutexLocker 进程内锁，仅用于单进程部署和测试
type MutexLocker struct {
	ch chan struct{}
}

// NewMutexLocker 创建进程内锁
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{ch: make(chan struct{}, 1)}
}

// Lock 获取锁
func (l *MutexLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
}

func randomToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
