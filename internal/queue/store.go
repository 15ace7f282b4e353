package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"formrelay/backend/internal/domain"
)

var (
	// ErrStorage 队列目录不可写或读写失败
	ErrStorage = errors.New("queue storage error")
	// ErrJobClaimed job 已被其他 worker 领取
	ErrJobClaimed = errors.New("job already claimed")
	// ErrJobNotFound job 不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists 同名 job 已存在
	ErrJobExists = errors.New("job already exists")
)

const (
	dirPending     = "pending"
	dirProcessing  = "processing"
	dirDead        = "dead"
	dirAttachments = "attachments"
	dirTmp         = "tmp"

	jobExt   = ".json"
	dirPerm  = 0o700
	filePerm = 0o600
)

// DeadRecord 死信记录
//
// 附件内容不保留，只记录文件名。
type DeadRecord struct {
	Job                domain.Job `json:"job"`
	Error              string     `json:"error"`
	FailedAt           time.Time  `json:"failedAt"`
	DroppedAttachments []string   `json:"droppedAttachments,omitempty"`
}

// Counts 各目录中的 job 数量
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Dead       int `json:"dead"`
}

// Store 基于文件系统的持久化队列
//
// 目录结构:
//
//	<root>/pending/<id>.json      等待处理
//	<root>/processing/<id>.json   已被 worker 领取
//	<root>/dead/<id>.json         死信
//	<root>/attachments/<id>/      暂存的附件
//	<root>/tmp/                   写入中的临时文件
//
// 领取通过 rename 完成，同一 job 只有一个 worker 能领取成功。
type Store struct {
	root string
	now  func() time.Time
}

// NewStore 创建队列存储，确保目录存在
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve queue dir: %v", ErrStorage, err)
	}

	for _, dir := range []string{dirPending, dirProcessing, dirDead, dirAttachments, dirTmp} {
		if err := os.MkdirAll(filepath.Join(abs, dir), dirPerm); err != nil {
			return nil, fmt.Errorf("%w: create %s directory: %v", ErrStorage, dir, err)
		}
	}

	return &Store{root: abs, now: time.Now}, nil
}

// Root 队列根目录
func (s *Store) Root() string { return s.root }

// AttachmentRoot 附件暂存根目录，所有 AttachmentRef.Path 必须位于其中
func (s *Store) AttachmentRoot() string { return filepath.Join(s.root, dirAttachments) }

// NewJobID 生成新的 job 标识
func (s *Store) NewJobID() string { return domain.NewJobID(s.now()) }

// AttachmentDir 创建并返回 job 的附件目录
func (s *Store) AttachmentDir(id string) (string, error) {
	if !domain.IsJobID(id) {
		return "", fmt.Errorf("%w: bad id %q", domain.ErrMalformedJob, id)
	}
	dir := filepath.Join(s.AttachmentRoot(), id)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("%w: create attachment dir: %v", ErrStorage, err)
	}
	return dir, nil
}

// Enqueue 写入 job，返回 job ID
//
// 先写临时文件再硬链接到 pending/，目标已存在时返回 ErrJobExists，不会覆盖。
func (s *Store) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = s.NewJobID()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = s.now().UTC()
	}
	if err := job.Validate(); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encode job: %v", ErrStorage, err)
	}

	tmp, err := s.writeTemp(job.ID, data)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, s.jobPath(dirPending, job.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return "", fmt.Errorf("%w: publish job: %v", ErrStorage, err)
	}
	return job.ID, nil
}

// Claim 领取 job：pending/ → processing/
//
// 记录无法解析时仍保留领取状态并返回 ErrMalformedJob，调用方负责 Complete 或 DeadLetter。
func (s *Store) Claim(id string) (*domain.Job, error) {
	if !domain.IsJobID(id) {
		return nil, fmt.Errorf("%w: bad id %q", domain.ErrMalformedJob, id)
	}

	claimed := s.jobPath(dirProcessing, id)
	if err := os.Rename(s.jobPath(dirPending, id), claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(claimed); statErr == nil {
				return nil, ErrJobClaimed
			}
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: claim job: %v", ErrStorage, err)
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		return &domain.Job{ID: id}, fmt.Errorf("%w: read claimed job: %v", domain.ErrMalformedJob, err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return &domain.Job{ID: id}, fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	if job.ID != id {
		return &domain.Job{ID: id}, fmt.Errorf("%w: record id %q does not match file", domain.ErrMalformedJob, job.ID)
	}
	if err := job.Validate(); err != nil {
		return &job, err
	}
	return &job, nil
}

// UpdateClaim 覆盖已领取 job 的记录（例如递增重试次数）
func (s *Store) UpdateClaim(job *domain.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode job: %v", ErrStorage, err)
	}
	tmp, err := s.writeTemp(job.ID, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.jobPath(dirProcessing, job.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: update claim: %v", ErrStorage, err)
	}
	return nil
}

// Release 放弃领取：processing/ → pending/
func (s *Store) Release(id string) error {
	if err := os.Rename(s.jobPath(dirProcessing, id), s.jobPath(dirPending, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrJobNotFound
		}
		return fmt.Errorf("%w: release job: %v", ErrStorage, err)
	}
	return nil
}

// Complete 删除 job 记录及其附件目录，可重复调用
func (s *Store) Complete(id string) error {
	if !domain.IsJobID(id) {
		return fmt.Errorf("%w: bad id %q", domain.ErrMalformedJob, id)
	}

	var errs []error
	for _, dir := range []string{dirProcessing, dirPending} {
		if err := os.Remove(s.jobPath(dir, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(s.AttachmentRoot(), id)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: cleanup: %v", ErrStorage, errors.Join(errs...))
	}
	return nil
}

// DeadLetter 写入死信记录并清理 job
func (s *Store) DeadLetter(job *domain.Job, cause error) error {
	record := DeadRecord{
		Job:      *job,
		FailedAt: s.now().UTC(),
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	for _, att := range job.Attachments {
		record.DroppedAttachments = append(record.DroppedAttachments, att.Name)
	}
	record.Job.Attachments = nil

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode dead record: %v", ErrStorage, err)
	}
	tmp, err := s.writeTemp(job.ID, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.jobPath(dirDead, job.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write dead record: %v", ErrStorage, err)
	}
	return s.Complete(job.ID)
}

// ListDead 列出死信记录，按 ID（即时间）排序
func (s *Store) ListDead() ([]DeadRecord, error) {
	ids, err := s.list(dirDead)
	if err != nil {
		return nil, err
	}
	records := make([]DeadRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.readDead(id)
		if err != nil {
			continue
		}
		records = append(records, *record)
	}
	return records, nil
}

// Requeue 把死信重新放回 pending/，附件已丢弃
func (s *Store) Requeue(ctx context.Context, id string) error {
	if !domain.IsJobID(id) {
		return fmt.Errorf("%w: bad id %q", domain.ErrMalformedJob, id)
	}
	record, err := s.readDead(id)
	if err != nil {
		return err
	}

	job := record.Job
	job.Attempts = 0
	for _, name := range record.DroppedAttachments {
		job.Rejected = append(job.Rejected, domain.Rejection{
			Name:   name,
			Reason: domain.RejectUploadError,
			Detail: "discarded after delivery failure",
		})
	}
	if _, err := s.Enqueue(ctx, &job); err != nil {
		return err
	}
	if err := os.Remove(s.jobPath(dirDead, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove dead record: %v", ErrStorage, err)
	}
	return nil
}

// RecoverOrphans 把上次进程遗留在 processing/ 的 job 放回 pending/
func (s *Store) RecoverOrphans() ([]string, error) {
	ids, err := s.list(dirProcessing)
	if err != nil {
		return nil, err
	}
	recovered := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := s.Release(id); err != nil {
			continue
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// Pending 列出等待处理的 job ID，最早的在前
func (s *Store) Pending() ([]string, error) {
	return s.list(dirPending)
}

// Counts 统计各状态的 job 数量
func (s *Store) Counts() (Counts, error) {
	var c Counts
	var err error
	if c.Pending, err = s.count(dirPending); err != nil {
		return c, err
	}
	if c.Processing, err = s.count(dirProcessing); err != nil {
		return c, err
	}
	c.Dead, err = s.count(dirDead)
	return c, err
}

// PruneAttachments 删除没有对应 job 的附件目录（早于 olderThan）
func (s *Store) PruneAttachments(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.AttachmentRoot())
	if err != nil {
		return 0, fmt.Errorf("%w: list attachments: %v", ErrStorage, err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		id := entry.Name()
		if !entry.IsDir() || !domain.IsJobID(id) {
			continue
		}
		if s.exists(dirPending, id) || s.exists(dirProcessing, id) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.AttachmentRoot(), id)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Writable 探测队列目录是否可写
func (s *Store) Writable() error {
	f, err := os.CreateTemp(filepath.Join(s.root, dirTmp), "probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *Store) jobPath(dir, id string) string {
	return filepath.Join(s.root, dir, id+jobExt)
}

func (s *Store) exists(dir, id string) bool {
	_, err := os.Stat(s.jobPath(dir, id))
	return err == nil
}

func (s *Store) writeTemp(id string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, dirTmp), id+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrStorage, err)
	}
	name := f.Name()

	if err := f.Chmod(filePerm); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("%w: chmod temp file: %v", ErrStorage, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("%w: write temp file: %v", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("%w: sync temp file: %v", ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("%w: close temp file: %v", ErrStorage, err)
	}
	return name, nil
}

func (s *Store) readDead(id string) (*DeadRecord, error) {
	data, err := os.ReadFile(s.jobPath(dirDead, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: read dead record: %v", ErrStorage, err)
	}
	var record DeadRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	return &record, nil
}

func (s *Store) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, jobExt) {
			continue
		}
		id := strings.TrimSuffix(name, jobExt)
		if domain.IsJobID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) count(dir string) (int, error) {
	ids, err := s.list(dir)
	return len(ids), err
}
