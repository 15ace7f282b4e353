package service

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/queue"
	"formrelay/backend/internal/security"
)

// AttachmentField 上传文件的表单字段名
const AttachmentField = "attachments[]"

// Intake 附件接收：校验、暂存、MIME 探测
//
// 被拒绝的文件只记录原因，不影响整个提交。
type Intake struct {
	policy  *security.AttachmentPolicy
	store   *queue.Store
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewIntake 创建附件接收器
func NewIntake(policy *security.AttachmentPolicy, store *queue.Store, metrics *monitoring.Metrics, logger *zap.Logger) *Intake {
	return &Intake{policy: policy, store: store, metrics: metrics, logger: logger}
}

// Policy 返回共享的附件策略
func (in *Intake) Policy() *security.AttachmentPolicy { return in.policy }

// Stage 把上传文件暂存到 job 的附件目录
//
// 只有附件目录无法创建时返回错误（包装 queue.ErrStorage），其它问题都转成 Rejection。
func (in *Intake) Stage(jobID string, files []*multipart.FileHeader) ([]domain.AttachmentRef, []domain.Rejection, error) {
	var (
		refs     []domain.AttachmentRef
		rejected []domain.Rejection
		dir      string
		used     = make(map[string]struct{})
	)

	reject := func(name string, reason domain.RejectReason, detail string) {
		rejected = append(rejected, domain.Rejection{Name: name, Reason: reason, Detail: detail})
		in.record(string(reason))
		in.logger.Info("Attachment rejected",
			zap.String("job_id", jobID),
			zap.String("file", name),
			zap.String("reason", string(reason)),
			zap.String("detail", detail),
		)
	}

	for i, fh := range files {
		display := security.SanitizeFilename(fh.Filename)

		if i >= in.policy.MaxFiles() {
			reject(display, domain.RejectTooMany, fmt.Sprintf("at most %d files per submission", in.policy.MaxFiles()))
			continue
		}
		if fh.Size < 0 {
			reject(display, domain.RejectUploadError, "incomplete upload")
			continue
		}
		if !in.policy.CheckSize(fh.Size) {
			reject(display, domain.RejectTooLarge, fmt.Sprintf("exceeds %d bytes", in.policy.MaxFileBytes()))
			continue
		}
		if !in.policy.CheckExtension(fh.Filename) {
			reject(display, domain.RejectBadType, "file extension not allowed")
			continue
		}

		if dir == "" {
			d, err := in.store.AttachmentDir(jobID)
			if err != nil {
				return nil, nil, err
			}
			dir = d
		}

		name := uniqueName(display, used)
		path := filepath.Join(dir, name)

		size, reason, detail := in.copyUpload(fh, path)
		if reason != "" {
			os.Remove(path)
			reject(display, reason, detail)
			continue
		}

		detected, reason, detail := in.policy.CheckFile(path, fh.Filename)
		if reason != "" {
			os.Remove(path)
			reject(display, reason, detail)
			continue
		}

		used[name] = struct{}{}
		refs = append(refs, domain.AttachmentRef{
			Name:         name,
			Path:         path,
			Size:         size,
			DetectedMIME: detected,
			DeclaredType: fh.Header.Get("Content-Type"),
		})
		in.record("staged")
		if in.metrics != nil {
			in.metrics.RecordAttachmentSize(size)
		}
	}

	return refs, rejected, nil
}

// Discard 删除 job 的暂存附件（入队失败时调用）
func (in *Intake) Discard(jobID string) {
	if err := in.store.Complete(jobID); err != nil {
		in.logger.Warn("Failed to discard staged attachments", zap.String("job_id", jobID), zap.Error(err))
	}
}

// copyUpload 以 0600 权限写出文件，实际大小超过上限时拒绝
func (in *Intake) copyUpload(fh *multipart.FileHeader, path string) (int64, domain.RejectReason, string) {
	src, err := fh.Open()
	if err != nil {
		return 0, domain.RejectUploadError, "cannot read upload"
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, domain.RejectUploadError, "duplicate file name"
		}
		return 0, domain.RejectUploadError, "cannot store upload"
	}

	limit := in.policy.MaxFileBytes()
	n, copyErr := io.Copy(dst, io.LimitReader(src, limit+1))
	closeErr := dst.Close()
	switch {
	case copyErr != nil || closeErr != nil:
		return 0, domain.RejectUploadError, "cannot store upload"
	case n > limit:
		return 0, domain.RejectTooLarge, fmt.Sprintf("exceeds %d bytes", limit)
	case n == 0:
		return 0, domain.RejectUploadError, "empty file"
	}
	return n, "", ""
}

func (in *Intake) record(verdict string) {
	if in.metrics != nil {
		in.metrics.RecordAttachment(verdict)
	}
}

// uniqueName 同名文件追加序号：report.pdf, report_2.pdf, ...
func uniqueName(name string, used map[string]struct{}) string {
	if _, taken := used[name]; !taken {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := base + "_" + strconv.Itoa(i) + ext
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}
