package service

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/mailer"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/queue"
	"formrelay/backend/internal/scanner"
	"formrelay/backend/internal/security"
	"formrelay/backend/internal/storage/memory"
)

// fakeScanner 按文件名返回预设结果
type fakeScanner struct {
	mu      sync.Mutex
	results map[string]domain.ScanResult
	scanned []string
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{results: make(map[string]domain.ScanResult)}
}

func (f *fakeScanner) set(name string, status domain.ScanStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = domain.ScanResult{Status: status, Engine: "fake"}
}

func (f *fakeScanner) Scan(_ context.Context, path string) domain.ScanResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := filepath.Base(path)
	f.scanned = append(f.scanned, name)
	if r, ok := f.results[name]; ok {
		return r
	}
	return domain.ScanResult{Status: domain.ScanClean, Engine: "fake"}
}

// captureRelay 记录发送的邮件，前 fail 次返回错误
type captureRelay struct {
	mu    sync.Mutex
	fail  int
	calls int
	sent  []*mailer.Message
}

func (r *captureRelay) Send(_ context.Context, msg *mailer.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail > 0 {
		r.fail--
		return errors.New("451 temporary failure")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *captureRelay) messages() []*mailer.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*mailer.Message(nil), r.sent...)
}

// recordingDispatcher 只记录派发的 job，由测试手动处理
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

type upload struct {
	name string
	data []byte
}

// buildUploads 通过真实的 multipart 解析得到 FileHeader
func buildUploads(t *testing.T, files ...upload) []*multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile(AttachmentField, f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { form.RemoveAll() })
	return form.File[AttachmentField]
}

// testEnv 组装好的表单管线
type testEnv struct {
	store      *queue.Store
	dispatcher *recordingDispatcher
	intake     *Intake
	forms      *FormService
	ledger     *memory.Store
	scanner    *fakeScanner
	relay      *captureRelay
	processor  *Processor
	metrics    *monitoring.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := queue.NewStore(t.TempDir())
	require.NoError(t, err)

	logger := zap.NewNop()
	metrics := monitoring.NewMetrics()
	ledger := memory.NewStore()
	t.Cleanup(func() { ledger.Close() })

	policy := security.NewAttachmentPolicy(3, 1024, []string{"pdf", "txt", "png"})
	intake := NewIntake(policy, store, metrics, logger)
	dispatcher := &recordingDispatcher{}
	forms := NewFormService(store, dispatcher, intake, security.NewContentFilter(), ledger, metrics, logger)

	scan := newFakeScanner()
	relay := &captureRelay{}
	processor := NewProcessor(store, scan, scanner.Policy{}, relay, ledger, metrics, logger, ProcessorConfig{
		From: mailer.Address{Name: "Website Forms", Email: "forms@example.com"},
		Recipients: map[domain.FormType][]string{
			domain.FormContact:  {"office@example.com"},
			domain.FormHelpdesk: {"support@example.com"},
		},
		Retries: 1,
	})

	return &testEnv{
		store:      store,
		dispatcher: dispatcher,
		intake:     intake,
		forms:      forms,
		ledger:     ledger,
		scanner:    scan,
		relay:      relay,
		processor:  processor,
		metrics:    metrics,
	}
}

func contactFields() domain.FormFields {
	return domain.FormFields{
		Name:    "Jane Doe",
		Email:   "jane@example.com",
		Subject: "Billing question",
		Message: "Please call me about invoice 42.",
	}
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
