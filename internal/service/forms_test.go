package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/security"
)

func TestSubmitQueuesContactForm(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.forms.Submit(context.Background(), SubmitInput{
		Type:        domain.FormContact,
		Fields:      contactFields(),
		RequesterIP: "203.0.113.7",
		Files:       buildUploads(t, upload{"report.pdf", pdfBytes}),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.False(t, res.Spam)
	assert.Equal(t, 1, res.Staged)
	assert.Empty(t, res.Rejected)

	pending, err := env.store.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{res.JobID}, pending)
	assert.Equal(t, []string{res.JobID}, env.dispatcher.ids)

	sub, err := env.ledger.GetSubmission(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionQueued, sub.Status)
	assert.Equal(t, "203.0.113.7", sub.RequesterIP)
}

func TestSubmitHoneypotDropsSilently(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.forms.Submit(context.Background(), SubmitInput{
		Type:     domain.FormContact,
		Fields:   contactFields(),
		Honeypot: "http://spam.example",
		Files:    buildUploads(t, upload{"report.pdf", pdfBytes}),
	})
	require.NoError(t, err)
	assert.True(t, res.Spam)
	assert.Empty(t, res.JobID)

	pending, err := env.store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, env.dispatcher.ids)

	counts, err := env.ledger.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.SubmissionSpam])

	entries, err := os.ReadDir(env.store.AttachmentRoot())
	require.NoError(t, err)
	assert.Empty(t, entries, "honeypot submissions must not stage files")
}

func TestSubmitValidationError(t *testing.T) {
	env := newTestEnv(t)

	fields := contactFields()
	fields.Message = "   "
	fields.Email = "not-an-email"

	_, err := env.forms.Submit(context.Background(), SubmitInput{Type: domain.FormContact, Fields: fields})
	require.Error(t, err)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "required", verr.Fields[domain.FieldMessage])
	assert.Equal(t, "invalid", verr.Fields[domain.FieldEmail])

	pending, err := env.store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmitHelpdeskRequiresIssue(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.forms.Submit(context.Background(), SubmitInput{
		Type:   domain.FormHelpdesk,
		Fields: domain.FormFields{Name: "Jane Doe", Email: "jane@example.com"},
	})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, domain.FieldIssue)
}

func TestSubmitRecordsContentFlags(t *testing.T) {
	env := newTestEnv(t)

	fields := contactFields()
	fields.Message = "Hello <script>alert(1)</script>"

	res, err := env.forms.Submit(context.Background(), SubmitInput{Type: domain.FormContact, Fields: fields})
	require.NoError(t, err)

	job, err := env.store.Claim(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{security.FlagMarkup}, job.Flags)
}

func TestStageRejectionsDoNotFailSubmission(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.forms.Submit(context.Background(), SubmitInput{
		Type:   domain.FormContact,
		Fields: contactFields(),
		Files: buildUploads(t,
			upload{"report.pdf", pdfBytes},
			upload{"setup.exe", []byte("MZ\x90\x00")},
			upload{"fake.pdf", []byte("MZ\x90\x00\x03\x00\x00\x00")},
			upload{"notes.txt", []byte("fourth file")},
		),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Staged)

	reasons := map[string]domain.RejectReason{}
	for _, r := range res.Rejected {
		reasons[r.Name] = r.Reason
	}
	assert.Equal(t, map[string]domain.RejectReason{
		"setup.exe": domain.RejectBadType,
		"fake.pdf":  domain.RejectMIME,
		"notes.txt": domain.RejectTooMany,
	}, reasons)

	job, err := env.store.Claim(res.JobID)
	require.NoError(t, err)
	require.Len(t, job.Attachments, 1)
	assert.Equal(t, "application/pdf", job.Attachments[0].DetectedMIME)
	assert.Len(t, job.Rejected, 3)

	_, err = os.Stat(filepath.Join(filepath.Dir(job.Attachments[0].Path), "fake.pdf"))
	assert.True(t, os.IsNotExist(err), "rejected file must be removed")
}

func TestStageWritesPrivateFiles(t *testing.T) {
	env := newTestEnv(t)
	id := env.store.NewJobID()

	refs, rejected, err := env.intake.Stage(id, buildUploads(t, upload{"report.pdf", pdfBytes}))
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Len(t, refs, 1)

	info, err := os.Stat(refs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, int64(len(pdfBytes)), refs[0].Size)
	assert.True(t, security.Contains(env.store.AttachmentRoot(), refs[0].Path))

	data, err := os.ReadFile(refs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, data)
}

func TestStageDuplicateNames(t *testing.T) {
	env := newTestEnv(t)

	refs, rejected, err := env.intake.Stage(env.store.NewJobID(), buildUploads(t,
		upload{"report.pdf", pdfBytes},
		upload{"report.pdf", pdfBytes},
	))
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Len(t, refs, 2)
	assert.Equal(t, "report.pdf", refs[0].Name)
	assert.Equal(t, "report_2.pdf", refs[1].Name)
}

func TestStageSizeLimits(t *testing.T) {
	env := newTestEnv(t)

	refs, rejected, err := env.intake.Stage(env.store.NewJobID(), buildUploads(t,
		upload{"big.txt", []byte(strings.Repeat("a", 2048))},
		upload{"empty.txt", nil},
	))
	require.NoError(t, err)
	assert.Empty(t, refs)
	require.Len(t, rejected, 2)
	assert.Equal(t, domain.RejectTooLarge, rejected[0].Reason)
	assert.Equal(t, domain.RejectUploadError, rejected[1].Reason)
}

func TestStageWithoutFilesCreatesNoDirectory(t *testing.T) {
	env := newTestEnv(t)

	refs, rejected, err := env.intake.Stage(env.store.NewJobID(), nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Empty(t, rejected)

	entries, err := os.ReadDir(env.store.AttachmentRoot())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
