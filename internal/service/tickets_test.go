package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/mailer"
	"formrelay/backend/internal/pool"
	"formrelay/backend/internal/storage/memory"
	"formrelay/backend/internal/syncro"
	"formrelay/backend/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// MockTicketAPI 模拟工单系统
type MockTicketAPI struct {
	mock.Mock
}

func (m *MockTicketAPI) FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Customer), args.Error(1)
}

func (m *MockTicketAPI) CreateCustomer(ctx context.Context, cust domain.Customer) (*domain.Customer, error) {
	args := m.Called(ctx, cust)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Customer), args.Error(1)
}

func (m *MockTicketAPI) CreateTicket(ctx context.Context, in syncro.NewTicket) (*domain.Ticket, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Ticket), args.Error(1)
}

func (m *MockTicketAPI) ListTicketsByCustomer(ctx context.Context, customerID int64) ([]domain.Ticket, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Ticket), args.Error(1)
}

func (m *MockTicketAPI) GetTicketByNumber(ctx context.Context, number string) (*domain.Ticket, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Ticket), args.Error(1)
}

type ticketEnv struct {
	api    *MockTicketAPI
	relay  *captureRelay
	issuer *token.Issuer
	svc    *TicketService
	done   chan error
	forms  *testEnv
}

func newTicketEnv(t *testing.T) *ticketEnv {
	t.Helper()
	issuer, err := token.NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	done := make(chan error, 16)
	workers := pool.NewWorkerPool(1, 16, zap.NewNop(), func(_ string, err error) { done <- err })
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)

	once := memory.NewStore()
	t.Cleanup(func() { once.Close() })

	forms := newTestEnv(t)
	api := &MockTicketAPI{}
	relay := &captureRelay{}
	svc := NewTicketService(api, issuer, relay, forms.forms, workers, once, forms.metrics, zap.NewNop(), TicketConfig{
		From:           mailer.Address{Name: "Support", Email: "support@example.com"},
		StatusURL:      "https://example.com/tickets/status",
		LookupCooldown: time.Minute,
	})
	return &ticketEnv{api: api, relay: relay, issuer: issuer, svc: svc, done: done, forms: forms}
}

// wait 等待后台任务结束
func (e *ticketEnv) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-e.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("background task did not finish")
		return nil
	}
}

func tokenFromLink(t *testing.T, text string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "https://example.com/tickets/status?") {
			u, err := url.Parse(line)
			require.NoError(t, err)
			return u.Query().Get("tkn")
		}
	}
	t.Fatalf("no status link in %q", text)
	return ""
}

var customer = &domain.Customer{ID: 7, Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"}

func TestLookupUnknownEmailIsNeutral(t *testing.T) {
	env := newTicketEnv(t)
	env.api.On("FindCustomerByEmail", mock.Anything, "nobody@example.com").Return(nil, nil).Once()

	require.NoError(t, env.svc.Lookup(context.Background(), LookupInput{Email: "Nobody@Example.com"}))
	require.NoError(t, env.wait(t))

	assert.Empty(t, env.relay.messages())
	env.api.AssertExpectations(t)
}

func TestLookupSendsNewestFiveLinks(t *testing.T) {
	env := newTicketEnv(t)

	var tickets []domain.Ticket
	for i := 7; i >= 1; i-- {
		tickets = append(tickets, domain.Ticket{
			ID:         int64(i),
			Number:     fmt.Sprintf("10%02d", i),
			Subject:    fmt.Sprintf("Issue %d", i),
			CustomerID: 7,
		})
	}
	env.api.On("FindCustomerByEmail", mock.Anything, "jane@example.com").Return(customer, nil).Once()
	env.api.On("ListTicketsByCustomer", mock.Anything, int64(7)).Return(tickets, nil).Once()

	require.NoError(t, env.svc.Lookup(context.Background(), LookupInput{Email: "jane@example.com"}))
	require.NoError(t, env.wait(t))

	msgs := env.relay.messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "Your ticket #1007 status link", msgs[0].Subject)
	assert.Equal(t, "jane@example.com", msgs[0].To[0].Email)

	claims, err := env.issuer.Verify(tokenFromLink(t, msgs[0].Text))
	require.NoError(t, err)
	assert.Equal(t, "1007", claims.PublicRef)
	assert.Equal(t, "jane@example.com", claims.Email)
}

func TestLookupByNumberChecksOwnership(t *testing.T) {
	env := newTicketEnv(t)
	env.api.On("FindCustomerByEmail", mock.Anything, "jane@example.com").Return(customer, nil).Once()
	env.api.On("GetTicketByNumber", mock.Anything, "2001").
		Return(&domain.Ticket{ID: 1, Number: "2001", CustomerID: 99}, nil).Once()

	require.NoError(t, env.svc.Lookup(context.Background(), LookupInput{Email: "jane@example.com", TicketNumber: "#2001"}))
	require.NoError(t, env.wait(t))

	assert.Empty(t, env.relay.messages())
	env.api.AssertExpectations(t)
}

func TestLookupCooldown(t *testing.T) {
	env := newTicketEnv(t)
	env.api.On("FindCustomerByEmail", mock.Anything, "jane@example.com").Return(nil, nil).Once()

	require.NoError(t, env.svc.Lookup(context.Background(), LookupInput{Email: "jane@example.com"}))
	require.NoError(t, env.wait(t))
	require.NoError(t, env.svc.Lookup(context.Background(), LookupInput{Email: "jane@example.com"}))

	select {
	case <-env.done:
		t.Fatal("lookup inside cooldown must not run again")
	case <-time.After(100 * time.Millisecond):
	}
	env.api.AssertNumberOfCalls(t, "FindCustomerByEmail", 1)
}

func TestLookupInvalidEmail(t *testing.T) {
	env := newTicketEnv(t)

	err := env.svc.Lookup(context.Background(), LookupInput{Email: "not-an-email"})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "invalid", verr.Fields[domain.FieldEmail])
}

func createFields() domain.FormFields {
	return domain.FormFields{
		Name:    "Ada King Lovelace",
		Email:   "Ada@Example.com",
		Subject: "Printer offline",
		Issue:   "The printer on floor 2 is offline.",
	}
}

func TestCreateTicketForNewCustomer(t *testing.T) {
	env := newTicketEnv(t)

	created := &domain.Customer{ID: 11, Email: "ada@example.com", FirstName: "Ada", LastName: "King Lovelace"}
	env.api.On("FindCustomerByEmail", mock.Anything, "ada@example.com").Return(nil, nil).Once()
	env.api.On("CreateCustomer", mock.Anything, domain.Customer{
		Email:     "ada@example.com",
		FirstName: "Ada",
		LastName:  "King Lovelace",
	}).Return(created, nil).Once()
	env.api.On("CreateTicket", mock.Anything, syncro.NewTicket{
		CustomerID: 11,
		Subject:    "Printer offline",
		Body:       "The printer on floor 2 is offline.",
	}).Return(&domain.Ticket{ID: 500, Number: "1042", Subject: "Printer offline", CustomerID: 11}, nil).Once()

	res, err := env.svc.Create(context.Background(), CreateInput{Fields: createFields(), RequesterIP: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, "1042", res.PublicRef)
	assert.Equal(t, int64(500), res.ID)
	assert.Empty(t, res.JobID)

	require.NoError(t, env.wait(t))
	msgs := env.relay.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Ticket #1042 received", msgs[0].Subject)
	assert.Contains(t, msgs[0].Text, "opened ticket #1042")

	claims, err := env.issuer.Verify(tokenFromLink(t, msgs[0].Text))
	require.NoError(t, err)
	assert.Equal(t, "1042", claims.PublicRef)
	env.api.AssertExpectations(t)
}

func TestCreateTicketQueuesAttachments(t *testing.T) {
	env := newTicketEnv(t)
	env.api.On("FindCustomerByEmail", mock.Anything, "ada@example.com").Return(customer, nil).Once()
	env.api.On("CreateTicket", mock.Anything, mock.Anything).
		Return(&domain.Ticket{ID: 501, Number: "1043", CustomerID: 7}, nil).Once()

	res, err := env.svc.Create(context.Background(), CreateInput{
		Fields: createFields(),
		Files:  buildUploads(t, upload{"report.pdf", pdfBytes}, upload{"setup.exe", []byte("MZ")}),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, domain.RejectBadType, res.Rejected[0].Reason)

	job, err := env.forms.store.Claim(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.FormHelpdesk, job.Type)
	assert.Equal(t, "1043", job.TicketRef)
	assert.Len(t, job.Attachments, 1)

	require.NoError(t, env.wait(t))
	env.api.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
}

func TestCreateTicketValidation(t *testing.T) {
	env := newTicketEnv(t)

	fields := createFields()
	fields.Subject = ""
	_, err := env.svc.Create(context.Background(), CreateInput{Fields: fields})

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "required", verr.Fields[domain.FieldSubject])
	env.api.AssertNotCalled(t, "FindCustomerByEmail", mock.Anything, mock.Anything)
}

func TestCreateTicketAPIError(t *testing.T) {
	env := newTicketEnv(t)
	apiErr := &syncro.APIError{Status: 500, Body: "boom"}
	env.api.On("FindCustomerByEmail", mock.Anything, "ada@example.com").Return(nil, apiErr).Once()

	_, err := env.svc.Create(context.Background(), CreateInput{Fields: createFields()})
	assert.ErrorIs(t, err, syncro.ErrAPI)
}

func TestCreateTicketHoneypot(t *testing.T) {
	env := newTicketEnv(t)

	res, err := env.svc.Create(context.Background(), CreateInput{Fields: createFields(), Honeypot: "x"})
	require.NoError(t, err)
	assert.True(t, res.Spam)
	env.api.AssertNotCalled(t, "CreateTicket", mock.Anything, mock.Anything)
}

func statusTicket() *domain.Ticket {
	return &domain.Ticket{
		ID:            500,
		Number:        "1042",
		Subject:       "Printer offline",
		Status:        "In Progress",
		CustomerID:    7,
		CustomerEmail: "Jane@Example.com",
		CreatedAt:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Comments: []domain.TicketComment{
			{ID: 1, Subject: "Initial Issue", Body: "Printer offline", CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
			{ID: 2, Body: "internal note", Hidden: true},
			{ID: 3, Body: "Technician on the way", Tech: "Sam"},
		},
	}
}

func TestStatusReturnsPublicComments(t *testing.T) {
	env := newTicketEnv(t)
	env.api.On("GetTicketByNumber", mock.Anything, "1042").Return(statusTicket(), nil).Once()

	tkn, _, err := env.issuer.Issue("jane@example.com", "1042", 0)
	require.NoError(t, err)

	st, err := env.svc.Status(context.Background(), tkn)
	require.NoError(t, err)
	assert.Equal(t, "1042", st.Number)
	assert.Equal(t, "In Progress", st.Status)
	require.Len(t, st.Comments, 2)
	assert.Equal(t, "Technician on the way", st.Comments[1].Body)
	assert.Equal(t, "Sam", st.Comments[1].Author)
	for _, c := range st.Comments {
		assert.NotEqual(t, "internal note", c.Body)
	}
}

func TestStatusRejectsOtherCustomer(t *testing.T) {
	env := newTicketEnv(t)
	env.api.On("GetTicketByNumber", mock.Anything, "1042").Return(statusTicket(), nil).Once()

	tkn, _, err := env.issuer.Issue("mallory@example.com", "1042", 0)
	require.NoError(t, err)

	_, err = env.svc.Status(context.Background(), tkn)
	assert.ErrorIs(t, err, ErrTicketAccess)
}

func TestStatusMatchesByCustomerID(t *testing.T) {
	env := newTicketEnv(t)
	ticket := statusTicket()
	ticket.CustomerEmail = ""
	env.api.On("GetTicketByNumber", mock.Anything, "1042").Return(ticket, nil).Once()
	env.api.On("FindCustomerByEmail", mock.Anything, "jane@example.com").Return(customer, nil).Once()

	tkn, _, err := env.issuer.Issue("jane@example.com", "1042", 0)
	require.NoError(t, err)

	_, err = env.svc.Status(context.Background(), tkn)
	assert.NoError(t, err)
}

func TestStatusInvalidToken(t *testing.T) {
	env := newTicketEnv(t)

	tkn, _, err := env.issuer.Issue("jane@example.com", "1042", 0)
	require.NoError(t, err)

	_, err = env.svc.Status(context.Background(), tkn+"x")
	assert.ErrorIs(t, err, token.ErrInvalidToken)
	env.api.AssertNotCalled(t, "GetTicketByNumber", mock.Anything, mock.Anything)
}

func TestStatusTicketNotFound(t *testing.T) {
	env := newTicketEnv(t)
	env.api.On("GetTicketByNumber", mock.Anything, "1042").Return(nil, domain.ErrTicketNotFound).Once()

	tkn, _, err := env.issuer.Issue("jane@example.com", "1042", 0)
	require.NoError(t, err)

	_, err = env.svc.Status(context.Background(), tkn)
	assert.ErrorIs(t, err, domain.ErrTicketNotFound)
}

func TestTicketsDisabled(t *testing.T) {
	svc := NewTicketService(nil, nil, nil, nil, nil, nil, nil, zap.NewNop(), TicketConfig{})

	assert.False(t, svc.Enabled())
	assert.ErrorIs(t, svc.Lookup(context.Background(), LookupInput{Email: "jane@example.com"}), ErrTicketsDisabled)
	_, err := svc.Create(context.Background(), CreateInput{})
	assert.ErrorIs(t, err, ErrTicketsDisabled)
	_, err = svc.Status(context.Background(), "x")
	assert.ErrorIs(t, err, ErrTicketsDisabled)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "error", resultLabel(errors.New("relay down")))
}
