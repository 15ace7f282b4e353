package syncro

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL + "/", APIToken: "secret-token", Timeout: 5 * time.Second})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFindCustomerByEmail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/customers", r.URL.Path)
		assert.Equal(t, "jane@example.com", r.URL.Query().Get("email"))
		writeJSON(w, http.StatusOK, map[string]any{
			"customers": []map[string]any{
				{"id": 7, "email": "other@example.com"},
				{"id": 9, "email": "Jane@Example.com", "firstname": "Jane", "lastname": "Doe"},
			},
		})
	})

	cust, err := c.FindCustomerByEmail(context.Background(), "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, cust)
	assert.Equal(t, int64(9), cust.ID)
	assert.Equal(t, "Jane", cust.FirstName)
}

func TestFindCustomerByEmailNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"customers": []any{}})
	})

	cust, err := c.FindCustomerByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, cust)
}

func TestCreateTicket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tickets", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 9, body["customer_id"])
		assert.Equal(t, "VPN down", body["subject"])
		comments := body["comments_attributes"].([]any)
		require.Len(t, comments, 1)
		assert.Equal(t, "It stopped working.", comments[0].(map[string]any)["body"])
		assert.Equal(t, false, comments[0].(map[string]any)["hidden"])

		writeJSON(w, http.StatusOK, map[string]any{
			"ticket": map[string]any{"id": 555, "number": 1042, "subject": "VPN down", "status": "New", "customer_id": 9},
		})
	})

	tk, err := c.CreateTicket(context.Background(), NewTicket{CustomerID: 9, Subject: "VPN down", Body: "It stopped working."})
	require.NoError(t, err)
	assert.Equal(t, int64(555), tk.ID)
	assert.Equal(t, "1042", tk.Number)
	assert.Equal(t, "New", tk.Status)
}

func TestListTicketsByCustomerNewestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.URL.Query().Get("customer_id"))
		writeJSON(w, http.StatusOK, map[string]any{
			"tickets": []map[string]any{
				{"id": 1, "number": 100, "customer_id": 9, "created_at": "2024-01-01T00:00:00Z"},
				{"id": 2, "number": 101, "customer_id": 9, "created_at": "2024-03-01T00:00:00Z"},
				{"id": 3, "number": 102, "customer_id": 12, "created_at": "2024-04-01T00:00:00Z"},
			},
		})
	})

	tickets, err := c.ListTicketsByCustomer(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "101", tickets[0].Number)
	assert.Equal(t, "100", tickets[1].Number)
}

func TestGetTicketByNumber(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tickets":
			assert.Equal(t, "1042", r.URL.Query().Get("number"))
			writeJSON(w, http.StatusOK, map[string]any{
				"tickets": []map[string]any{{"id": 555, "number": 1042}},
			})
		case "/tickets/555":
			writeJSON(w, http.StatusOK, map[string]any{
				"ticket": map[string]any{
					"id": 555, "number": 1042, "subject": "VPN down", "status": "In Progress",
					"customer": map[string]any{"id": 9, "email": "jane@example.com"},
					"comments": []map[string]any{
						{"id": 1, "body": "We are looking into it.", "hidden": false},
						{"id": 2, "body": "internal note", "hidden": true},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	tk, err := c.GetTicketByNumber(context.Background(), "1042")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", tk.CustomerEmail)
	public := tk.PublicComments()
	require.Len(t, public, 1)
	assert.Equal(t, "We are looking into it.", public[0].Body)
}

func TestGetTicketByNumberNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tickets": []any{}})
	})

	_, err := c.GetTicketByNumber(context.Background(), "9999")
	assert.ErrorIs(t, err, domain.ErrTicketNotFound)
}

func TestGetTicket404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})

	_, err := c.GetTicket(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrTicketNotFound)
}

func TestAPIErrorWrapsStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad token"})
	})

	_, err := c.FindCustomerByEmail(context.Background(), "jane@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAPI)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, apiErr.Body, "bad token")
}

func TestTransportErrorWrapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(Options{BaseURL: srv.URL, APIToken: "x", Timeout: time.Second})

	_, err := c.FindCustomerByEmail(context.Background(), "jane@example.com")
	assert.ErrorIs(t, err, ErrAPI)
}
