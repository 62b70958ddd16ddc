package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callbridge/crmsync/internal/sync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestConnector(t *testing.T, handler http.HandlerFunc) *RESTConnector {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewRESTConnector(srv.URL, "vendor-key", srv.Client(), testLogger(t))
}

func intPtr(v int) *int { return &v }

func TestFetchPageByNumber(t *testing.T) {
	conn := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/person", r.URL.Path)
		assert.Equal(t, "Bearer vendor-key", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Empty(t, q.Get("cursor"))
		assert.Equal(t, "-updated", q.Get("sort"))
		assert.NotEmpty(t, q.Get("modified_since"))

		require.NoError(t, json.NewEncoder(w).Encode(listResponse{
			Items: []recordItem{
				{ID: "crm-1", Name: "Ada Lovelace", Phone: "+1 555 010 0001", Email: "ada@example.com"},
			},
			Total: intPtr(250),
		}))
	})

	res, err := conn.FetchPage(context.Background(), sync.PageRequest{
		ObjectType:    "person",
		Page:          2,
		Limit:         100,
		ModifiedSince: 1_700_000_000_000_000_000,
		SortDesc:      true,
	})
	require.NoError(t, err)

	require.NotNil(t, res.Total)
	assert.Equal(t, 250, *res.Total)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "crm-1", res.Records[0].ID)
	// The list email lands in Fields so TransformRecord finds it.
	assert.Equal(t, "ada@example.com", res.Records[0].Fields["email"])
}

func TestFetchPageByCursor(t *testing.T) {
	conn := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "c2", q.Get("cursor"))
		assert.Empty(t, q.Get("page"))

		require.NoError(t, json.NewEncoder(w).Encode(listResponse{
			Items:      []recordItem{{ID: "crm-9", Name: "Grace Hopper"}},
			NextCursor: "c3",
			HasMore:    true,
		}))
	})

	res, err := conn.FetchPage(context.Background(), sync.PageRequest{
		ObjectType: "person",
		Page:       -1,
		Cursor:     "c2",
		Limit:      50,
	})
	require.NoError(t, err)

	assert.Nil(t, res.Total)
	assert.Equal(t, "c3", res.NextCursor)
	assert.True(t, res.HasMore)
	require.Len(t, res.Records, 1)
}

func TestFetchPageVendorError(t *testing.T) {
	conn := newTestConnector(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	})

	_, err := conn.FetchPage(context.Background(), sync.PageRequest{ObjectType: "person", Limit: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestFetchRecords(t *testing.T) {
	conn := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/person/batch", r.URL.Path)

		var req batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"crm-1", "crm-2"}, req.IDs)

		require.NoError(t, json.NewEncoder(w).Encode(listResponse{
			Items: []recordItem{
				{ID: "crm-1", Name: "Ada Lovelace", Fields: map[string]any{"company": "Analytical Engines"}},
				{ID: "crm-2", Name: "Grace Hopper"},
			},
		}))
	})

	records, err := conn.FetchRecords(context.Background(), "person", []string{"crm-1", "crm-2"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Analytical Engines", records[0].Fields["company"])
}

func TestTransformRecord(t *testing.T) {
	conn := NewRESTConnector("http://unused", "k", nil, testLogger(t))

	contact, err := conn.TransformRecord(sync.Record{
		ID:    "crm-1",
		Name:  "  Ada   Lovelace ",
		Phone: "+1 (555) 010-0001",
		Fields: map[string]any{
			"email":   "ada@example.com",
			"company": "Analytical Engines",
			"score":   42,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "crm-1", contact.ExternalID)
	assert.Equal(t, "Ada Lovelace", contact.Name)
	assert.Equal(t, "+15550100001", contact.Phone)
	assert.Equal(t, "ada@example.com", contact.Email)
	assert.Equal(t, map[string]string{"company": "Analytical Engines", "score": "42"}, contact.CustomProps)
}

func TestTransformRecordRequiresName(t *testing.T) {
	conn := NewRESTConnector("http://unused", "k", nil, testLogger(t))

	_, err := conn.TransformRecord(sync.Record{ID: "crm-1", Name: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm-1")
}

func TestLogMessageActivity(t *testing.T) {
	conn := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/activities", r.URL.Path)

		var payload activityPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "message", payload.Kind)
		assert.Equal(t, "inbound", payload.Direction)
		assert.Equal(t, "+15550100001", payload.Phone)

		require.NoError(t, json.NewEncoder(w).Encode(activityResponse{ID: "act-1", ContactID: "crm-1"}))
	})

	res, err := conn.LogMessageActivity(context.Background(), sync.ActivityRequest{
		Phone: "+15550100001",
		Message: &sync.MessageEvent{
			EventID:   "ev-1",
			Direction: "inbound",
			Body:      "hello",
			At:        1_700_000_000,
		},
	})
	require.NoError(t, err)

	assert.True(t, res.Logged)
	assert.Equal(t, "act-1", res.ActivityID)
	assert.Equal(t, "crm-1", res.ContactID)
}

func TestLogActivityNoMatchingContact(t *testing.T) {
	conn := newTestConnector(t, func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(activityResponse{}))
	})

	res, err := conn.LogCallActivity(context.Background(), sync.ActivityRequest{
		Phone: "+15550100001",
		Call:  &sync.CallEvent{EventID: "ev-2", Direction: "inbound", Outcome: "answered"},
	})
	require.NoError(t, err)

	assert.False(t, res.Logged)
	assert.True(t, res.Skipped)
	assert.Equal(t, "no matching contact", res.Reason)
}

func TestSetupWebhooks(t *testing.T) {
	conn := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/webhooks/subscribe", r.URL.Path)

		_, _ = w.Write([]byte(`{"subscriptions":[
			{"event":"contact.updated","ok":true},
			{"event":"call.finished","ok":false,"error":"quota exceeded"}
		]}`))
	})

	regs, err := conn.SetupWebhooks(context.Background())
	require.NoError(t, err)
	require.Len(t, regs, 2)

	assert.Equal(t, "contact.updated", regs[0].Name)
	assert.NoError(t, regs[0].Err)

	assert.Equal(t, "call.finished", regs[1].Name)
	require.Error(t, regs[1].Err)
	assert.Contains(t, regs[1].Err.Error(), "quota exceeded")
}
