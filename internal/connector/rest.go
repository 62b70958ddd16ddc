// Package connector provides CRM vendor connectors. Every connector
// implements the sync.Connector contract; vendors are selected by name at
// integration-construction time.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/callbridge/crmsync/internal/sync"
	"github.com/callbridge/crmsync/internal/target"
)

const maxResponseBody = 4 << 20 // 4 MiB

// RESTConnector talks to a vendor CRM exposing the common REST shape: a
// paged or cursored list endpoint per object type, batch retrieval by id,
// an activities endpoint, phone search, and webhook subscriptions.
//
// The connector performs no retries of its own: a failed vendor call fails
// the task, and the queue runtime's redelivery is the retry with backoff.
type RESTConnector struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRESTConnector creates a connector for one vendor API.
func NewRESTConnector(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *RESTConnector {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RESTConnector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Wire types for the vendor REST shape.

type listResponse struct {
	Items      []recordItem `json:"items"`
	Total      *int         `json:"total,omitempty"`
	NextCursor string       `json:"nextCursor,omitempty"`
	HasMore    bool         `json:"hasMore,omitempty"`
}

type recordItem struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Phone   string         `json:"phone"`
	Email   string         `json:"email,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Partial bool           `json:"partial,omitempty"`
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

type activityPayload struct {
	ContactID string `json:"contactId,omitempty"`
	Phone     string `json:"phone"`
	Kind      string `json:"kind"` // "message" or "call"
	Direction string `json:"direction"`
	Body      string `json:"body,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Duration  int64  `json:"duration,omitempty"`
	At        int64  `json:"at"`
}

type activityResponse struct {
	ID        string `json:"id"`
	ContactID string `json:"contactId"`
}

type webhookSubscription struct {
	Event string `json:"event"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// FetchPage retrieves one page of records. Page-number requests send
// page/limit; cursor requests send cursor/limit. The vendor indicates
// which shape it answered with via total versus nextCursor/hasMore.
func (c *RESTConnector) FetchPage(ctx context.Context, req sync.PageRequest) (*sync.PageResult, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.Limit))

	if req.Page >= 0 {
		q.Set("page", strconv.Itoa(req.Page))
	} else if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}

	if req.ModifiedSince > 0 {
		q.Set("modified_since", time.Unix(0, req.ModifiedSince).UTC().Format(time.RFC3339))
	}

	if req.SortDesc {
		q.Set("sort", "-updated")
	}

	var resp listResponse
	if err := c.call(ctx, http.MethodGet, "/v1/"+url.PathEscape(req.ObjectType)+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	return &sync.PageResult{
		Records:    itemsToRecords(resp.Items),
		Total:      resp.Total,
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}, nil
}

// FetchRecords retrieves full records by id, upgrading list summaries.
func (c *RESTConnector) FetchRecords(ctx context.Context, objectType string, ids []string) ([]sync.Record, error) {
	var resp listResponse
	if err := c.call(ctx, http.MethodPost, "/v1/"+url.PathEscape(objectType)+"/batch", batchRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}

	return itemsToRecords(resp.Items), nil
}

// TransformRecord converts a vendor record to a target-platform contact.
// Names are NFC-normalized and phones canonicalized so identical people
// coming through different paths compare equal.
func (c *RESTConnector) TransformRecord(rec sync.Record) (*target.Contact, error) {
	name := sync.NormalizeName(rec.Name)
	if name == "" {
		return nil, fmt.Errorf("connector: record %s has no name", rec.ID)
	}

	contact := &target.Contact{
		ExternalID: rec.ID,
		Name:       name,
		Phone:      sync.NormalizePhone(rec.Phone),
	}

	if email, ok := rec.Fields["email"].(string); ok {
		contact.Email = email
	}

	for key, val := range rec.Fields {
		if key == "email" {
			continue
		}

		if contact.CustomProps == nil {
			contact.CustomProps = make(map[string]string)
		}

		contact.CustomProps[key] = fmt.Sprint(val)
	}

	return contact, nil
}

// LogMessageActivity mirrors an inbound message into the CRM. When the
// caller resolved no contact id, the vendor searches by phone server-side
// and the resolved id comes back in the result for caching.
func (c *RESTConnector) LogMessageActivity(ctx context.Context, req sync.ActivityRequest) (*sync.ActivityResult, error) {
	if req.Message == nil {
		return nil, fmt.Errorf("connector: message activity request carries no message")
	}

	return c.logActivity(ctx, activityPayload{
		ContactID: req.ContactID,
		Phone:     req.Phone,
		Kind:      "message",
		Direction: req.Message.Direction,
		Body:      req.Message.Body,
		At:        req.Message.At,
	})
}

// LogCallActivity mirrors a call into the CRM.
func (c *RESTConnector) LogCallActivity(ctx context.Context, req sync.ActivityRequest) (*sync.ActivityResult, error) {
	if req.Call == nil {
		return nil, fmt.Errorf("connector: call activity request carries no call")
	}

	return c.logActivity(ctx, activityPayload{
		ContactID: req.ContactID,
		Phone:     req.Phone,
		Kind:      "call",
		Direction: req.Call.Direction,
		Outcome:   req.Call.Outcome,
		Duration:  req.Call.Duration,
		At:        req.Call.At,
	})
}

func (c *RESTConnector) logActivity(ctx context.Context, payload activityPayload) (*sync.ActivityResult, error) {
	var resp activityResponse
	if err := c.call(ctx, http.MethodPost, "/v1/activities", payload, &resp); err != nil {
		return nil, err
	}

	if resp.ContactID == "" {
		// The vendor found no contact for the phone number; the event
		// is dropped rather than attached to nobody.
		return &sync.ActivityResult{Skipped: true, Reason: "no matching contact"}, nil
	}

	return &sync.ActivityResult{
		Logged:     true,
		ActivityID: resp.ID,
		ContactID:  resp.ContactID,
	}, nil
}

// SetupWebhooks registers the vendor-side webhook subscriptions the sync
// engine consumes. Per-subscription failures come back as registration
// entries, not an overall error.
func (c *RESTConnector) SetupWebhooks(ctx context.Context) ([]sync.WebhookRegistration, error) {
	var resp struct {
		Subscriptions []webhookSubscription `json:"subscriptions"`
	}

	if err := c.call(ctx, http.MethodPost, "/v1/webhooks/subscribe", nil, &resp); err != nil {
		return nil, err
	}

	regs := make([]sync.WebhookRegistration, 0, len(resp.Subscriptions))

	for _, sub := range resp.Subscriptions {
		reg := sync.WebhookRegistration{Name: sub.Event}
		if !sub.OK {
			reg.Err = fmt.Errorf("connector: subscribe %s: %s", sub.Event, sub.Error)
		}

		regs = append(regs, reg)
	}

	return regs, nil
}

// call executes one JSON request against the vendor API.
func (c *RESTConnector) call(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("connector: encoding %s %s body: %w", method, path, err)
		}

		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("connector: building %s %s: %w", method, path, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connector: %s %s: %w", method, path, err)
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("connector: reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("connector: %s %s: HTTP %d: %s", method, path, resp.StatusCode, truncate(data))
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("connector: decoding %s %s response: %w", method, path, err)
	}

	return nil
}

func itemsToRecords(items []recordItem) []sync.Record {
	records := make([]sync.Record, len(items))

	for i, it := range items {
		fields := it.Fields
		if it.Email != "" {
			if fields == nil {
				fields = make(map[string]any, 1)
			}

			fields["email"] = it.Email
		}

		records[i] = sync.Record{
			ID:      it.ID,
			Name:    it.Name,
			Phone:   it.Phone,
			Fields:  fields,
			Partial: it.Partial,
		}
	}

	return records
}

func truncate(data []byte) string {
	const limit = 200

	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}

	return s
}

var (
	_ sync.Connector     = (*RESTConnector)(nil)
	_ sync.DetailFetcher = (*RESTConnector)(nil)
)
