package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry and backoff constants.
const (
	maxRetries  = 5
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
)

// Client is an HTTP client for the target platform API. It handles request
// construction, authentication, retry with fibonacci backoff, and error
// classification. Conflict responses surface as ErrConflict without retry
// so the caller's conflict-resolution path can take over.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a target platform API client.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// do executes one JSON request with retry on transient failures and decodes
// the response into out (when out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("target: encoding %s %s body: %w", method, path, err)
		}
	}

	backoff := retry.WithCappedDuration(maxBackoff,
		retry.WithMaxRetries(maxRetries, retry.NewFibonacci(baseBackoff)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && isRetryable(apiErr.StatusCode) {
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", apiErr.StatusCode),
			)

			return retry.RetryableError(err)
		}

		// Network-level errors (no APIError) are retryable too, unless the
		// context is already canceled.
		if apiErr == nil && ctx.Err() == nil {
			c.logger.Warn("retrying after network error",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		return err
	})
}

// doOnce executes a single HTTP round trip.
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("target: building %s %s: %w", method, path, err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("target: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out == nil {
			return nil
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("target: decoding %s %s response: %w", method, path, err)
		}

		return nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// --- API operations ---

// BulkCreateContacts creates contacts in one batch. The platform accepts the
// batch asynchronously; callers confirm visibility by re-fetching via
// ListContactsByExternalID after a short interval.
func (c *Client) BulkCreateContacts(ctx context.Context, contacts []*Contact) error {
	c.logger.Debug("bulk creating contacts", slog.Int("count", len(contacts)))

	return c.do(ctx, http.MethodPost, "/v1/contacts/bulk", bulkCreateRequest{Contacts: contacts}, nil)
}

// CreateContact creates a single contact. Returns ErrConflict (wrapped in
// APIError) when a contact with the same external id already exists.
func (c *Client) CreateContact(ctx context.Context, contact *Contact) (*Contact, error) {
	c.logger.Debug("creating contact", slog.String("external_id", contact.ExternalID))

	created := &Contact{}
	if err := c.do(ctx, http.MethodPost, "/v1/contacts", contact, created); err != nil {
		return nil, err
	}

	return created, nil
}

// UpdateContact updates an existing contact by target id.
func (c *Client) UpdateContact(ctx context.Context, contact *Contact) (*Contact, error) {
	c.logger.Debug("updating contact", slog.String("id", contact.ID))

	updated := &Contact{}
	path := "/v1/contacts/" + url.PathEscape(contact.ID)

	if err := c.do(ctx, http.MethodPut, path, contact, updated); err != nil {
		return nil, err
	}

	return updated, nil
}

// DeleteContact removes a contact by target id.
func (c *Client) DeleteContact(ctx context.Context, id string) error {
	c.logger.Debug("deleting contact", slog.String("id", id))

	return c.do(ctx, http.MethodDelete, "/v1/contacts/"+url.PathEscape(id), nil, nil)
}

// ListContactsByExternalID fetches contacts matching the given external ids.
// Records absent from the response have not (yet) materialized on the
// platform.
func (c *Client) ListContactsByExternalID(ctx context.Context, externalIDs []string) ([]*Contact, error) {
	c.logger.Debug("listing contacts by external id", slog.Int("count", len(externalIDs)))

	list := &contactList{}
	req := struct {
		ExternalIDs []string `json:"external_ids"`
	}{ExternalIDs: externalIDs}

	if err := c.do(ctx, http.MethodPost, "/v1/contacts/lookup", req, list); err != nil {
		return nil, err
	}

	return list.Contacts, nil
}

// GetContactByExternalID fetches the single contact with the given external
// id. Returns ErrNotFound (wrapped) when none exists.
func (c *Client) GetContactByExternalID(ctx context.Context, externalID string) (*Contact, error) {
	c.logger.Debug("getting contact by external id", slog.String("external_id", externalID))

	contact := &Contact{}
	path := "/v1/contacts/external/" + url.PathEscape(externalID)

	if err := c.do(ctx, http.MethodGet, path, nil, contact); err != nil {
		return nil, err
	}

	return contact, nil
}

// CreateCallActivity records a call activity against a contact.
func (c *Client) CreateCallActivity(ctx context.Context, activity *Activity) (*Activity, error) {
	c.logger.Debug("creating call activity", slog.String("external_id", activity.ExternalID))

	activity.Kind = "call"

	return c.createActivity(ctx, activity)
}

// CreateMessageActivity records a message activity against a contact.
func (c *Client) CreateMessageActivity(ctx context.Context, activity *Activity) (*Activity, error) {
	c.logger.Debug("creating message activity", slog.String("external_id", activity.ExternalID))

	activity.Kind = "message"

	return c.createActivity(ctx, activity)
}

func (c *Client) createActivity(ctx context.Context, activity *Activity) (*Activity, error) {
	created := &Activity{}
	if err := c.do(ctx, http.MethodPost, "/v1/activities", activity, created); err != nil {
		return nil, err
	}

	return created, nil
}

// SearchContactsByPhone finds contacts whose phone number matches.
func (c *Client) SearchContactsByPhone(ctx context.Context, phone string) ([]*Contact, error) {
	c.logger.Debug("searching contacts by phone")

	list := &contactList{}
	path := "/v1/contacts/search?phone=" + url.QueryEscape(phone)

	if err := c.do(ctx, http.MethodGet, path, nil, list); err != nil {
		return nil, err
	}

	return list.Contacts, nil
}
