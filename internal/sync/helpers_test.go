package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/callbridge/crmsync/internal/target"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// newTestStore creates an in-memory SQLiteStore for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

// --- Fake connector ---

// fakeConnector implements Connector with injectable behavior per method.
// Unset methods use a pass-through default.
type fakeConnector struct {
	fetchPage  func(ctx context.Context, req PageRequest) (*PageResult, error)
	transform  func(rec Record) (*target.Contact, error)
	logMessage func(ctx context.Context, req ActivityRequest) (*ActivityResult, error)
	logCall    func(ctx context.Context, req ActivityRequest) (*ActivityResult, error)
	setup      func(ctx context.Context) ([]WebhookRegistration, error)

	mu         stdsync.Mutex
	fetchCalls []PageRequest
}

func (f *fakeConnector) FetchPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	f.mu.Lock()
	f.fetchCalls = append(f.fetchCalls, req)
	f.mu.Unlock()

	if f.fetchPage == nil {
		return &PageResult{}, nil
	}

	return f.fetchPage(ctx, req)
}

func (f *fakeConnector) TransformRecord(rec Record) (*target.Contact, error) {
	if f.transform != nil {
		return f.transform(rec)
	}

	return &target.Contact{ExternalID: rec.ID, Name: rec.Name, Phone: rec.Phone}, nil
}

func (f *fakeConnector) LogMessageActivity(ctx context.Context, req ActivityRequest) (*ActivityResult, error) {
	if f.logMessage == nil {
		return &ActivityResult{Logged: true, ActivityID: "act-1", ContactID: req.ContactID}, nil
	}

	return f.logMessage(ctx, req)
}

func (f *fakeConnector) LogCallActivity(ctx context.Context, req ActivityRequest) (*ActivityResult, error) {
	if f.logCall == nil {
		return &ActivityResult{Logged: true, ActivityID: "act-1", ContactID: req.ContactID}, nil
	}

	return f.logCall(ctx, req)
}

func (f *fakeConnector) SetupWebhooks(ctx context.Context) ([]WebhookRegistration, error) {
	if f.setup == nil {
		return nil, nil
	}

	return f.setup(ctx)
}

func (f *fakeConnector) pageRequests() []PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]PageRequest, len(f.fetchCalls))
	copy(out, f.fetchCalls)

	return out
}

// fakeDetailConnector adds the detail-fetch capability to fakeConnector.
type fakeDetailConnector struct {
	fakeConnector

	fetchRecords func(ctx context.Context, objectType string, ids []string) ([]Record, error)
}

func (f *fakeDetailConnector) FetchRecords(ctx context.Context, objectType string, ids []string) ([]Record, error) {
	if f.fetchRecords == nil {
		records := make([]Record, len(ids))
		for i, id := range ids {
			records[i] = Record{ID: id, Name: "rec " + id}
		}

		return records, nil
	}

	return f.fetchRecords(ctx, objectType, ids)
}

// --- Fake target client ---

// fakeTarget implements TargetClient, recording calls and assigning target
// ids. Every created contact becomes visible to ListContactsByExternalID
// unless its external id is listed in invisible.
type fakeTarget struct {
	mu        stdsync.Mutex
	created   []*target.Contact
	updated   []*target.Contact
	invisible map[string]bool
	nextID    int

	createErr func(c *target.Contact) error
	getByExt  func(externalID string) (*target.Contact, error)
	searchErr error

	phoneSearches []string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{invisible: make(map[string]bool)}
}

func (f *fakeTarget) assignID() string {
	f.nextID++
	return fmt.Sprintf("tgt-%d", f.nextID)
}

func (f *fakeTarget) BulkCreateContacts(_ context.Context, contacts []*target.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range contacts {
		dup := *c
		dup.ID = f.assignID()
		f.created = append(f.created, &dup)
	}

	return nil
}

func (f *fakeTarget) CreateContact(_ context.Context, c *target.Contact) (*target.Contact, error) {
	if f.createErr != nil {
		if err := f.createErr(c); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dup := *c
	dup.ID = f.assignID()
	f.created = append(f.created, &dup)

	return &dup, nil
}

func (f *fakeTarget) UpdateContact(_ context.Context, c *target.Contact) (*target.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dup := *c
	f.updated = append(f.updated, &dup)

	return &dup, nil
}

func (f *fakeTarget) DeleteContact(_ context.Context, _ string) error {
	return nil
}

func (f *fakeTarget) ListContactsByExternalID(_ context.Context, externalIDs []string) ([]*target.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	want := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		want[id] = true
	}

	var out []*target.Contact

	for _, c := range f.created {
		if want[c.ExternalID] && !f.invisible[c.ExternalID] {
			out = append(out, c)
		}
	}

	return out, nil
}

func (f *fakeTarget) GetContactByExternalID(_ context.Context, externalID string) (*target.Contact, error) {
	if f.getByExt != nil {
		return f.getByExt(externalID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.created {
		if c.ExternalID == externalID {
			return c, nil
		}
	}

	return nil, target.ErrNotFound
}

func (f *fakeTarget) SearchContactsByPhone(_ context.Context, phone string) ([]*target.Contact, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.phoneSearches = append(f.phoneSearches, phone)

	var out []*target.Contact

	for _, c := range f.created {
		if c.Phone == phone {
			out = append(out, c)
		}
	}

	return out, nil
}

func (f *fakeTarget) createdContacts() []*target.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*target.Contact, len(f.created))
	copy(out, f.created)

	return out
}

// --- Recording queue ---

// memQueue records enqueued messages without delivering them, so tests can
// assert exactly what a handler queued.
type memQueue struct {
	mu       stdsync.Mutex
	messages []*TaskMessage
	delays   []time.Duration
}

func (q *memQueue) Enqueue(_ context.Context, msg *TaskMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = append(q.messages, msg)
	q.delays = append(q.delays, delay)

	return nil
}

func (q *memQueue) all() []*TaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*TaskMessage, len(q.messages))
	copy(out, q.messages)

	return out
}

func (q *memQueue) byAction(action TaskAction) []*TaskMessage {
	var out []*TaskMessage

	for _, msg := range q.all() {
		if msg.Action == action {
			out = append(out, msg)
		}
	}

	return out
}

var _ Queue = (*memQueue)(nil)

// intPtr is a convenience for PageResult.Total literals.
func intPtr(v int) *int { return &v }
