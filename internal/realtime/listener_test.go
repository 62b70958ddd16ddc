package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callbridge/crmsync/internal/sync"
)

type fakeSink struct {
	messages []*sync.MessageEvent
	calls    []*sync.CallEvent
	batches  map[string][]sync.Record

	err error
}

func newFakeSink() *fakeSink {
	return &fakeSink{batches: make(map[string][]sync.Record)}
}

func (f *fakeSink) LogInboundMessage(_ context.Context, ev *sync.MessageEvent) (*sync.ActivityResult, error) {
	f.messages = append(f.messages, ev)
	return &sync.ActivityResult{Logged: true}, f.err
}

func (f *fakeSink) LogInboundCall(_ context.Context, call *sync.CallEvent) (*sync.ActivityResult, error) {
	f.calls = append(f.calls, call)
	return &sync.ActivityResult{Logged: true}, f.err
}

func (f *fakeSink) HandleWebhookBatch(_ context.Context, objectType string, records []sync.Record) (*sync.SyncProcess, error) {
	f.batches[objectType] = append(f.batches[objectType], records...)
	return &sync.SyncProcess{}, f.err
}

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

func newTestListener(t *testing.T, sink Sink) *Listener {
	t.Helper()

	return NewListener("ws://127.0.0.1:1/stream", "tok", sink, testLogger(t))
}

func TestDispatchMessageFrame(t *testing.T) {
	sink := newFakeSink()
	l := newTestListener(t, sink)

	data := []byte(`{"type":"message","payload":{
		"eventId":"ev-1","phone":"+15550100001","direction":"inbound","body":"hello","at":1700000000}}`)

	require.NoError(t, l.dispatch(context.Background(), data))
	require.Len(t, sink.messages, 1)

	ev := sink.messages[0]
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, "+15550100001", ev.Phone)
	assert.Equal(t, "hello", ev.Body)
}

func TestDispatchCallFrame(t *testing.T) {
	sink := newFakeSink()
	l := newTestListener(t, sink)

	data := []byte(`{"type":"call","payload":{
		"eventId":"ev-2","phone":"+15550100001","direction":"inbound","outcome":"no_answer","duration":0,"at":1700000000}}`)

	require.NoError(t, l.dispatch(context.Background(), data))
	require.Len(t, sink.calls, 1)
	assert.Equal(t, sync.CallOutcomeNoAnswer, sink.calls[0].Outcome)
}

func TestDispatchContactBatchFrame(t *testing.T) {
	sink := newFakeSink()
	l := newTestListener(t, sink)

	data := []byte(`{"type":"contact.batch","objectType":"person","payload":[
		{"id":"crm-1","name":"Ada Lovelace","phone":"+15550100001"},
		{"id":"crm-2","name":"Grace Hopper","phone":"+15550100002"}]}`)

	require.NoError(t, l.dispatch(context.Background(), data))
	require.Len(t, sink.batches["person"], 2)
	assert.Equal(t, "crm-1", sink.batches["person"][0].ID)
}

func TestDispatchUnknownFrameIgnored(t *testing.T) {
	sink := newFakeSink()
	l := newTestListener(t, sink)

	require.NoError(t, l.dispatch(context.Background(), []byte(`{"type":"presence","payload":{}}`)))
	assert.Empty(t, sink.messages)
	assert.Empty(t, sink.calls)
}

func TestDispatchMalformedFrame(t *testing.T) {
	l := newTestListener(t, newFakeSink())

	require.Error(t, l.dispatch(context.Background(), []byte(`{not json`)))
	require.Error(t, l.dispatch(context.Background(), []byte(`{"type":"message","payload":"nope"}`)))
}

func TestDispatchPropagatesSinkError(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("store unavailable")
	l := newTestListener(t, sink)

	err := l.dispatch(context.Background(), []byte(`{"type":"message","payload":{"eventId":"ev-1"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestConsumeReadsFramesFromServer(t *testing.T) {
	sink := newFakeSink()

	received := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)

		defer conn.Close(websocket.StatusNormalClosure, "done")

		frames := [][]byte{
			[]byte(`{"type":"message","payload":{"eventId":"ev-1","phone":"+15550100001"}}`),
			[]byte(`{"type":"bogus frame`), // poison frame must not kill the connection
			[]byte(`{"type":"call","payload":{"eventId":"ev-2","outcome":"answered"}}`),
		}

		for _, f := range frames {
			require.NoError(t, conn.Write(r.Context(), websocket.MessageText, f))
		}

		<-received
	}))
	defer srv.Close()

	l := NewListener("ws"+strings.TrimPrefix(srv.URL, "http"), "tok", newFakeSinkNotify(sink, received, 2), testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.consume(ctx)
	require.Error(t, err) // connection close surfaces as a read error

	require.Len(t, sink.messages, 1)
	require.Len(t, sink.calls, 1)
	assert.Equal(t, "ev-1", sink.messages[0].EventID)
	assert.Equal(t, "ev-2", sink.calls[0].EventID)
}

// notifySink closes done after n sink deliveries so the test server knows
// when to hang up.
type notifySink struct {
	*fakeSink

	remaining int
	done      chan struct{}
}

func newFakeSinkNotify(sink *fakeSink, done chan struct{}, n int) *notifySink {
	return &notifySink{fakeSink: sink, remaining: n, done: done}
}

func (n *notifySink) countDown() {
	n.remaining--
	if n.remaining == 0 {
		close(n.done)
	}
}

func (n *notifySink) LogInboundMessage(ctx context.Context, ev *sync.MessageEvent) (*sync.ActivityResult, error) {
	defer n.countDown()
	return n.fakeSink.LogInboundMessage(ctx, ev)
}

func (n *notifySink) LogInboundCall(ctx context.Context, call *sync.CallEvent) (*sync.ActivityResult, error) {
	defer n.countDown()
	return n.fakeSink.LogInboundCall(ctx, call)
}

func TestListenStopsOnContextCancel(t *testing.T) {
	l := newTestListener(t, newFakeSink())

	// Dialing an unreachable URL fails fast; the sleep hook observes the
	// reconnect backoff and cancels.
	cancelled := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())

	l.sleepFunc = func(ctx context.Context, d time.Duration) error {
		assert.Equal(t, initialReconnectBackoff, d)
		cancel()
		close(cancelled)

		return ctx.Err()
	}

	require.NoError(t, l.Listen(ctx))

	select {
	case <-cancelled:
	default:
		t.Fatal("listener never reached the reconnect sleep")
	}
}
