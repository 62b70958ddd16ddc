package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callbridge/crmsync/internal/target"
)

type webhookHarness struct {
	wp    *WebhookProcessor
	store *SQLiteStore
	queue *memQueue
	conn  *fakeConnector
	tgt   *fakeTarget
}

func newWebhookHarness(t *testing.T, conn *fakeConnector) *webhookHarness {
	t.Helper()

	logger := testLogger(t)
	store := newTestStore(t)
	queue := &memQueue{}
	qm := NewQueueManager(queue, "int-1", logger)
	tgt := newFakeTarget()

	return &webhookHarness{
		wp:    NewWebhookProcessor(conn, tgt, store, qm, "int-1", logger),
		store: store,
		queue: queue,
		conn:  conn,
		tgt:   tgt,
	}
}

func TestLogInboundMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("logs and records the dedup mapping", func(t *testing.T) {
		var gotReq ActivityRequest

		conn := &fakeConnector{
			logMessage: func(_ context.Context, req ActivityRequest) (*ActivityResult, error) {
				gotReq = req
				return &ActivityResult{Logged: true, ActivityID: "act-9", ContactID: "crm-7"}, nil
			},
		}
		h := newWebhookHarness(t, conn)

		ev := &MessageEvent{EventID: "ev-1", Phone: "+1 (555) 010-2030", Direction: "inbound", Body: "hi"}

		res, err := h.wp.LogInboundMessage(ctx, ev)
		require.NoError(t, err)
		assert.True(t, res.Logged)

		// Phone was normalized before reaching the connector.
		assert.Equal(t, "+15550102030", gotReq.Phone)

		m, err := h.store.GetMappingByExternalID(ctx, "int-1", EntityActivity, "ev-1")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "act-9", m.TargetID)
	})

	t.Run("duplicate event id is skipped", func(t *testing.T) {
		calls := 0

		conn := &fakeConnector{
			logMessage: func(_ context.Context, req ActivityRequest) (*ActivityResult, error) {
				calls++
				return &ActivityResult{Logged: true, ActivityID: "act-1", ContactID: "crm-1"}, nil
			},
		}
		h := newWebhookHarness(t, conn)

		ev := &MessageEvent{EventID: "ev-dup", Phone: "+15550102030", Body: "hi"}

		_, err := h.wp.LogInboundMessage(ctx, ev)
		require.NoError(t, err)

		res, err := h.wp.LogInboundMessage(ctx, ev)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, "duplicate", res.Reason)
		assert.Equal(t, 1, calls)
	})

	t.Run("resolved contact is cached as a phone mapping", func(t *testing.T) {
		conn := &fakeConnector{
			logMessage: func(_ context.Context, req ActivityRequest) (*ActivityResult, error) {
				// Cache miss: the connector searched vendor-side.
				assert.Empty(t, req.ContactID)
				return &ActivityResult{Logged: true, ActivityID: "act-2", ContactID: "crm-55"}, nil
			},
		}
		h := newWebhookHarness(t, conn)

		_, err := h.wp.LogInboundMessage(ctx, &MessageEvent{EventID: "ev-2", Phone: "+15550109999"})
		require.NoError(t, err)

		m, err := h.store.GetMappingByPhone(ctx, "int-1", "+15550109999")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "crm-55", m.ExternalID)

		// The next event from the same phone hits the cache.
		conn.logMessage = func(_ context.Context, req ActivityRequest) (*ActivityResult, error) {
			assert.Equal(t, "crm-55", req.ContactID)
			return &ActivityResult{Logged: true, ActivityID: "act-3", ContactID: "crm-55"}, nil
		}

		_, err = h.wp.LogInboundMessage(ctx, &MessageEvent{EventID: "ev-3", Phone: "+1 555 010 9999"})
		require.NoError(t, err)
	})
}

func TestPhoneLookupFallsBackToTargetSearch(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		logMessage: func(_ context.Context, req ActivityRequest) (*ActivityResult, error) {
			// Resolved by the target-platform search, not vendor-side.
			assert.Equal(t, "crm-88", req.ContactID)
			return &ActivityResult{Logged: true, ActivityID: "act-8", ContactID: "crm-88"}, nil
		},
	}
	h := newWebhookHarness(t, conn)

	// A contact synced earlier exists on the target with this phone number,
	// but no phone-keyed mapping was ever cached.
	_, err := h.tgt.CreateContact(ctx, &target.Contact{
		ExternalID: "crm-88", Name: "Known Caller", Phone: "+15550105555",
	})
	require.NoError(t, err)

	_, err = h.wp.LogInboundMessage(ctx, &MessageEvent{EventID: "ev-s1", Phone: "+1 555 010 5555"})
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550105555"}, h.tgt.phoneSearches)

	// The hit was cached, so the next event resolves without searching.
	m, err := h.store.GetMappingByPhone(ctx, "int-1", "+15550105555")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "crm-88", m.ExternalID)

	_, err = h.wp.LogInboundMessage(ctx, &MessageEvent{EventID: "ev-s2", Phone: "+15550105555"})
	require.NoError(t, err)
	assert.Len(t, h.tgt.phoneSearches, 1)
}

func TestPhoneLookupToleratesTargetSearchFailure(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		logMessage: func(_ context.Context, req ActivityRequest) (*ActivityResult, error) {
			// Unresolved: the connector searches vendor-side instead.
			assert.Empty(t, req.ContactID)
			return &ActivityResult{Logged: true, ActivityID: "act-9", ContactID: "crm-9"}, nil
		},
	}
	h := newWebhookHarness(t, conn)
	h.tgt.searchErr = errors.New("search index unavailable")

	res, err := h.wp.LogInboundMessage(ctx, &MessageEvent{EventID: "ev-s3", Phone: "+15550106666"})
	require.NoError(t, err)
	assert.True(t, res.Logged)
}

func TestLogInboundCall(t *testing.T) {
	ctx := context.Background()

	t.Run("answered call logs immediately", func(t *testing.T) {
		conn := &fakeConnector{}
		h := newWebhookHarness(t, conn)

		res, err := h.wp.LogInboundCall(ctx, &CallEvent{
			EventID: "call-1", Phone: "+15550102030", Outcome: "answered", Duration: 42,
		})
		require.NoError(t, err)
		assert.True(t, res.Logged)
		assert.Empty(t, h.queue.all())
	})

	t.Run("no-answer call is deferred for voicemail", func(t *testing.T) {
		calls := 0

		conn := &fakeConnector{
			logCall: func(_ context.Context, _ ActivityRequest) (*ActivityResult, error) {
				calls++
				return &ActivityResult{Logged: true, ActivityID: "act-1", ContactID: "crm-1"}, nil
			},
		}
		h := newWebhookHarness(t, conn)

		res, err := h.wp.LogInboundCall(ctx, &CallEvent{
			EventID: "call-2", Phone: "+15550102030", Outcome: CallOutcomeNoAnswer,
		})
		require.NoError(t, err)
		assert.False(t, res.Logged)
		assert.Equal(t, "deferred", res.Reason)
		assert.Zero(t, calls)

		// The continuation is queued with the voicemail wait and the
		// Deferred marker set.
		msgs := h.queue.byAction(TaskLogCall)
		require.Len(t, msgs, 1)
		require.NotNil(t, msgs[0].Call)
		assert.True(t, msgs[0].Call.Deferred)
		assert.Equal(t, DefaultVoicemailWait, h.queue.delays[0])

		// Delivering the continuation logs for real.
		require.NoError(t, h.wp.HandleLogCall(ctx, msgs[0]))
		assert.Equal(t, 1, calls)
	})

	t.Run("duplicate call event is skipped", func(t *testing.T) {
		conn := &fakeConnector{}
		h := newWebhookHarness(t, conn)

		_, err := h.wp.LogInboundCall(ctx, &CallEvent{
			EventID: "call-3", Phone: "+15550102030", Outcome: "answered",
		})
		require.NoError(t, err)

		res, err := h.wp.LogInboundCall(ctx, &CallEvent{
			EventID: "call-3", Phone: "+15550102030", Outcome: "answered",
		})
		require.NoError(t, err)
		assert.True(t, res.Skipped)
	})
}

func TestWebhookSkippedActivityLeavesNoDedupMapping(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		logMessage: func(_ context.Context, _ ActivityRequest) (*ActivityResult, error) {
			return &ActivityResult{Skipped: true, Reason: "no matching contact"}, nil
		},
	}
	h := newWebhookHarness(t, conn)

	res, err := h.wp.LogInboundMessage(ctx, &MessageEvent{EventID: "ev-x", Phone: "+15550100000"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	// Not logged means no dedup mapping: a retry with the same event id
	// may still succeed later.
	m, err := h.store.GetMappingByExternalID(ctx, "int-1", EntityActivity, "ev-x")
	require.NoError(t, err)
	assert.Nil(t, m)
}
