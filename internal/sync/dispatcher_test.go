package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingHandler fails the first failures deliveries of each message,
// then succeeds.
type countingHandler struct {
	mu       stdsync.Mutex
	attempts map[string]int
	failures int
}

func newCountingHandler(failures int) *countingHandler {
	return &countingHandler{attempts: make(map[string]int), failures: failures}
}

func (h *countingHandler) HandleTask(_ context.Context, msg *TaskMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.attempts[msg.ID]++
	if h.attempts[msg.ID] <= h.failures {
		return errors.New("transient failure")
	}

	return nil
}

func (h *countingHandler) attemptsFor(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[id]
}

func runDispatcher(t *testing.T, d *Dispatcher) (cancel func()) {
	t.Helper()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	return func() {
		stop()
		<-done
	}
}

func TestDispatcherDeliversOnce(t *testing.T) {
	handler := newCountingHandler(0)
	d := NewDispatcher(handler, DispatcherConfig{Workers: 2, MaxAttempts: 3}, testLogger(t))

	stop := runDispatcher(t, d)
	defer stop()

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &TaskMessage{ID: "m1", Action: TaskFetchPage}, 0))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(drainCtx))

	assert.Equal(t, 1, handler.attemptsFor("m1"))

	delivered, redelivered, deadLettered := d.Stats()
	assert.EqualValues(t, 1, delivered)
	assert.EqualValues(t, 0, redelivered)
	assert.EqualValues(t, 0, deadLettered)
}

func TestDispatcherRedeliversUntilSuccess(t *testing.T) {
	handler := newCountingHandler(2)
	d := NewDispatcher(handler, DispatcherConfig{Workers: 2, MaxAttempts: 5}, testLogger(t))

	stop := runDispatcher(t, d)
	defer stop()

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &TaskMessage{ID: "m1", Action: TaskFetchPage}, 0))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(drainCtx))

	assert.Equal(t, 3, handler.attemptsFor("m1"))

	_, redelivered, deadLettered := d.Stats()
	assert.EqualValues(t, 2, redelivered)
	assert.EqualValues(t, 0, deadLettered)
}

func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	var (
		mu      stdsync.Mutex
		deadMsg *TaskMessage
		deadErr error
	)

	handler := newCountingHandler(100)
	d := NewDispatcher(handler, DispatcherConfig{
		Workers:     2,
		MaxAttempts: 3,
		DeadLetter: func(msg *TaskMessage, err error) {
			mu.Lock()
			deadMsg, deadErr = msg, err
			mu.Unlock()
		},
	}, testLogger(t))

	stop := runDispatcher(t, d)
	defer stop()

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &TaskMessage{ID: "m1", Action: TaskProcessBatch, ProcessID: "p1"}, 0))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(drainCtx))

	assert.Equal(t, 3, handler.attemptsFor("m1"))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, deadMsg)
	assert.Equal(t, "m1", deadMsg.ID)
	assert.Equal(t, 3, deadMsg.Attempts)
	assert.ErrorContains(t, deadErr, "transient failure")
}

func TestDispatcherDelayedEnqueue(t *testing.T) {
	handler := newCountingHandler(0)
	d := NewDispatcher(handler, DispatcherConfig{Workers: 1, MaxAttempts: 1}, testLogger(t))

	stop := runDispatcher(t, d)
	defer stop()

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, d.Enqueue(ctx, &TaskMessage{ID: "m1", Action: TaskLogCall}, 50*time.Millisecond))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(drainCtx))

	assert.Equal(t, 1, handler.attemptsFor("m1"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDispatcherBacklogWatermark(t *testing.T) {
	handler := newCountingHandler(0)
	d := NewDispatcher(handler, DispatcherConfig{Workers: 2, MaxAttempts: 1, MaxInFlight: 4}, testLogger(t))

	ctx := context.Background()

	// Enqueue past the watermark before starting delivery.
	for i := 0; i < 8; i++ {
		require.NoError(t, d.Enqueue(ctx, &TaskMessage{ID: uuid.NewString(), Action: TaskFetchPage}, 0))
	}

	d.mu.Lock()
	assert.True(t, d.backlogged)
	d.mu.Unlock()

	stop := runDispatcher(t, d)
	defer stop()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(drainCtx))

	d.mu.Lock()
	assert.False(t, d.backlogged)
	d.mu.Unlock()
}

// panicHandler panics on every delivery.
type panicHandler struct{}

func (panicHandler) HandleTask(context.Context, *TaskMessage) error {
	panic("handler exploded")
}

func TestDispatcherRecoversFromHandlerPanic(t *testing.T) {
	var deadLettered bool

	var mu stdsync.Mutex

	d := NewDispatcher(panicHandler{}, DispatcherConfig{
		Workers:     1,
		MaxAttempts: 1,
		DeadLetter: func(*TaskMessage, error) {
			mu.Lock()
			deadLettered = true
			mu.Unlock()
		},
	}, testLogger(t))

	stop := runDispatcher(t, d)
	defer stop()

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &TaskMessage{ID: "m1", Action: TaskFetchPage}, 0))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(drainCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, deadLettered)
}
