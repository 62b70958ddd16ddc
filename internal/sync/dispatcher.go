package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// minWorkers is the floor for dispatcher concurrency.
const minWorkers = 2

// Handler processes one delivered task message. A non-nil error triggers
// redelivery until the attempt budget is exhausted, then dead-lettering —
// handlers must therefore be idempotent.
type Handler interface {
	HandleTask(ctx context.Context, msg *TaskMessage) error
}

// DeadLetterFunc receives messages whose deliveries were all exhausted.
type DeadLetterFunc func(msg *TaskMessage, err error)

// Dispatcher is the in-process work queue runtime: at-least-once delivery
// into a bounded worker pool. Fan-out can burst far beyond steady-state
// concurrency, so backpressure is applied as bounded concurrency — the
// pending queue itself is unbounded and never rejects an enqueue.
type Dispatcher struct {
	handler     Handler
	workers     int
	maxAttempts int
	maxInFlight int
	retryDelay  time.Duration
	deadLetter  DeadLetterFunc
	logger      *slog.Logger

	mu          stdsync.Mutex
	cond        *stdsync.Cond
	pending     []*TaskMessage
	outstanding int // pending + delayed + in-flight messages
	backlogged  bool
	notify      chan struct{}

	delivered    atomic.Int64
	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	Workers     int
	MaxAttempts int
	// MaxInFlight is the backlog watermark: outstanding work beyond it is
	// still accepted but logged, since a sustained crossing means the
	// vendor is producing faster than the workers drain.
	MaxInFlight int
	RetryDelay  time.Duration
	DeadLetter  DeadLetterFunc
}

// NewDispatcher creates a Dispatcher. The handler is invoked once per
// delivery from a bounded pool of workers.
func NewDispatcher(handler Handler, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers < minWorkers {
		workers = minWorkers
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	d := &Dispatcher{
		handler:     handler,
		workers:     workers,
		maxAttempts: maxAttempts,
		maxInFlight: cfg.MaxInFlight,
		retryDelay:  cfg.RetryDelay,
		deadLetter:  cfg.DeadLetter,
		logger:      logger,
		notify:      make(chan struct{}, 1),
	}
	d.cond = stdsync.NewCond(&d.mu)

	return d
}

// Enqueue adds a message to the queue, optionally after a delay. The delay
// is a scheduled continuation, not a blocking wait: it occupies no worker
// slot while pending.
func (d *Dispatcher) Enqueue(ctx context.Context, msg *TaskMessage, delay time.Duration) error {
	d.mu.Lock()
	d.outstanding++

	if d.maxInFlight > 0 && d.outstanding > d.maxInFlight && !d.backlogged {
		d.backlogged = true
		d.logger.Warn("task backlog above watermark",
			slog.Int("outstanding", d.outstanding),
			slog.Int("max_in_flight", d.maxInFlight),
		)
	}
	d.mu.Unlock()

	if delay <= 0 {
		d.push(msg)
		return nil
	}

	timer := time.AfterFunc(delay, func() { d.push(msg) })

	// Drop the scheduled delivery if the whole runtime is being torn down.
	go func() {
		<-ctx.Done()

		if timer.Stop() {
			d.finish()
		}
	}()

	return nil
}

// push appends a message and wakes the dispatch loop.
func (d *Dispatcher) push(msg *TaskMessage) {
	d.mu.Lock()
	d.pending = append(d.pending, msg)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// pop removes the oldest pending message, or returns nil.
func (d *Dispatcher) pop() *TaskMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return nil
	}

	msg := d.pending[0]
	d.pending = d.pending[1:]

	return msg
}

// finish marks one outstanding message as fully resolved.
func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.outstanding--

	if d.backlogged && d.outstanding <= d.maxInFlight/2 {
		d.backlogged = false
		d.logger.Info("task backlog drained below watermark",
			slog.Int("outstanding", d.outstanding),
		)
	}

	if d.outstanding <= 0 {
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

// Run delivers messages until ctx is canceled. Blocks; call from its own
// goroutine in service mode.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		slog.Int("workers", d.workers),
		slog.Int("max_attempts", d.maxAttempts),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for {
		msg := d.pop()
		if msg == nil {
			select {
			case <-ctx.Done():
				if err := g.Wait(); err != nil {
					d.logger.Error("dispatcher worker error", "error", err)
				}

				d.logger.Info("dispatcher stopped")

				return nil
			case <-d.notify:
				continue
			}
		}

		// g.Go blocks when all workers are busy — this is the
		// backpressure point for fan-out bursts.
		g.Go(func() error {
			d.deliver(gctx, msg)
			return nil
		})
	}
}

// Drain blocks until every enqueued message (including delayed and
// redelivered ones) has fully resolved, or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		d.mu.Lock()
		for d.outstanding > 0 {
			d.cond.Wait()
		}
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the cond waiter so its goroutine can exit.
		d.cond.Broadcast()
		return fmt.Errorf("sync: drain interrupted: %w", ctx.Err())
	}
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() (delivered, redelivered, deadLettered int64) {
	return d.delivered.Load(), d.redelivered.Load(), d.deadLettered.Load()
}

// deliver runs one delivery attempt with panic recovery, then decides
// between completion, redelivery, and dead-lettering.
func (d *Dispatcher) deliver(ctx context.Context, msg *TaskMessage) {
	msg.Attempts++
	d.delivered.Add(1)

	err := d.safeHandle(ctx, msg)
	if err == nil {
		d.finish()
		return
	}

	if msg.Attempts < d.maxAttempts && ctx.Err() == nil {
		d.redelivered.Add(1)
		d.logger.Warn("task failed, scheduling redelivery",
			slog.String("action", string(msg.Action)),
			slog.String("process_id", msg.ProcessID),
			slog.Int("attempt", msg.Attempts),
			slog.String("error", err.Error()),
		)

		if d.retryDelay <= 0 {
			d.push(msg)
			return
		}

		time.AfterFunc(d.retryDelay, func() { d.push(msg) })

		return
	}

	d.deadLettered.Add(1)
	d.logger.Error("task dead-lettered",
		slog.String("action", string(msg.Action)),
		slog.String("process_id", msg.ProcessID),
		slog.Int("attempts", msg.Attempts),
		slog.String("error", err.Error()),
	)

	if d.deadLetter != nil {
		d.deadLetter(msg, err)
	}

	d.finish()
}

// safeHandle wraps the handler with panic recovery so one poisoned message
// cannot crash the runtime.
func (d *Dispatcher) safeHandle(ctx context.Context, msg *TaskMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in task handler",
				slog.String("action", string(msg.Action)),
				slog.String("process_id", msg.ProcessID),
				slog.Any("panic", r),
			)

			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return d.handler.HandleTask(ctx, msg)
}

// Compile-time interface check.
var _ Queue = (*Dispatcher)(nil)
