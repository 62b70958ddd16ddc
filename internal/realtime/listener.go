// Package realtime maintains a websocket subscription to the target
// platform's event stream and feeds inbound message, call, and contact
// events into the sync engine's webhook path.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/callbridge/crmsync/internal/sync"
)

// Constants for the reconnect loop.
const (
	initialReconnectBackoff = 5 * time.Second
	maxReconnectBackoff     = 5 * time.Minute
	backoffMultiplier       = 2
	readLimit               = 1 << 20 // 1 MiB per frame
)

// Event frame types on the stream.
const (
	frameMessage      = "message"
	frameCall         = "call"
	frameContactBatch = "contact.batch"
)

// frame is the wire envelope for one stream event.
type frame struct {
	Type       string          `json:"type"`
	ObjectType string          `json:"objectType,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Sink receives decoded stream events. Implemented by *sync.Engine.
type Sink interface {
	LogInboundMessage(ctx context.Context, ev *sync.MessageEvent) (*sync.ActivityResult, error)
	LogInboundCall(ctx context.Context, call *sync.CallEvent) (*sync.ActivityResult, error)
	HandleWebhookBatch(ctx context.Context, objectType string, records []sync.Record) (*sync.SyncProcess, error)
}

// Listener subscribes to the event stream and dispatches frames to the
// sink. Delivery into the sink is at-least-once: a dropped connection may
// replay frames, which the sink's event-id dedup absorbs.
type Listener struct {
	url       string
	token     string
	sink      Sink
	logger    *slog.Logger
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewListener creates a stream listener. The token authenticates the
// subscription; the sink receives every decoded event.
func NewListener(url, token string, sink Sink, logger *slog.Logger) *Listener {
	return &Listener{
		url:    url,
		token:  token,
		sink:   sink,
		logger: logger,
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Listen connects and consumes the stream until ctx is cancelled, returning
// nil. Dropped connections reconnect with exponential backoff (starting at
// 5s, capped at 5m); a connection that stays up resets the backoff.
func (l *Listener) Listen(ctx context.Context) error {
	backoff := initialReconnectBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		l.logger.Warn("event stream dropped, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := l.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff *= backoffMultiplier
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// consume holds one connection open, dispatching frames until it drops.
func (l *Listener) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + l.token},
		},
	})
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}

	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	conn.SetReadLimit(readLimit)

	l.logger.Info("event stream connected", slog.String("url", l.url))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read event stream: %w", err)
		}

		if err := l.dispatch(ctx, data); err != nil {
			// A bad or failed frame is logged and skipped; tearing
			// down the connection would replay everything since the
			// last reconnect for one poison frame.
			l.logger.Error("event frame dispatch failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// dispatch decodes one frame and routes it to the sink.
func (l *Listener) dispatch(ctx context.Context, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case frameMessage:
		var ev sync.MessageEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return fmt.Errorf("decode message event: %w", err)
		}

		_, err := l.sink.LogInboundMessage(ctx, &ev)

		return err
	case frameCall:
		var call sync.CallEvent
		if err := json.Unmarshal(f.Payload, &call); err != nil {
			return fmt.Errorf("decode call event: %w", err)
		}

		_, err := l.sink.LogInboundCall(ctx, &call)

		return err
	case frameContactBatch:
		var records []sync.Record
		if err := json.Unmarshal(f.Payload, &records); err != nil {
			return fmt.Errorf("decode contact batch: %w", err)
		}

		_, err := l.sink.HandleWebhookBatch(ctx, f.ObjectType, records)

		return err
	default:
		l.logger.Debug("ignoring unknown frame type", slog.String("type", f.Type))

		return nil
	}
}
