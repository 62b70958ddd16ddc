package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// QueueManager translates orchestration intents into queued task messages.
// Enqueue is fire-and-forget from the caller's perspective; delivery is
// at-least-once and ordering across fanned-out pages is not guaranteed.
type QueueManager struct {
	queue         Queue
	integrationID string
	logger        *slog.Logger
}

// NewQueueManager creates a QueueManager bound to one integration.
func NewQueueManager(queue Queue, integrationID string, logger *slog.Logger) *QueueManager {
	return &QueueManager{
		queue:         queue,
		integrationID: integrationID,
		logger:        logger,
	}
}

// FetchPageParams describes one page-fetch task.
type FetchPageParams struct {
	ProcessID     string
	ObjectType    string
	Page          int // -1 for cursor strategy
	Cursor        string
	Limit         int
	ModifiedSince int64
	SortDesc      bool
}

// QueueFetchPersonPage enqueues a single page-fetch task.
func (qm *QueueManager) QueueFetchPersonPage(ctx context.Context, params FetchPageParams) error {
	msg := &TaskMessage{
		ID:            uuid.NewString(),
		Action:        TaskFetchPage,
		IntegrationID: qm.integrationID,
		ProcessID:     params.ProcessID,
		ObjectType:    params.ObjectType,
		Page:          params.Page,
		Cursor:        params.Cursor,
		Limit:         params.Limit,
		ModifiedSince: params.ModifiedSince,
		SortDesc:      params.SortDesc,
	}

	if err := qm.queue.Enqueue(ctx, msg, 0); err != nil {
		return fmt.Errorf("queue fetch page: %w", err)
	}

	qm.logger.Debug("queued page fetch",
		slog.String("process_id", params.ProcessID),
		slog.Int("page", params.Page),
		slog.String("cursor", params.Cursor),
	)

	return nil
}

// FanOutPages enqueues one independent fetch task per page in
// [startPage, totalPages), each addressable and independently retryable.
func (qm *QueueManager) FanOutPages(ctx context.Context, params FetchPageParams, totalPages, startPage int) error {
	if startPage >= totalPages {
		return nil
	}

	for page := startPage; page < totalPages; page++ {
		p := params
		p.Page = page

		if err := qm.QueueFetchPersonPage(ctx, p); err != nil {
			return fmt.Errorf("fan out page %d: %w", page, err)
		}
	}

	qm.logger.Info("fanned out page fetches",
		slog.String("process_id", params.ProcessID),
		slog.Int("start_page", startPage),
		slog.Int("total_pages", totalPages),
		slog.Int("queued", totalPages-startPage),
	)

	return nil
}

// QueueProcessPersonBatch enqueues a batch-processing task. When the
// connector cannot re-fetch records by id, the full records ride along on
// the message.
func (qm *QueueManager) QueueProcessPersonBatch(ctx context.Context, processID, objectType string, ids []string, records []Record, page int, isWebhook bool) error {
	msg := &TaskMessage{
		ID:            uuid.NewString(),
		Action:        TaskProcessBatch,
		IntegrationID: qm.integrationID,
		ProcessID:     processID,
		ObjectType:    objectType,
		RecordIDs:     ids,
		Records:       records,
		Page:          page,
		IsWebhook:     isWebhook,
	}

	if err := qm.queue.Enqueue(ctx, msg, 0); err != nil {
		return fmt.Errorf("queue process batch: %w", err)
	}

	qm.logger.Debug("queued batch",
		slog.String("process_id", processID),
		slog.Int("records", len(ids)),
		slog.Int("page", page),
		slog.Bool("webhook", isWebhook),
	)

	return nil
}

// QueueCompleteSync enqueues the completion signal for a process.
func (qm *QueueManager) QueueCompleteSync(ctx context.Context, processID string) error {
	msg := &TaskMessage{
		ID:            uuid.NewString(),
		Action:        TaskCompleteSync,
		IntegrationID: qm.integrationID,
		ProcessID:     processID,
	}

	if err := qm.queue.Enqueue(ctx, msg, 0); err != nil {
		return fmt.Errorf("queue complete sync: %w", err)
	}

	qm.logger.Debug("queued sync completion", slog.String("process_id", processID))

	return nil
}

// QueueMessage enqueues a one-shot task with an optional delay. Used for
// deferred continuations such as the no-answer voicemail fetch and delayed
// integration setup.
func (qm *QueueManager) QueueMessage(ctx context.Context, msg *TaskMessage, delay time.Duration) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	msg.IntegrationID = qm.integrationID

	if err := qm.queue.Enqueue(ctx, msg, delay); err != nil {
		return fmt.Errorf("queue message %s: %w", msg.Action, err)
	}

	qm.logger.Debug("queued message",
		slog.String("action", string(msg.Action)),
		slog.Duration("delay", delay),
	)

	return nil
}
