package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/callbridge/crmsync/internal/config"
)

// Driver turns one page-fetch task into vendor calls, state transitions,
// and follow-up queue messages. The strategy is fixed per integration at
// construction time; it never changes mid-process.
//
// The driver deliberately has no retry loop of its own: transient vendor
// errors propagate to the queue runtime, whose redelivery provides the
// backoff.
type Driver struct {
	connector Connector
	pm        *ProcessManager
	qm        *QueueManager
	batch     *BatchProcessor
	strategy  config.PaginationStrategy
	logger    *slog.Logger
}

// NewDriver creates a pagination driver. The strategy comes from the
// integration configuration, passed in explicitly — there is no global
// per-vendor configuration object.
func NewDriver(
	connector Connector,
	pm *ProcessManager,
	qm *QueueManager,
	batch *BatchProcessor,
	strategy config.PaginationStrategy,
	logger *slog.Logger,
) *Driver {
	return &Driver{
		connector: connector,
		pm:        pm,
		qm:        qm,
		batch:     batch,
		strategy:  strategy,
		logger:    logger,
	}
}

// HandleFetchPage processes one fetch-page task. A not-found process is
// fatal for the task: it is abandoned, never retried against a stale
// process. A terminal process makes the task a stale no-op.
func (d *Driver) HandleFetchPage(ctx context.Context, msg *TaskMessage) error {
	proc, err := d.pm.GetProcess(ctx, msg.ProcessID)
	if err != nil {
		return err
	}

	if proc.State.Terminal() {
		d.logger.Warn("dropping fetch task for terminal process",
			slog.String("process_id", proc.ID),
			slog.String("state", string(proc.State)),
		)

		return nil
	}

	if d.strategy == config.StrategyCursor {
		return d.fetchCursorPage(ctx, proc, msg)
	}

	return d.fetchNumberedPage(ctx, proc, msg)
}

// ensureState advances the process state, tolerating a process already past
// the requested state: a redelivered task re-running its bookkeeping must
// not fail on a transition that only makes sense on first delivery.
func (d *Driver) ensureState(ctx context.Context, processID string, state ProcessState, patch *ContextPatch) error {
	err := d.pm.UpdateState(ctx, processID, state, patch)
	if errors.Is(err, ErrInvalidTransition) {
		d.logger.Debug("state already advanced past target",
			slog.String("process_id", processID),
			slog.String("target", string(state)),
		)

		return nil
	}

	return err
}

// --- Page-number strategy ---

// fetchNumberedPage handles one page of a page-number vendor. Page 0 learns
// the total, fans out the remaining pages, and moves the process to
// PROCESSING_BATCHES; every page queues its records for batch processing.
// The last (underfull) page queues the completion signal.
func (d *Driver) fetchNumberedPage(ctx context.Context, proc *SyncProcess, msg *TaskMessage) error {
	res, err := d.connector.FetchPage(ctx, PageRequest{
		ObjectType:    msg.ObjectType,
		Page:          msg.Page,
		Limit:         msg.Limit,
		ModifiedSince: msg.ModifiedSince,
		SortDesc:      msg.SortDesc,
	})
	if err != nil {
		return fmt.Errorf("fetch page %d: %w", msg.Page, err)
	}

	d.logger.Debug("fetched page",
		slog.String("process_id", proc.ID),
		slog.Int("page", msg.Page),
		slog.Int("records", len(res.Records)),
	)

	totalPages := proc.Results.TotalPages

	if msg.Page == 0 {
		fanned, fanErr := d.handleFirstPage(ctx, proc, msg, res)
		if fanErr != nil {
			return fanErr
		}

		totalPages = fanned

		if res.Total == nil {
			return d.walkSequential(ctx, proc, msg, res)
		}
	} else if totalPages == 0 {
		return d.walkSequential(ctx, proc, msg, res)
	}

	if len(res.Records) > 0 {
		if err := d.queueBatchFor(ctx, proc, msg, res.Records); err != nil {
			return err
		}
	} else if err := d.pm.UpdateMetrics(ctx, proc.ID, MetricsDelta{ProcessedPages: 1}); err != nil {
		// An empty page has no batch task to account for it.
		return err
	}

	return d.maybeComplete(ctx, proc, msg, res, totalPages)
}

// handleFirstPage runs the page-0 bookkeeping: record the total, fan out
// the remaining pages in one batch call, and enter PROCESSING_BATCHES.
// Returns the computed total page count.
func (d *Driver) handleFirstPage(ctx context.Context, proc *SyncProcess, msg *TaskMessage, res *PageResult) (int, error) {
	if err := d.ensureState(ctx, proc.ID, StateFetchingTotal, nil); err != nil {
		return 0, err
	}

	totalPages := 0

	if res.Total != nil {
		totalPages = pageCount(*res.Total, msg.Limit)

		if err := d.pm.UpdateTotal(ctx, proc.ID, *res.Total, totalPages); err != nil {
			return 0, err
		}

		d.logger.Info("learned record total",
			slog.String("process_id", proc.ID),
			slog.Int("total_records", *res.Total),
			slog.Int("total_pages", totalPages),
		)
	}

	page := 0
	if err := d.ensureState(ctx, proc.ID, StateQueuingPages, &ContextPatch{CurrentPage: &page}); err != nil {
		return 0, err
	}

	if totalPages > 1 {
		err := d.qm.FanOutPages(ctx, FetchPageParams{
			ProcessID:     proc.ID,
			ObjectType:    msg.ObjectType,
			Limit:         msg.Limit,
			ModifiedSince: msg.ModifiedSince,
			SortDesc:      msg.SortDesc,
		}, totalPages, 1)
		if err != nil {
			return 0, err
		}
	}

	return totalPages, d.ensureState(ctx, proc.ID, StateProcessingBatches, nil)
}

// queueBatchFor queues the fetched records for batch processing. Records
// ride along on the message when the connector cannot re-fetch by id.
func (d *Driver) queueBatchFor(ctx context.Context, proc *SyncProcess, msg *TaskMessage, records []Record) error {
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}

	var payload []Record
	if _, ok := d.connector.(DetailFetcher); !ok {
		payload = records
	}

	return d.qm.QueueProcessPersonBatch(ctx, proc.ID, msg.ObjectType, ids, payload, msg.Page, false)
}

// maybeComplete queues the completion signal when this page is the end of
// the record set: an underfull page, or the final page of an exactly-full
// set.
func (d *Driver) maybeComplete(ctx context.Context, proc *SyncProcess, msg *TaskMessage, res *PageResult, totalPages int) error {
	underfull := len(res.Records) < msg.Limit
	lastKnown := totalPages > 0 && msg.Page == totalPages-1

	if !underfull && !lastKnown {
		return nil
	}

	d.logger.Info("final page fetched, queuing completion",
		slog.String("process_id", proc.ID),
		slog.Int("page", msg.Page),
		slog.Int("records", len(res.Records)),
	)

	return d.qm.QueueCompleteSync(ctx, proc.ID)
}

// walkSequential pages through a vendor that reports no record total.
// Pages are processed inline one at a time, with running totals persisted
// the way the cursor strategy persists them, until an underfull page ends
// the walk.
func (d *Driver) walkSequential(ctx context.Context, proc *SyncProcess, msg *TaskMessage, res *PageResult) error {
	if len(res.Records) > 0 {
		records, err := d.resolveDetails(ctx, msg.ObjectType, res.Records)
		if err != nil {
			return err
		}

		if err := d.batch.ProcessRecords(ctx, proc, records); err != nil {
			return err
		}
	}

	if err := d.pm.UpdateMetrics(ctx, proc.ID, MetricsDelta{ProcessedPages: 1}); err != nil {
		return err
	}

	totalFetched, pageNum, err := d.advanceCursorMetadata(ctx, proc.ID, len(res.Records), "")
	if err != nil {
		return err
	}

	if len(res.Records) < msg.Limit {
		if err := d.pm.UpdateTotal(ctx, proc.ID, totalFetched, pageNum); err != nil {
			return err
		}

		d.logger.Info("sequential walk finished",
			slog.String("process_id", proc.ID),
			slog.Int("pages", pageNum),
			slog.Int("records", totalFetched),
		)

		return d.qm.QueueCompleteSync(ctx, proc.ID)
	}

	// The page count stays zero mid-walk: a nonzero count would route the
	// next page task through the fan-out path.
	if err := d.pm.UpdateTotal(ctx, proc.ID, totalFetched, 0); err != nil {
		return err
	}

	return d.qm.QueueFetchPersonPage(ctx, FetchPageParams{
		ProcessID:     proc.ID,
		ObjectType:    msg.ObjectType,
		Page:          msg.Page + 1,
		Limit:         msg.Limit,
		ModifiedSince: msg.ModifiedSince,
		SortDesc:      msg.SortDesc,
	})
}

// --- Cursor strategy ---

// fetchCursorPage handles one page of a cursor-based vendor. Records are
// processed inline; cross-invocation counters live in persisted process
// metadata because workers hold no state between invocations.
func (d *Driver) fetchCursorPage(ctx context.Context, proc *SyncProcess, msg *TaskMessage) error {
	cursor := msg.Cursor

	if err := d.ensureState(ctx, proc.ID, StateFetchingPage, &ContextPatch{Cursor: &cursor}); err != nil {
		return err
	}

	res, err := d.connector.FetchPage(ctx, PageRequest{
		ObjectType:    msg.ObjectType,
		Page:          -1,
		Cursor:        cursor,
		Limit:         msg.Limit,
		ModifiedSince: msg.ModifiedSince,
		SortDesc:      msg.SortDesc,
	})
	if err != nil {
		return fmt.Errorf("fetch cursor page %q: %w", cursor, err)
	}

	d.logger.Debug("fetched cursor page",
		slog.String("process_id", proc.ID),
		slog.Int("records", len(res.Records)),
		slog.Bool("has_more", res.HasMore),
	)

	// Empty first page: nothing to sync at all.
	if cursor == "" && len(res.Records) == 0 && !res.HasMore {
		if err := d.pm.UpdateTotal(ctx, proc.ID, 0, 0); err != nil {
			return err
		}

		return d.qm.QueueCompleteSync(ctx, proc.ID)
	}

	if len(res.Records) > 0 {
		records, detailErr := d.resolveDetails(ctx, msg.ObjectType, res.Records)
		if detailErr != nil {
			return detailErr
		}

		if err := d.batch.ProcessRecords(ctx, proc, records); err != nil {
			return err
		}
	}

	if err := d.pm.UpdateMetrics(ctx, proc.ID, MetricsDelta{ProcessedPages: 1}); err != nil {
		return err
	}

	totalFetched, pageNum, err := d.advanceCursorMetadata(ctx, proc.ID, len(res.Records), res.NextCursor)
	if err != nil {
		return err
	}

	// Running estimate: cursor vendors expose no up-front total.
	if err := d.pm.UpdateTotal(ctx, proc.ID, totalFetched, pageNum); err != nil {
		return err
	}

	// A zero-record page with hasMore still advances the cursor and
	// re-queues — it is not completion.
	if res.HasMore && res.NextCursor != "" {
		return d.qm.QueueFetchPersonPage(ctx, FetchPageParams{
			ProcessID:     proc.ID,
			ObjectType:    msg.ObjectType,
			Page:          -1,
			Cursor:        res.NextCursor,
			Limit:         msg.Limit,
			ModifiedSince: msg.ModifiedSince,
			SortDesc:      msg.SortDesc,
		})
	}

	return d.qm.QueueCompleteSync(ctx, proc.ID)
}

// advanceCursorMetadata accumulates the cross-invocation cursor counters in
// process metadata via read-merge-write. Returns the new running totals.
func (d *Driver) advanceCursorMetadata(ctx context.Context, processID string, fetched int, nextCursor string) (int, int, error) {
	metadata, err := d.pm.GetMetadata(ctx, processID)
	if err != nil {
		return 0, 0, err
	}

	totalFetched := metaInt(metadata, MetaTotalFetched) + fetched
	pageNum := metaInt(metadata, MetaPageCount) + 1

	err = d.pm.UpdateMetadata(ctx, processID, map[string]any{
		MetaTotalFetched: totalFetched,
		MetaPageCount:    pageNum,
		MetaLastCursor:   nextCursor,
	})
	if err != nil {
		return 0, 0, err
	}

	return totalFetched, pageNum, nil
}

// resolveDetails upgrades partial list-API summaries to full records via
// the connector's optional detail-fetch capability.
func (d *Driver) resolveDetails(ctx context.Context, objectType string, records []Record) ([]Record, error) {
	partial := false

	for i := range records {
		if records[i].Partial {
			partial = true
			break
		}
	}

	if !partial {
		return records, nil
	}

	fetcher, ok := d.connector.(DetailFetcher)
	if !ok {
		return records, nil
	}

	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}

	full, err := fetcher.FetchRecords(ctx, objectType, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch record details: %w", err)
	}

	return full, nil
}

// pageCount computes ceil(total / limit).
func pageCount(total, limit int) int {
	if limit <= 0 {
		return 0
	}

	return (total + limit - 1) / limit
}

// metaInt reads an integer out of a JSON-decoded metadata map, tolerating
// the float64 representation JSON round-trips produce.
func metaInt(metadata map[string]any, key string) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
