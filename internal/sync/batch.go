package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/callbridge/crmsync/internal/target"
)

// DefaultConfirmDelay is how long a batch waits after a bulk create before
// re-fetching, to let the eventually-consistent target index catch up.
const DefaultConfirmDelay = 2 * time.Second

// BatchProcessor turns one batch of CRM records into target-platform
// contacts and id mappings. Idempotency comes from the mapping store:
// a record with an existing mapping is updated, not re-created, so
// redelivered batches converge instead of duplicating.
type BatchProcessor struct {
	connector     Connector
	targetAPI     TargetClient
	store         Store
	pm            *ProcessManager
	webhooks      *WebhookProcessor
	integrationID string
	confirmDelay  time.Duration
	logger        *slog.Logger

	// sleepFunc is swapped in tests to skip the confirmation delay.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewBatchProcessor creates a batch processor for one integration.
func NewBatchProcessor(
	connector Connector,
	targetAPI TargetClient,
	store Store,
	pm *ProcessManager,
	webhooks *WebhookProcessor,
	integrationID string,
	logger *slog.Logger,
) *BatchProcessor {
	return &BatchProcessor{
		connector:     connector,
		targetAPI:     targetAPI,
		store:         store,
		pm:            pm,
		webhooks:      webhooks,
		integrationID: integrationID,
		confirmDelay:  DefaultConfirmDelay,
		logger:        logger,
		sleepFunc:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HandleProcessBatch processes one queued batch task. Webhook batches use
// the per-record conflict-resolving create path; bulk batches go through
// bulk create with delayed confirmation.
func (bp *BatchProcessor) HandleProcessBatch(ctx context.Context, msg *TaskMessage) error {
	proc, err := bp.pm.GetProcess(ctx, msg.ProcessID)
	if err != nil {
		return err
	}

	if proc.State.Terminal() {
		bp.logger.Warn("dropping batch task for terminal process",
			slog.String("process_id", proc.ID),
			slog.String("state", string(proc.State)),
		)

		return nil
	}

	records, err := bp.resolveRecords(ctx, msg)
	if err != nil {
		return err
	}

	if msg.IsWebhook {
		return bp.processWebhookRecords(ctx, proc, records)
	}

	if err := bp.ProcessRecords(ctx, proc, records); err != nil {
		return err
	}

	return bp.pm.UpdateMetrics(ctx, proc.ID, MetricsDelta{ProcessedPages: 1})
}

// resolveRecords returns the batch's records, re-fetching by id when the
// message carries only ids and the connector supports detail fetches.
func (bp *BatchProcessor) resolveRecords(ctx context.Context, msg *TaskMessage) ([]Record, error) {
	if len(msg.Records) > 0 {
		return msg.Records, nil
	}

	fetcher, ok := bp.connector.(DetailFetcher)
	if !ok {
		return nil, fmt.Errorf("batch %s carries no records and connector cannot fetch by id", msg.ID)
	}

	records, err := fetcher.FetchRecords(ctx, msg.ObjectType, msg.RecordIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch batch records: %w", err)
	}

	return records, nil
}

// ProcessRecords runs the bulk path over one batch: transform, split into
// creates and updates by mapping lookup, bulk-create the new contacts with
// delayed confirmation, update the known ones individually. Per-record
// failures accumulate into the process metrics; the batch keeps going.
func (bp *BatchProcessor) ProcessRecords(ctx context.Context, proc *SyncProcess, records []Record) error {
	delta := MetricsDelta{Processed: len(records)}

	var toCreate []*target.Contact

	byExternalID := make(map[string]Record, len(records))

	for _, rec := range records {
		contact, err := bp.connector.TransformRecord(rec)
		if err != nil {
			delta.Failed++
			delta.Errors = append(delta.Errors, fmt.Sprintf("transform %s: %v", rec.ID, err))

			continue
		}

		contact.ExternalID = rec.ID
		byExternalID[rec.ID] = rec

		mapping, err := bp.store.GetMappingByExternalID(ctx, bp.integrationID, EntityPerson, rec.ID)
		if err != nil {
			return fmt.Errorf("mapping lookup %s: %w", rec.ID, err)
		}

		if mapping != nil {
			bp.updateExisting(ctx, contact, mapping, rec, &delta)

			continue
		}

		toCreate = append(toCreate, contact)
	}

	if len(toCreate) > 0 {
		if err := bp.createAndConfirm(ctx, toCreate, byExternalID, &delta); err != nil {
			return err
		}
	}

	if err := bp.pm.UpdateMetrics(ctx, proc.ID, delta); err != nil {
		return err
	}

	bp.logger.Info("processed batch",
		slog.String("process_id", proc.ID),
		slog.Int("records", len(records)),
		slog.Int("synced", delta.Synced),
		slog.Int("failed", delta.Failed),
	)

	return nil
}

// updateExisting pushes a record that already has a mapping through the
// single-contact update path.
func (bp *BatchProcessor) updateExisting(ctx context.Context, contact *target.Contact, mapping *Mapping, rec Record, delta *MetricsDelta) {
	contact.ID = mapping.TargetID

	updated, err := bp.targetAPI.UpdateContact(ctx, contact)
	if err != nil {
		delta.Failed++
		delta.Errors = append(delta.Errors, fmt.Sprintf("update %s: %v", rec.ID, err))

		return
	}

	if err := bp.writeMapping(ctx, rec, updated.ID, ActionUpdated, MethodBulk); err != nil {
		delta.Failed++
		delta.Errors = append(delta.Errors, fmt.Sprintf("mapping %s: %v", rec.ID, err))

		return
	}

	delta.Synced++
}

// createAndConfirm bulk-creates new contacts, waits out the target's index
// lag, then confirms by re-fetching. Only confirmed contacts get mappings;
// missing ones count as failures so a later run retries them.
func (bp *BatchProcessor) createAndConfirm(ctx context.Context, contacts []*target.Contact, byExternalID map[string]Record, delta *MetricsDelta) error {
	if err := bp.targetAPI.BulkCreateContacts(ctx, contacts); err != nil {
		return fmt.Errorf("bulk create %d contacts: %w", len(contacts), err)
	}

	if err := bp.sleepFunc(ctx, bp.confirmDelay); err != nil {
		return err
	}

	externalIDs := make([]string, len(contacts))
	for i, c := range contacts {
		externalIDs[i] = c.ExternalID
	}

	confirmed, err := bp.targetAPI.ListContactsByExternalID(ctx, externalIDs)
	if err != nil {
		return fmt.Errorf("confirm bulk create: %w", err)
	}

	confirmedByExternalID := make(map[string]*target.Contact, len(confirmed))
	for _, c := range confirmed {
		confirmedByExternalID[c.ExternalID] = c
	}

	for _, want := range contacts {
		got, ok := confirmedByExternalID[want.ExternalID]
		if !ok {
			delta.Failed++
			delta.Errors = append(delta.Errors, fmt.Sprintf("create %s: not visible after bulk create", want.ExternalID))

			continue
		}

		rec := byExternalID[want.ExternalID]

		if err := bp.writeMapping(ctx, rec, got.ID, ActionCreated, MethodBulk); err != nil {
			delta.Failed++
			delta.Errors = append(delta.Errors, fmt.Sprintf("mapping %s: %v", want.ExternalID, err))

			continue
		}

		delta.Synced++
	}

	return nil
}

// processWebhookRecords runs the per-record webhook path, which never bulk
// creates: each record resolves conflicts individually so a concurrently
// created contact is adopted instead of duplicated.
func (bp *BatchProcessor) processWebhookRecords(ctx context.Context, proc *SyncProcess, records []Record) error {
	delta := MetricsDelta{Processed: len(records), ProcessedPages: 1}

	for _, rec := range records {
		contact, err := bp.connector.TransformRecord(rec)
		if err != nil {
			delta.Failed++
			delta.Errors = append(delta.Errors, fmt.Sprintf("transform %s: %v", rec.ID, err))

			continue
		}

		contact.ExternalID = rec.ID

		if _, err := bp.webhooks.CreateContactResolvingConflict(ctx, contact, rec); err != nil {
			delta.Failed++
			delta.Errors = append(delta.Errors, fmt.Sprintf("create %s: %v", rec.ID, err))

			continue
		}

		delta.Synced++
	}

	if err := bp.pm.UpdateMetrics(ctx, proc.ID, delta); err != nil {
		return err
	}

	return nil
}

// writeMapping records the durable external-to-target link for one record.
func (bp *BatchProcessor) writeMapping(ctx context.Context, rec Record, targetID string, action MappingAction, method SyncMethod) error {
	return bp.store.UpsertMapping(ctx, &Mapping{
		ID:            uuid.NewString(),
		IntegrationID: bp.integrationID,
		ExternalID:    rec.ID,
		TargetID:      targetID,
		EntityType:    EntityPerson,
		Phone:         NormalizePhone(rec.Phone),
		LastSyncedAt:  nowFunc(),
		Method:        method,
		Action:        action,
	})
}
