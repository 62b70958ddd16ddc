package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/callbridge/crmsync/internal/target"
)

// DefaultVoicemailWait is how long a no-answer call is deferred before
// logging, so the vendor has time to attach the voicemail recording.
const DefaultVoicemailWait = 30 * time.Second

// WebhookProcessor handles the real-time path: single-record contact
// creation with conflict resolution, and inbound message/call activity
// logging with event-id dedup. Everything here must tolerate redelivery —
// webhook providers retry, and so does the work queue.
type WebhookProcessor struct {
	connector     Connector
	targetAPI     TargetClient
	store         Store
	qm            *QueueManager
	integrationID string
	voicemailWait time.Duration
	logger        *slog.Logger
}

// NewWebhookProcessor creates a webhook processor for one integration.
func NewWebhookProcessor(
	connector Connector,
	targetAPI TargetClient,
	store Store,
	qm *QueueManager,
	integrationID string,
	logger *slog.Logger,
) *WebhookProcessor {
	return &WebhookProcessor{
		connector:     connector,
		targetAPI:     targetAPI,
		store:         store,
		qm:            qm,
		integrationID: integrationID,
		voicemailWait: DefaultVoicemailWait,
		logger:        logger,
	}
}

// CreateContactResolvingConflict creates one contact on the target,
// resolving duplicate-key conflicts by adopting the existing contact. A
// conflict means the bulk path (or an earlier delivery) already created
// it: the existing contact is fetched and mapped, never re-created. Any
// other error propagates with no mapping written.
func (wp *WebhookProcessor) CreateContactResolvingConflict(ctx context.Context, contact *target.Contact, rec Record) (*target.Contact, error) {
	created, err := wp.targetAPI.CreateContact(ctx, contact)

	action := ActionCreated

	if errors.Is(err, target.ErrConflict) {
		existing, getErr := wp.targetAPI.GetContactByExternalID(ctx, contact.ExternalID)
		if getErr != nil {
			return nil, fmt.Errorf("resolve conflict for %s: %w", contact.ExternalID, getErr)
		}

		wp.logger.Info("adopted existing contact on create conflict",
			slog.String("external_id", contact.ExternalID),
			slog.String("target_id", existing.ID),
		)

		created = existing
		action = ActionConflictResolved
	} else if err != nil {
		return nil, fmt.Errorf("create contact %s: %w", contact.ExternalID, err)
	}

	mapping := &Mapping{
		ID:            uuid.NewString(),
		IntegrationID: wp.integrationID,
		ExternalID:    rec.ID,
		TargetID:      created.ID,
		EntityType:    EntityPerson,
		Phone:         NormalizePhone(rec.Phone),
		LastSyncedAt:  nowFunc(),
		Method:        MethodWebhook,
		Action:        action,
	}
	if err := wp.store.UpsertMapping(ctx, mapping); err != nil {
		return nil, fmt.Errorf("record mapping %s: %w", rec.ID, err)
	}

	return created, nil
}

// LogInboundMessage mirrors an inbound message into the CRM. Redeliveries
// of the same event id are skipped via the activity mapping written after
// the first successful log.
func (wp *WebhookProcessor) LogInboundMessage(ctx context.Context, ev *MessageEvent) (*ActivityResult, error) {
	if dup, err := wp.isDuplicateEvent(ctx, ev.EventID); err != nil {
		return nil, err
	} else if dup {
		return &ActivityResult{Skipped: true, Reason: "duplicate"}, nil
	}

	phone := NormalizePhone(ev.Phone)

	contactID, err := wp.lookupContactByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	res, err := wp.connector.LogMessageActivity(ctx, ActivityRequest{
		ContactID: contactID,
		Phone:     phone,
		Message:   ev,
	})
	if err != nil {
		return nil, fmt.Errorf("log message activity: %w", err)
	}

	return res, wp.recordActivity(ctx, ev.EventID, phone, contactID, res)
}

// LogInboundCall mirrors a call into the CRM. A no-answer call is deferred:
// the first delivery re-enqueues it with the voicemail wait and reports
// Reason "deferred"; the delayed redelivery (Deferred set) logs for real.
func (wp *WebhookProcessor) LogInboundCall(ctx context.Context, call *CallEvent) (*ActivityResult, error) {
	if dup, err := wp.isDuplicateEvent(ctx, call.EventID); err != nil {
		return nil, err
	} else if dup {
		return &ActivityResult{Skipped: true, Reason: "duplicate"}, nil
	}

	if call.Outcome == CallOutcomeNoAnswer && !call.Deferred {
		deferred := *call
		deferred.Deferred = true

		msg := &TaskMessage{
			ID:            uuid.NewString(),
			Action:        TaskLogCall,
			IntegrationID: wp.integrationID,
			Call:          &deferred,
		}
		if err := wp.qm.QueueMessage(ctx, msg, wp.voicemailWait); err != nil {
			return nil, fmt.Errorf("defer no-answer call: %w", err)
		}

		wp.logger.Debug("deferred no-answer call for voicemail",
			slog.String("event_id", call.EventID),
			slog.Duration("wait", wp.voicemailWait),
		)

		return &ActivityResult{Reason: "deferred"}, nil
	}

	phone := NormalizePhone(call.Phone)

	contactID, err := wp.lookupContactByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	res, err := wp.connector.LogCallActivity(ctx, ActivityRequest{
		ContactID: contactID,
		Phone:     phone,
		Call:      call,
	})
	if err != nil {
		return nil, fmt.Errorf("log call activity: %w", err)
	}

	return res, wp.recordActivity(ctx, call.EventID, phone, contactID, res)
}

// HandleLogCall processes the queued deferred-call continuation.
func (wp *WebhookProcessor) HandleLogCall(ctx context.Context, msg *TaskMessage) error {
	if msg.Call == nil {
		return fmt.Errorf("log_call task %s carries no call event", msg.ID)
	}

	_, err := wp.LogInboundCall(ctx, msg.Call)

	return err
}

// isDuplicateEvent reports whether this event id was already logged.
func (wp *WebhookProcessor) isDuplicateEvent(ctx context.Context, eventID string) (bool, error) {
	mapping, err := wp.store.GetMappingByExternalID(ctx, wp.integrationID, EntityActivity, eventID)
	if err != nil {
		return false, fmt.Errorf("activity dedup lookup %s: %w", eventID, err)
	}

	return mapping != nil, nil
}

// lookupContactByPhone resolves a CRM contact id for a phone number: the
// phone-keyed mapping cache first, then a target-platform search whose hit
// is cached for the next event from the same number. An empty result is
// not an error: the connector falls back to a vendor-side search and
// reports the resolved id back.
func (wp *WebhookProcessor) lookupContactByPhone(ctx context.Context, phone string) (string, error) {
	if phone == "" {
		return "", nil
	}

	mapping, err := wp.store.GetMappingByPhone(ctx, wp.integrationID, phone)
	if err != nil {
		return "", fmt.Errorf("phone mapping lookup %s: %w", phone, err)
	}

	if mapping != nil {
		return mapping.ExternalID, nil
	}

	// A synced contact carries its CRM id as the target-side external id,
	// so a phone hit there resolves the contact without a vendor round
	// trip. Search failures are not fatal: the connector still resolves
	// vendor-side.
	contacts, err := wp.targetAPI.SearchContactsByPhone(ctx, phone)
	if err != nil {
		wp.logger.Warn("target phone search failed",
			slog.String("phone", phone),
			slog.String("error", err.Error()),
		)

		return "", nil
	}

	for _, c := range contacts {
		if c.ExternalID == "" {
			continue
		}

		err := wp.store.UpsertMapping(ctx, &Mapping{
			ID:            uuid.NewString(),
			IntegrationID: wp.integrationID,
			ExternalID:    c.ExternalID,
			TargetID:      c.ID,
			EntityType:    EntityPerson,
			Phone:         phone,
			LastSyncedAt:  nowFunc(),
			Method:        MethodWebhook,
			Action:        ActionUpdated,
		})
		if err != nil {
			return "", fmt.Errorf("cache phone mapping %s: %w", phone, err)
		}

		return c.ExternalID, nil
	}

	return "", nil
}

// recordActivity writes the event-id dedup mapping and, when the connector
// resolved a contact the cache did not know, caches the phone mapping for
// the next event from the same number.
func (wp *WebhookProcessor) recordActivity(ctx context.Context, eventID, phone, knownContactID string, res *ActivityResult) error {
	if res.ContactID != "" && knownContactID == "" && phone != "" {
		err := wp.store.UpsertMapping(ctx, &Mapping{
			ID:            uuid.NewString(),
			IntegrationID: wp.integrationID,
			ExternalID:    res.ContactID,
			EntityType:    EntityPerson,
			Phone:         phone,
			LastSyncedAt:  nowFunc(),
			Method:        MethodWebhook,
			Action:        ActionCreated,
		})
		if err != nil {
			return fmt.Errorf("cache phone mapping %s: %w", phone, err)
		}
	}

	if !res.Logged {
		return nil
	}

	err := wp.store.UpsertMapping(ctx, &Mapping{
		ID:            uuid.NewString(),
		IntegrationID: wp.integrationID,
		ExternalID:    eventID,
		TargetID:      res.ActivityID,
		EntityType:    EntityActivity,
		LastSyncedAt:  nowFunc(),
		Method:        MethodWebhook,
		Action:        ActionCreated,
	})
	if err != nil {
		return fmt.Errorf("record activity mapping %s: %w", eventID, err)
	}

	return nil
}
