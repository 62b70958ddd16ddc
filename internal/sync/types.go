// Package sync implements the CRM synchronization engine for crmsync.
// It provides the sync-process state machine, the queue-driven pagination
// driver, batch processing with mapping-based idempotency, and the webhook
// activity-logging path — the full orchestration pipeline between a CRM
// vendor API and the target communications platform.
package sync

import (
	"context"
	"time"

	"github.com/callbridge/crmsync/internal/target"
)

// ProcessState is the lifecycle state of a sync process.
type ProcessState string

// Process states as stored in the sync_processes.state column.
const (
	StateInitializing      ProcessState = "INITIALIZING"
	StateFetchingTotal     ProcessState = "FETCHING_TOTAL"
	StateQueuingPages      ProcessState = "QUEUING_PAGES"
	StateFetchingPage      ProcessState = "FETCHING_PAGE"
	StateProcessingBatches ProcessState = "PROCESSING_BATCHES"
	StateCompleted         ProcessState = "COMPLETED"
	StateError             ProcessState = "ERROR"
)

// stateTransitions is the forward transition graph. ERROR is reachable from
// every non-terminal state (handled separately in ValidTransition) and both
// ERROR and COMPLETED are absorbing. Self-transitions are permitted so that
// redelivered tasks can re-assert their state idempotently.
var stateTransitions = map[ProcessState][]ProcessState{
	StateInitializing:      {StateFetchingTotal, StateFetchingPage, StateProcessingBatches},
	StateFetchingTotal:     {StateQueuingPages, StateProcessingBatches, StateCompleted},
	StateQueuingPages:      {StateProcessingBatches},
	StateFetchingPage:      {StateFetchingPage, StateProcessingBatches, StateCompleted},
	StateProcessingBatches: {StateCompleted},
	StateCompleted:         {},
	StateError:             {},
}

// Terminal reports whether a state admits no further progress.
func (s ProcessState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// ValidTransition reports whether moving from one state to another is legal.
// Self-transitions are always legal so redelivered tasks can re-assert state.
func ValidTransition(from, to ProcessState) bool {
	if from == to {
		return true
	}

	if to == StateError {
		return !from.Terminal()
	}

	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// SyncKind distinguishes full, delta, and webhook-triggered runs.
type SyncKind string

// Sync kinds as stored in the sync_kind column.
const (
	KindInitial SyncKind = "INITIAL"
	KindOngoing SyncKind = "ONGOING"
	KindWebhook SyncKind = "WEBHOOK"
)

// ProcessType tags every process row; there is only one today.
const ProcessType = "CRM_SYNC"

// SyncContext tracks the cursor position and pagination bookkeeping of one
// sync process. Workers are stateless between invocations, so every counter
// the cursor strategy needs across invocations lives in Metadata, persisted
// via read-merge-write (see ProcessManager.UpdateMetadata).
type SyncContext struct {
	Kind             SyncKind
	ObjectType       string
	TotalRecords     int
	ProcessedRecords int
	CurrentPage      int
	PageSize         int
	Cursor           string
	HasMore          bool
	StartedAt        int64 // Unix nanoseconds
	EndedAt          int64 // Unix nanoseconds, zero until terminal
	LastSyncedAt     int64 // delta watermark, Unix nanoseconds

	// Metadata holds cursor-strategy bookkeeping (total fetched, page
	// count, last cursor). Guarded by an optimistic revision counter in
	// the store; MetadataRev is the revision this snapshot was read at.
	Metadata    map[string]any
	MetadataRev int64
}

// Metadata keys used by the cursor strategy.
const (
	MetaTotalFetched = "totalFetched"
	MetaPageCount    = "pageCount"
	MetaLastCursor   = "lastCursor"
)

// ProcessError captures a fatal error that moved a process to ERROR.
type ProcessError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
	At      int64  `json:"at"` // Unix nanoseconds
}

// SyncResults holds aggregate counters for one sync process. All counters
// are additive: the store increments them in a single UPDATE so concurrent
// page tasks never clobber each other's contributions.
type SyncResults struct {
	TotalSynced    int
	TotalFailed    int
	DurationMs     int64
	TotalPages     int
	ProcessedPages int
	Errors         []string
	LastError      *ProcessError
}

// SyncProcess is one synchronization run for one (integration, object type)
// pair. Mutated exclusively through ProcessManager operations; immutable
// once COMPLETED or ERROR.
type SyncProcess struct {
	ID            string
	IntegrationID string
	UserID        string
	Type          string
	State         ProcessState
	Context       SyncContext
	Results       SyncResults
	CreatedAt     int64
	UpdatedAt     int64
}

// MetricsDelta is an additive contribution to a process's results.
type MetricsDelta struct {
	Processed      int
	Synced         int
	Failed         int
	ProcessedPages int
	Errors         []string
}

// EntityType classifies what a mapping points at.
type EntityType string

// Mapping entity types.
const (
	EntityPerson   EntityType = "person"
	EntityActivity EntityType = "activity"
)

// SyncMethod records which path wrote a mapping.
type SyncMethod string

// Sync methods.
const (
	MethodBulk    SyncMethod = "bulk"
	MethodWebhook SyncMethod = "webhook"
)

// MappingAction records what happened to the target-platform record when the
// mapping was written.
type MappingAction string

// Mapping actions.
const (
	ActionCreated          MappingAction = "created"
	ActionUpdated          MappingAction = "updated"
	ActionDeleted          MappingAction = "deleted"
	ActionConflictResolved MappingAction = "conflict_resolved"
)

// Mapping is a durable link between one external-CRM identity (id or
// normalized phone number) and one target-platform identity. For a given
// (integration, entity type, external id) there is at most one current
// mapping; phone-keyed mappings are a lookup accelerator, not the source
// of truth.
type Mapping struct {
	ID            string
	IntegrationID string
	ExternalID    string
	TargetID      string
	EntityType    EntityType
	Phone         string
	LastSyncedAt  int64
	Method        SyncMethod
	Action        MappingAction
	CreatedAt     int64
	UpdatedAt     int64
}

// --- Task messages ---

// TaskAction identifies the handler for a queued task message.
type TaskAction string

// Task actions carried on the work queue.
const (
	TaskFetchPage    TaskAction = "fetch_page"
	TaskProcessBatch TaskAction = "process_batch"
	TaskCompleteSync TaskAction = "complete_sync"
	TaskLogCall      TaskAction = "log_call"
	TaskSetup        TaskAction = "setup_integration"
)

// TaskMessage is one unit of queued work. Delivery is at-least-once, so
// every handler must be idempotent — the mapping store exists precisely to
// make redelivered side effects safe.
type TaskMessage struct {
	ID            string
	Action        TaskAction
	IntegrationID string
	ProcessID     string
	ObjectType    string

	// Pagination fields for fetch_page.
	Page          int // -1 for cursor strategy
	Cursor        string
	Limit         int
	ModifiedSince int64 // Unix nanoseconds, zero = full fetch
	SortDesc      bool

	// Batch fields for process_batch.
	RecordIDs []string
	Records   []Record // pre-fetched records when the connector cannot re-fetch by id
	IsWebhook bool

	// Call event for log_call (the deferred no-answer continuation).
	Call *CallEvent

	Attempts int
}

// --- Collaborator contracts ---

// Record is one raw CRM record as returned by a vendor page fetch. It also
// rides on queued batch messages and webhook frames, hence the json tags.
type Record struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Phone  string         `json:"phone"`
	Fields map[string]any `json:"fields,omitempty"`
	// Partial marks list-API summaries that need a detail fetch before
	// transformation.
	Partial bool `json:"partial,omitempty"`
}

// PageRequest asks a vendor for one page of records.
type PageRequest struct {
	ObjectType    string
	Page          int // -1 for cursor strategy
	Cursor        string
	Limit         int
	ModifiedSince int64 // Unix nanoseconds, zero = no filter
	SortDesc      bool
}

// PageResult is one page of vendor records. Page-based vendors populate
// Total; cursor-based vendors populate NextCursor/HasMore.
type PageResult struct {
	Records    []Record
	Total      *int
	NextCursor string
	HasMore    bool
}

// MessageEvent is an inbound message (SMS/chat) to mirror into the CRM.
type MessageEvent struct {
	EventID   string `json:"eventId"`
	Phone     string `json:"phone"`
	Direction string `json:"direction"`
	Body      string `json:"body"`
	At        int64  `json:"at"` // Unix nanoseconds
}

// CallEvent is an inbound or outbound call to mirror into the CRM.
type CallEvent struct {
	EventID   string `json:"eventId"`
	Phone     string `json:"phone"`
	Direction string `json:"direction"`
	Outcome   string `json:"outcome"`  // "answered", "no_answer", ...
	Duration  int64  `json:"duration"` // seconds
	At        int64  `json:"at"`       // Unix nanoseconds
	// Deferred marks the second delivery of a no-answer call, after the
	// voicemail wait has elapsed.
	Deferred bool `json:"deferred,omitempty"`
}

// CallOutcomeNoAnswer triggers the deferred voicemail fetch.
const CallOutcomeNoAnswer = "no_answer"

// ActivityRequest carries a resolved activity to a connector's vendor-side
// logging method. ContactID is the CRM contact id when the idempotency layer
// resolved one from the mapping store; empty means the connector must search
// by phone and report the resolved id back in ActivityResult.
type ActivityRequest struct {
	ContactID string
	Phone     string
	Message   *MessageEvent
	Call      *CallEvent
}

// ActivityResult reports the outcome of vendor-side activity logging.
type ActivityResult struct {
	Logged     bool
	Skipped    bool
	Reason     string
	ActivityID string
	ContactID  string // resolved contact, cached as a phone mapping
}

// WebhookRegistration reports one vendor webhook registration attempt.
// A failed registration is a warning, not a fatal error: the remaining
// registrations and the sync itself proceed.
type WebhookRegistration struct {
	Name string
	Err  error
}

// Connector is the five-method capability contract every CRM vendor
// implements. Vendors are wired in at integration-construction time; there
// is no dynamic plugin loading.
type Connector interface {
	// FetchPage retrieves one page of records. It must be a pure read;
	// the pagination driver is the only interpreter of pagination fields.
	FetchPage(ctx context.Context, req PageRequest) (*PageResult, error)
	// TransformRecord converts a vendor record to a target-platform
	// contact. Must be deterministic given the same input.
	TransformRecord(rec Record) (*target.Contact, error)
	// LogMessageActivity mirrors an inbound message into the CRM.
	LogMessageActivity(ctx context.Context, req ActivityRequest) (*ActivityResult, error)
	// LogCallActivity mirrors a call into the CRM.
	LogCallActivity(ctx context.Context, req ActivityRequest) (*ActivityResult, error)
	// SetupWebhooks registers the vendor-side webhook subscriptions.
	SetupWebhooks(ctx context.Context) ([]WebhookRegistration, error)
}

// DetailFetcher is an optional connector capability for vendors whose list
// API returns summaries. The driver detail-fetches partial records through
// it before transformation; connectors without it must return full records
// from FetchPage.
type DetailFetcher interface {
	FetchRecords(ctx context.Context, objectType string, ids []string) ([]Record, error)
}

// TargetClient is the subset of the target-platform API the engine needs.
// Implemented by *target.Client; tests substitute recording fakes.
type TargetClient interface {
	BulkCreateContacts(ctx context.Context, contacts []*target.Contact) error
	CreateContact(ctx context.Context, contact *target.Contact) (*target.Contact, error)
	UpdateContact(ctx context.Context, contact *target.Contact) (*target.Contact, error)
	DeleteContact(ctx context.Context, id string) error
	ListContactsByExternalID(ctx context.Context, externalIDs []string) ([]*target.Contact, error)
	GetContactByExternalID(ctx context.Context, externalID string) (*target.Contact, error)
	SearchContactsByPhone(ctx context.Context, phone string) ([]*target.Contact, error)
}

// Queue is the enqueue side of the work queue. Enqueue is fire-and-forget;
// delivery is at-least-once and ordering across fanned-out pages is not
// guaranteed.
type Queue interface {
	Enqueue(ctx context.Context, msg *TaskMessage, delay time.Duration) error
}

// --- Time helpers ---

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// nowFunc is swapped in tests that need deterministic timestamps.
var nowFunc = NowNano
