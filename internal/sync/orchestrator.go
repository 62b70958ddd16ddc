package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/callbridge/crmsync/internal/config"
)

// EngineParams carries everything needed to assemble an Engine for one
// integration.
type EngineParams struct {
	IntegrationID string
	UserID        string
	Integration   config.IntegrationConfig
	Queue         config.QueueConfig
	Connector     Connector
	Target        TargetClient
	Store         Store
	Logger        *slog.Logger
}

// Engine is the per-integration assembly: process manager, queue manager,
// pagination driver, batch and webhook processors, and the dispatcher that
// drives them. One Engine serves one integration; a multi-tenant deployment
// runs one per integration over a shared store.
type Engine struct {
	integrationID string
	userID        string
	cfg           config.IntegrationConfig

	pm         *ProcessManager
	qm         *QueueManager
	driver     *Driver
	batch      *BatchProcessor
	webhooks   *WebhookProcessor
	connector  Connector
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewEngine wires the full per-integration pipeline. The dispatcher's
// dead-letter hook moves the owning process to ERROR so exhausted tasks
// surface in process state rather than vanishing.
func NewEngine(params EngineParams) *Engine {
	cfg := params.Integration

	logger := params.Logger.With(slog.String("integration_id", params.IntegrationID))

	e := &Engine{
		integrationID: params.IntegrationID,
		userID:        params.UserID,
		cfg:           cfg,
		connector:     params.Connector,
		pm:            NewProcessManager(params.Store, logger),
		logger:        logger,
	}

	e.dispatcher = NewDispatcher(e, DispatcherConfig{
		Workers:     cfg.Workers,
		MaxAttempts: params.Queue.MaxAttempts,
		MaxInFlight: cfg.MaxInFlight,
		RetryDelay:  params.Queue.RetryDelayDuration(),
		DeadLetter:  e.onDeadLetter,
	}, logger)

	e.qm = NewQueueManager(e.dispatcher, params.IntegrationID, logger)
	e.webhooks = NewWebhookProcessor(params.Connector, params.Target, params.Store, e.qm, params.IntegrationID, logger)
	e.batch = NewBatchProcessor(params.Connector, params.Target, params.Store, e.pm, e.webhooks, params.IntegrationID, logger)
	e.driver = NewDriver(params.Connector, e.pm, e.qm, e.batch, cfg.Strategy, logger)

	return e
}

// Run drives the dispatcher until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.dispatcher.Run(ctx)
}

// Drain blocks until all queued and in-flight tasks have resolved.
func (e *Engine) Drain(ctx context.Context) error {
	return e.dispatcher.Drain(ctx)
}

// Stats returns the dispatcher's delivery counters.
func (e *Engine) Stats() (delivered, redelivered, deadLettered int64) {
	return e.dispatcher.Stats()
}

// GetProcess fetches one sync process by id.
func (e *Engine) GetProcess(ctx context.Context, id string) (*SyncProcess, error) {
	return e.pm.GetProcess(ctx, id)
}

// Processes lists recent sync processes for this integration.
func (e *Engine) Processes(ctx context.Context, limit int) ([]*SyncProcess, error) {
	return e.pm.ListProcesses(ctx, e.integrationID, limit)
}

// StartInitialSync creates one INITIAL process per configured object type
// and queues its first page fetch. Returns the created processes.
func (e *Engine) StartInitialSync(ctx context.Context) ([]*SyncProcess, error) {
	return e.startSync(ctx, KindInitial, 0)
}

// StartOngoingSync creates one ONGOING (delta) process per configured
// object type, filtered to records modified since the watermark, newest
// first so the freshest changes land before older ones.
func (e *Engine) StartOngoingSync(ctx context.Context, lastSyncedAt int64) ([]*SyncProcess, error) {
	return e.startSync(ctx, KindOngoing, lastSyncedAt)
}

func (e *Engine) startSync(ctx context.Context, kind SyncKind, lastSyncedAt int64) ([]*SyncProcess, error) {
	objectTypes := e.cfg.ObjectTypes
	if len(objectTypes) == 0 {
		objectTypes = []string{"person"}
	}

	pageSize := e.cfg.InitialPageSize
	if kind == KindOngoing {
		pageSize = e.cfg.OngoingPageSize
	}

	processes := make([]*SyncProcess, 0, len(objectTypes))

	for _, objectType := range objectTypes {
		proc, err := e.pm.CreateSyncProcess(ctx, CreateParams{
			IntegrationID: e.integrationID,
			UserID:        e.userID,
			Kind:          kind,
			ObjectType:    objectType,
			PageSize:      pageSize,
			LastSyncedAt:  lastSyncedAt,
		})
		if err != nil {
			return processes, err
		}

		firstPage := 0
		if e.cfg.Strategy == config.StrategyCursor {
			firstPage = -1
		}

		err = e.qm.QueueFetchPersonPage(ctx, FetchPageParams{
			ProcessID:     proc.ID,
			ObjectType:    objectType,
			Page:          firstPage,
			Limit:         proc.Context.PageSize,
			ModifiedSince: lastSyncedAt,
			SortDesc:      kind == KindOngoing,
		})
		if err != nil {
			return processes, err
		}

		e.logger.Info("started sync",
			slog.String("process_id", proc.ID),
			slog.String("kind", string(kind)),
			slog.String("object_type", objectType),
		)

		processes = append(processes, proc)
	}

	return processes, nil
}

// HandleWebhookBatch runs a WEBHOOK mini-sync over records pushed by the
// vendor: a short-lived process that skips pagination entirely and goes
// straight to batch processing.
func (e *Engine) HandleWebhookBatch(ctx context.Context, objectType string, records []Record) (*SyncProcess, error) {
	proc, err := e.pm.CreateSyncProcess(ctx, CreateParams{
		IntegrationID: e.integrationID,
		UserID:        e.userID,
		Kind:          KindWebhook,
		ObjectType:    objectType,
		PageSize:      len(records),
	})
	if err != nil {
		return nil, err
	}

	if err := e.pm.UpdateTotal(ctx, proc.ID, len(records), 1); err != nil {
		return nil, err
	}

	if err := e.pm.UpdateState(ctx, proc.ID, StateProcessingBatches, nil); err != nil {
		return nil, err
	}

	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}

	if err := e.qm.QueueProcessPersonBatch(ctx, proc.ID, objectType, ids, records, 0, true); err != nil {
		return nil, err
	}

	return proc, e.qm.QueueCompleteSync(ctx, proc.ID)
}

// LogInboundMessage forwards an inbound message event to the webhook path.
func (e *Engine) LogInboundMessage(ctx context.Context, ev *MessageEvent) (*ActivityResult, error) {
	return e.webhooks.LogInboundMessage(ctx, ev)
}

// LogInboundCall forwards an inbound call event to the webhook path.
func (e *Engine) LogInboundCall(ctx context.Context, call *CallEvent) (*ActivityResult, error) {
	return e.webhooks.LogInboundCall(ctx, call)
}

// SetupIntegration registers the vendor-side webhook subscriptions. A
// failed registration is logged as a warning and does not fail setup:
// syncing works without webhooks, just less freshly.
func (e *Engine) SetupIntegration(ctx context.Context) error {
	regs, err := e.connector.SetupWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("setup webhooks: %w", err)
	}

	for _, reg := range regs {
		if reg.Err != nil {
			e.logger.Warn("webhook registration failed",
				slog.String("webhook", reg.Name),
				slog.String("error", reg.Err.Error()),
			)

			continue
		}

		e.logger.Info("registered webhook", slog.String("webhook", reg.Name))
	}

	return nil
}

// ErrUnknownAction is returned for a task whose action has no handler.
var ErrUnknownAction = errors.New("sync: unknown task action")

// HandleTask routes one delivered task message to its handler. Errors
// propagate to the dispatcher, which redelivers and eventually
// dead-letters; only dead-lettering marks the process ERROR, so transient
// vendor failures never poison a process that a retry would have saved.
// A task for a process id the store does not know is abandoned on first
// delivery: the process was never created or its row is gone, and no
// number of retries changes that.
func (e *Engine) HandleTask(ctx context.Context, msg *TaskMessage) error {
	err := e.routeTask(ctx, msg)
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("abandoning task for unknown process",
			slog.String("action", string(msg.Action)),
			slog.String("process_id", msg.ProcessID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return err
}

func (e *Engine) routeTask(ctx context.Context, msg *TaskMessage) error {
	switch msg.Action {
	case TaskFetchPage:
		return e.driver.HandleFetchPage(ctx, msg)
	case TaskProcessBatch:
		return e.batch.HandleProcessBatch(ctx, msg)
	case TaskCompleteSync:
		return e.completeSync(ctx, msg)
	case TaskLogCall:
		return e.webhooks.HandleLogCall(ctx, msg)
	case TaskSetup:
		return e.SetupIntegration(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
}

// completionRecheckDelay spaces out completion checks while fanned-out
// batches are still in flight.
const completionRecheckDelay = 250 * time.Millisecond

// completeSync finishes a process once every counted page has been
// processed. With fan-out, the completion signal can arrive while sibling
// batches are still running; completing then would drop their work, so the
// check re-queues itself until the page accounting catches up. A batch that
// dead-letters moves the process to ERROR, which ends the rechecks.
func (e *Engine) completeSync(ctx context.Context, msg *TaskMessage) error {
	proc, err := e.pm.GetProcess(ctx, msg.ProcessID)
	if err != nil {
		return err
	}

	if proc.State.Terminal() {
		return nil
	}

	if proc.Results.ProcessedPages < proc.Results.TotalPages {
		e.logger.Debug("completion waiting on in-flight batches",
			slog.String("process_id", proc.ID),
			slog.Int("processed_pages", proc.Results.ProcessedPages),
			slog.Int("total_pages", proc.Results.TotalPages),
		)

		return e.qm.QueueMessage(ctx, &TaskMessage{
			Action:    TaskCompleteSync,
			ProcessID: msg.ProcessID,
		}, completionRecheckDelay)
	}

	return e.pm.CompleteProcess(ctx, msg.ProcessID)
}

// onDeadLetter records the exhausted task's failure on its owning process.
func (e *Engine) onDeadLetter(msg *TaskMessage, cause error) {
	e.logger.Error("task dead-lettered",
		slog.String("task_id", msg.ID),
		slog.String("action", string(msg.Action)),
		slog.String("process_id", msg.ProcessID),
		slog.Int("attempts", msg.Attempts),
		slog.String("error", cause.Error()),
	)

	if msg.ProcessID == "" {
		return
	}

	ctx := context.Background()

	if err := e.pm.HandleError(ctx, msg.ProcessID, cause); err != nil {
		e.logger.Error("recording dead-letter on process failed",
			slog.String("process_id", msg.ProcessID),
			slog.String("error", err.Error()),
		)
	}
}

var _ Handler = (*Engine)(nil)
