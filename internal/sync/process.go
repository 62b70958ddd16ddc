package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Page size defaults per sync kind. Initial syncs pull bigger pages because
// they walk the full record set; ongoing (delta) syncs favor smaller pages
// for fresher watermarks.
const (
	DefaultInitialPageSize = 100
	DefaultOngoingPageSize = 50
)

// Metadata CAS retry tuning. Two fanned-out pages finishing together can
// race on the metadata revision; the loser retries against the fresh copy.
const (
	metadataRetryBase = 10 * time.Millisecond
	metadataRetryMax  = 5
)

// ErrInvalidTransition is returned when a state change violates the
// transition graph.
var ErrInvalidTransition = errors.New("sync: invalid state transition")

// ProcessManager owns the sync-process lifecycle. All process mutations go
// through it — workers never write process rows directly.
type ProcessManager struct {
	store  Store
	logger *slog.Logger
}

// NewProcessManager creates a ProcessManager backed by the given store.
func NewProcessManager(store Store, logger *slog.Logger) *ProcessManager {
	return &ProcessManager{store: store, logger: logger}
}

// CreateParams holds the inputs for creating a sync process.
type CreateParams struct {
	IntegrationID string
	UserID        string
	Kind          SyncKind
	ObjectType    string
	PageSize      int   // zero = default per kind
	LastSyncedAt  int64 // delta watermark, zero for initial sync
}

// CreateSyncProcess builds the initial context/results skeleton (counts at
// zero) and persists a new process in INITIALIZING.
func (pm *ProcessManager) CreateSyncProcess(ctx context.Context, params CreateParams) (*SyncProcess, error) {
	pageSize := params.PageSize
	if pageSize == 0 {
		switch params.Kind {
		case KindOngoing:
			pageSize = DefaultOngoingPageSize
		default:
			pageSize = DefaultInitialPageSize
		}
	}

	now := nowFunc()
	proc := &SyncProcess{
		ID:            uuid.NewString(),
		IntegrationID: params.IntegrationID,
		UserID:        params.UserID,
		Type:          ProcessType,
		State:         StateInitializing,
		Context: SyncContext{
			Kind:         params.Kind,
			ObjectType:   params.ObjectType,
			PageSize:     pageSize,
			StartedAt:    now,
			LastSyncedAt: params.LastSyncedAt,
			Metadata:     map[string]any{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := pm.store.CreateProcess(ctx, proc); err != nil {
		return nil, fmt.Errorf("create sync process: %w", err)
	}

	pm.logger.Info("sync process created",
		slog.String("process_id", proc.ID),
		slog.String("integration_id", proc.IntegrationID),
		slog.String("kind", string(params.Kind)),
		slog.String("object_type", params.ObjectType),
		slog.Int("page_size", pageSize),
	)

	return proc, nil
}

// GetProcess returns the process with the given id.
func (pm *ProcessManager) GetProcess(ctx context.Context, id string) (*SyncProcess, error) {
	return pm.store.GetProcess(ctx, id)
}

// ListProcesses returns recent processes for an integration.
func (pm *ProcessManager) ListProcesses(ctx context.Context, integrationID string, limit int) ([]*SyncProcess, error) {
	return pm.store.ListProcesses(ctx, integrationID, limit)
}

// UpdateState merges the context patch and sets the new state after
// validating the transition. It does not touch results.
func (pm *ProcessManager) UpdateState(ctx context.Context, id string, state ProcessState, patch *ContextPatch) error {
	proc, err := pm.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}

	if !ValidTransition(proc.State, state) {
		return fmt.Errorf("%w: %s -> %s (process %s)",
			ErrInvalidTransition, proc.State, state, id)
	}

	pm.logger.Debug("state transition",
		slog.String("process_id", id),
		slog.String("from", string(proc.State)),
		slog.String("to", string(state)),
	)

	return pm.store.UpdateProcessState(ctx, id, state, patch)
}

// UpdateMetrics additively merges the delta into the process results.
// Cumulative: the stored totals equal the sum of all deltas ever passed in,
// regardless of call interleaving.
func (pm *ProcessManager) UpdateMetrics(ctx context.Context, id string, delta MetricsDelta) error {
	return pm.store.AddMetrics(ctx, id, delta)
}

// UpdateTotal sets the estimated total record and page counts. The
// page-based strategy learns these from page 0; the cursor strategy treats
// them as a running estimate.
func (pm *ProcessManager) UpdateTotal(ctx context.Context, id string, totalRecords, totalPages int) error {
	return pm.store.UpdateTotal(ctx, id, totalRecords, totalPages)
}

// GetMetadata returns the process metadata map.
func (pm *ProcessManager) GetMetadata(ctx context.Context, id string) (map[string]any, error) {
	metadata, _, err := pm.store.GetMetadata(ctx, id)
	return metadata, err
}

// UpdateMetadata read-merge-writes the patch into the process metadata.
// Uses optimistic concurrency: on a revision conflict the merge retries
// against the fresh copy, so concurrent writers never silently lose keys.
func (pm *ProcessManager) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	backoff := retry.WithMaxRetries(metadataRetryMax, retry.NewConstant(metadataRetryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		metadata, rev, err := pm.store.GetMetadata(ctx, id)
		if err != nil {
			return err
		}

		for k, v := range patch {
			metadata[k] = v
		}

		err = pm.store.CompareAndSwapMetadata(ctx, id, metadata, rev)
		if isStaleMetadata(err) {
			pm.logger.Debug("metadata revision conflict, retrying",
				slog.String("process_id", id))

			return retry.RetryableError(err)
		}

		return err
	})
}

// HandleError transitions a process to ERROR, capturing the error message,
// stack, and timestamp. ERROR is absorbing: a process that reaches it is
// not retried without an explicit new sync trigger.
func (pm *ProcessManager) HandleError(ctx context.Context, id string, cause error) error {
	proc, err := pm.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}

	if proc.State.Terminal() {
		pm.logger.Warn("ignoring error for terminal process",
			slog.String("process_id", id),
			slog.String("state", string(proc.State)),
			slog.String("error", cause.Error()),
		)

		return nil
	}

	pm.logger.Error("sync process failed",
		slog.String("process_id", id),
		slog.String("error", cause.Error()),
	)

	return pm.store.SetProcessError(ctx, id, &ProcessError{
		Message: cause.Error(),
		Stack:   string(debug.Stack()),
		At:      nowFunc(),
	})
}

// CompleteProcess transitions a process to COMPLETED, stamping the end time
// and total duration. Completing an already-completed process is a no-op so
// a redelivered completion task stays safe.
func (pm *ProcessManager) CompleteProcess(ctx context.Context, id string) error {
	proc, err := pm.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}

	if proc.State == StateCompleted {
		return nil
	}

	if !ValidTransition(proc.State, StateCompleted) {
		return fmt.Errorf("%w: %s -> %s (process %s)",
			ErrInvalidTransition, proc.State, StateCompleted, id)
	}

	now := nowFunc()
	durationMs := (now - proc.Context.StartedAt) / int64(time.Millisecond)

	pm.logger.Info("sync process completed",
		slog.String("process_id", id),
		slog.Int("total_synced", proc.Results.TotalSynced),
		slog.Int("total_failed", proc.Results.TotalFailed),
		slog.Int64("duration_ms", durationMs),
	)

	return pm.store.MarkProcessCompleted(ctx, id, now, durationMs)
}

func isStaleMetadata(err error) bool {
	return err != nil && errors.Is(err, ErrStaleMetadata)
}
