package sync

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// Sentinel errors for store lookups and optimistic concurrency.
var (
	// ErrNotFound is returned for operations against an unknown process id.
	// Callers must treat it as fatal for the current task: the task is
	// abandoned, never retried against a stale process.
	ErrNotFound = errors.New("sync: process not found")

	// ErrStaleMetadata is returned when a metadata compare-and-swap loses
	// to a concurrent writer. UpdateMetadata retries on it.
	ErrStaleMetadata = errors.New("sync: metadata revision is stale")
)

// walJournalSizeLimit bounds the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// Store is the persistence contract for sync processes and mappings.
// Implemented by SQLiteStore; tests substitute in-memory fakes.
type Store interface {
	CreateProcess(ctx context.Context, proc *SyncProcess) error
	GetProcess(ctx context.Context, id string) (*SyncProcess, error)
	ListProcesses(ctx context.Context, integrationID string, limit int) ([]*SyncProcess, error)
	UpdateProcessState(ctx context.Context, id string, state ProcessState, patch *ContextPatch) error
	AddMetrics(ctx context.Context, id string, delta MetricsDelta) error
	UpdateTotal(ctx context.Context, id string, totalRecords, totalPages int) error
	GetMetadata(ctx context.Context, id string) (map[string]any, int64, error)
	CompareAndSwapMetadata(ctx context.Context, id string, metadata map[string]any, expectedRev int64) error
	SetProcessError(ctx context.Context, id string, procErr *ProcessError) error
	MarkProcessCompleted(ctx context.Context, id string, endedAt, durationMs int64) error

	UpsertMapping(ctx context.Context, m *Mapping) error
	GetMappingByExternalID(ctx context.Context, integrationID string, entityType EntityType, externalID string) (*Mapping, error)
	GetMappingByPhone(ctx context.Context, integrationID, phone string) (*Mapping, error)
}

// ContextPatch carries the context fields a state transition may merge.
// Nil fields are left untouched.
type ContextPatch struct {
	TotalRecords     *int
	ProcessedRecords *int
	CurrentPage      *int
	Cursor           *string
	HasMore          *bool
	EndedAt          *int64
	LastSyncedAt     *int64
}

// SQLiteStore implements Store using an embedded SQLite database with WAL
// mode. All sync state (processes, mappings) is persisted here.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	procStmts    processStatements
	mappingStmts mappingStatements
}

// Prepared statements grouped per domain to avoid one flat list.
type processStatements struct {
	create, get, list, updateState, addMetrics, appendError,
	updateTotal, getMetadata, casMetadata, setError, complete *sql.Stmt
}

type mappingStatements struct {
	upsert, getByExternal, getByPhone *sql.Stmt
}

// NewSQLiteStore opens the database at dbPath, applies migrations, and
// prepares all repeated statements. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening sync state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Sole-writer: one connection keeps statement state coherent and makes
	// ":memory:" databases shared across all store operations.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("sync state database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// migrate brings the schema up to date from the embedded migration files.
// goose tracks applied versions in its own table, so reopening an
// already-migrated database is a no-op.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	migrations, err := fs.Sub(schemaFS, "migrations")
	if err != nil {
		return fmt.Errorf("schema migrations fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}

	applied, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply schema migrations: %w", err)
	}

	for _, m := range applied {
		logger.Debug("schema migration applied",
			"version", m.Source.Version, "file", m.Source.Path)
	}

	return nil
}

// --- SQL query constants ---

const (
	sqlProcessColumns = `id, integration_id, user_id, process_type, state,
		sync_kind, object_type, total_records, processed_records,
		current_page, page_size, cursor, has_more,
		started_at, ended_at, last_synced_at, metadata, metadata_rev,
		total_synced, total_failed, duration_ms,
		total_pages, processed_pages, errors, last_error,
		created_at, updated_at`

	sqlCreateProcess = `INSERT INTO sync_processes (` + sqlProcessColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetProcess = `SELECT ` + sqlProcessColumns +
		` FROM sync_processes WHERE id = ?`

	sqlListProcesses = `SELECT ` + sqlProcessColumns + `
		FROM sync_processes
		WHERE integration_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	// COALESCE keeps unset patch fields at their current value, so one
	// statement serves every state transition.
	sqlUpdateProcessState = `UPDATE sync_processes SET
		state             = ?,
		total_records     = COALESCE(?, total_records),
		processed_records = COALESCE(?, processed_records),
		current_page      = COALESCE(?, current_page),
		cursor            = COALESCE(?, cursor),
		has_more          = COALESCE(?, has_more),
		ended_at          = COALESCE(?, ended_at),
		last_synced_at    = COALESCE(?, last_synced_at),
		updated_at        = ?
		WHERE id = ?`

	// Counters are incremented, never overwritten, so concurrent page
	// tasks cannot clobber each other's contributions.
	sqlAddMetrics = `UPDATE sync_processes SET
		processed_records = processed_records + ?,
		total_synced      = total_synced + ?,
		total_failed      = total_failed + ?,
		processed_pages   = processed_pages + ?,
		updated_at        = ?
		WHERE id = ?`

	sqlAppendError = `UPDATE sync_processes SET
		errors = json_insert(errors, '$[#]', ?), updated_at = ?
		WHERE id = ?`

	// Total records and total pages land in one statement so a reader can
	// never observe a torn total.
	sqlUpdateTotal = `UPDATE sync_processes SET
		total_records = ?, total_pages = ?, updated_at = ?
		WHERE id = ?`

	sqlGetMetadata = `SELECT metadata, metadata_rev FROM sync_processes WHERE id = ?`

	sqlCASMetadata = `UPDATE sync_processes SET
		metadata = ?, metadata_rev = metadata_rev + 1, updated_at = ?
		WHERE id = ? AND metadata_rev = ?`

	sqlSetProcessError = `UPDATE sync_processes SET
		state = ?, last_error = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`

	sqlCompleteProcess = `UPDATE sync_processes SET
		state = ?, ended_at = ?, duration_ms = ?, updated_at = ?
		WHERE id = ?`
)

const (
	sqlUpsertMapping = `INSERT INTO mappings
		(id, integration_id, external_id, target_id, entity_type, phone,
		 last_synced_at, sync_method, action, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(integration_id, entity_type, external_id) DO UPDATE SET
			target_id      = excluded.target_id,
			phone          = excluded.phone,
			last_synced_at = excluded.last_synced_at,
			sync_method    = excluded.sync_method,
			action         = excluded.action,
			updated_at     = excluded.updated_at`

	sqlMappingColumns = `id, integration_id, external_id, target_id, entity_type,
		phone, last_synced_at, sync_method, action, created_at, updated_at`

	sqlGetMappingByExternal = `SELECT ` + sqlMappingColumns + `
		FROM mappings
		WHERE integration_id = ? AND entity_type = ? AND external_id = ?`

	sqlGetMappingByPhone = `SELECT ` + sqlMappingColumns + `
		FROM mappings
		WHERE integration_id = ? AND entity_type = ? AND phone = ?
		ORDER BY updated_at DESC LIMIT 1`
)

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.procStmts.create, sqlCreateProcess, "createProcess"},
		{&s.procStmts.get, sqlGetProcess, "getProcess"},
		{&s.procStmts.list, sqlListProcesses, "listProcesses"},
		{&s.procStmts.updateState, sqlUpdateProcessState, "updateProcessState"},
		{&s.procStmts.addMetrics, sqlAddMetrics, "addMetrics"},
		{&s.procStmts.appendError, sqlAppendError, "appendError"},
		{&s.procStmts.updateTotal, sqlUpdateTotal, "updateTotal"},
		{&s.procStmts.getMetadata, sqlGetMetadata, "getMetadata"},
		{&s.procStmts.casMetadata, sqlCASMetadata, "casMetadata"},
		{&s.procStmts.setError, sqlSetProcessError, "setProcessError"},
		{&s.procStmts.complete, sqlCompleteProcess, "completeProcess"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.mappingStmts.upsert, sqlUpsertMapping, "upsertMapping"},
		{&s.mappingStmts.getByExternal, sqlGetMappingByExternal, "getMappingByExternal"},
		{&s.mappingStmts.getByPhone, sqlGetMappingByPhone, "getMappingByPhone"},
	})
}

// --- Process scanning helpers ---

// scanProcess scans a full process row into a SyncProcess.
func scanProcess(row interface{ Scan(...any) error }) (*SyncProcess, error) {
	proc := &SyncProcess{}

	var (
		hasMore       int
		metadataJSON  string
		errorsJSON    string
		lastErrorJSON sql.NullString
	)

	err := row.Scan(
		&proc.ID, &proc.IntegrationID, &proc.UserID, &proc.Type, &proc.State,
		&proc.Context.Kind, &proc.Context.ObjectType,
		&proc.Context.TotalRecords, &proc.Context.ProcessedRecords,
		&proc.Context.CurrentPage, &proc.Context.PageSize,
		&proc.Context.Cursor, &hasMore,
		&proc.Context.StartedAt, &proc.Context.EndedAt, &proc.Context.LastSyncedAt,
		&metadataJSON, &proc.Context.MetadataRev,
		&proc.Results.TotalSynced, &proc.Results.TotalFailed, &proc.Results.DurationMs,
		&proc.Results.TotalPages, &proc.Results.ProcessedPages,
		&errorsJSON, &lastErrorJSON,
		&proc.CreatedAt, &proc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	proc.Context.HasMore = hasMore == 1

	if err := json.Unmarshal([]byte(metadataJSON), &proc.Context.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", proc.ID, err)
	}

	if err := json.Unmarshal([]byte(errorsJSON), &proc.Results.Errors); err != nil {
		return nil, fmt.Errorf("decode errors for %s: %w", proc.ID, err)
	}

	if lastErrorJSON.Valid && lastErrorJSON.String != "" {
		procErr := &ProcessError{}
		if err := json.Unmarshal([]byte(lastErrorJSON.String), procErr); err != nil {
			return nil, fmt.Errorf("decode last error for %s: %w", proc.ID, err)
		}

		proc.Results.LastError = procErr
	}

	return proc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// --- Process methods ---

// CreateProcess inserts a new sync process row.
func (s *SQLiteStore) CreateProcess(ctx context.Context, proc *SyncProcess) error {
	s.logger.Debug("creating sync process",
		"id", proc.ID, "integration_id", proc.IntegrationID,
		"kind", string(proc.Context.Kind), "object_type", proc.Context.ObjectType)

	metadata := proc.Context.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", proc.ID, err)
	}

	var lastErrorJSON any
	if proc.Results.LastError != nil {
		raw, marshalErr := json.Marshal(proc.Results.LastError)
		if marshalErr != nil {
			return fmt.Errorf("encode last error for %s: %w", proc.ID, marshalErr)
		}

		lastErrorJSON = string(raw)
	}

	errorsList := proc.Results.Errors
	if errorsList == nil {
		errorsList = []string{}
	}

	errorsJSON, err := json.Marshal(errorsList)
	if err != nil {
		return fmt.Errorf("encode errors for %s: %w", proc.ID, err)
	}

	_, err = s.procStmts.create.ExecContext(ctx,
		proc.ID, proc.IntegrationID, proc.UserID, proc.Type, string(proc.State),
		string(proc.Context.Kind), proc.Context.ObjectType,
		proc.Context.TotalRecords, proc.Context.ProcessedRecords,
		proc.Context.CurrentPage, proc.Context.PageSize,
		proc.Context.Cursor, boolToInt(proc.Context.HasMore),
		proc.Context.StartedAt, proc.Context.EndedAt, proc.Context.LastSyncedAt,
		string(metadataJSON), proc.Context.MetadataRev,
		proc.Results.TotalSynced, proc.Results.TotalFailed, proc.Results.DurationMs,
		proc.Results.TotalPages, proc.Results.ProcessedPages,
		string(errorsJSON), lastErrorJSON,
		proc.CreatedAt, proc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create process %s: %w", proc.ID, err)
	}

	return nil
}

// GetProcess retrieves a single process by id. Returns ErrNotFound for an
// unknown id.
func (s *SQLiteStore) GetProcess(ctx context.Context, id string) (*SyncProcess, error) {
	proc, err := scanProcess(s.procStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get process %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("get process %s: %w", id, err)
	}

	return proc, nil
}

// ListProcesses returns the most recent processes for an integration.
func (s *SQLiteStore) ListProcesses(ctx context.Context, integrationID string, limit int) ([]*SyncProcess, error) {
	rows, err := s.procStmts.list.QueryContext(ctx, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list processes %s: %w", integrationID, err)
	}
	defer rows.Close()

	var procs []*SyncProcess

	for rows.Next() {
		proc, scanErr := scanProcess(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan process row: %w", scanErr)
		}

		procs = append(procs, proc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate process rows: %w", err)
	}

	return procs, nil
}

// UpdateProcessState sets the state and merges the context patch in one
// statement. Does not touch results.
func (s *SQLiteStore) UpdateProcessState(ctx context.Context, id string, state ProcessState, patch *ContextPatch) error {
	s.logger.Debug("updating process state", "id", id, "state", string(state))

	if patch == nil {
		patch = &ContextPatch{}
	}

	var hasMore any
	if patch.HasMore != nil {
		hasMore = boolToInt(*patch.HasMore)
	}

	result, err := s.procStmts.updateState.ExecContext(ctx,
		string(state),
		patch.TotalRecords, patch.ProcessedRecords, patch.CurrentPage,
		patch.Cursor, hasMore, patch.EndedAt, patch.LastSyncedAt,
		nowFunc(), id,
	)
	if err != nil {
		return fmt.Errorf("update process state %s: %w", id, err)
	}

	return requireRow(result, id, "update process state")
}

// AddMetrics additively merges a metrics delta into the process results.
// Counter updates are a single UPDATE; error details are appended one JSON
// element at a time, all inside one transaction.
func (s *SQLiteStore) AddMetrics(ctx context.Context, id string, delta MetricsDelta) error {
	s.logger.Debug("adding metrics", "id", id,
		"processed", delta.Processed, "synced", delta.Synced, "failed", delta.Failed)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics tx %s: %w", id, err)
	}

	now := nowFunc()

	result, err := tx.StmtContext(ctx, s.procStmts.addMetrics).ExecContext(ctx,
		delta.Processed, delta.Synced, delta.Failed,
		delta.ProcessedPages, now, id,
	)
	if err != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("add metrics %s: %w (rollback: %v)", id, err, rollbackErr)
	}

	if rowErr := requireRow(result, id, "add metrics"); rowErr != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("%w (rollback: %v)", rowErr, rollbackErr)
	}

	appendStmt := tx.StmtContext(ctx, s.procStmts.appendError)

	for _, msg := range delta.Errors {
		if _, execErr := appendStmt.ExecContext(ctx, msg, now, id); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("append error for %s: %w (rollback: %v)", id, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics %s: %w", id, err)
	}

	return nil
}

// UpdateTotal sets the estimated total records and page count in a single
// statement so a reader can never observe one without the other.
func (s *SQLiteStore) UpdateTotal(ctx context.Context, id string, totalRecords, totalPages int) error {
	s.logger.Debug("updating total", "id", id,
		"total_records", totalRecords, "total_pages", totalPages)

	result, err := s.procStmts.updateTotal.ExecContext(ctx,
		totalRecords, totalPages, nowFunc(), id)
	if err != nil {
		return fmt.Errorf("update total %s: %w", id, err)
	}

	return requireRow(result, id, "update total")
}

// GetMetadata returns a process's metadata map and its current revision.
func (s *SQLiteStore) GetMetadata(ctx context.Context, id string) (map[string]any, int64, error) {
	var (
		metadataJSON string
		rev          int64
	)

	err := s.procStmts.getMetadata.QueryRowContext(ctx, id).Scan(&metadataJSON, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("get metadata %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, 0, fmt.Errorf("get metadata %s: %w", id, err)
	}

	metadata := map[string]any{}
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return nil, 0, fmt.Errorf("decode metadata %s: %w", id, err)
	}

	return metadata, rev, nil
}

// CompareAndSwapMetadata writes the full metadata map if and only if the
// stored revision still matches expectedRev. Returns ErrStaleMetadata when
// a concurrent writer got there first.
func (s *SQLiteStore) CompareAndSwapMetadata(ctx context.Context, id string, metadata map[string]any, expectedRev int64) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", id, err)
	}

	result, err := s.procStmts.casMetadata.ExecContext(ctx,
		string(metadataJSON), nowFunc(), id, expectedRev)
	if err != nil {
		return fmt.Errorf("cas metadata %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas metadata %s: rows affected: %w", id, err)
	}

	if affected == 0 {
		// Distinguish a lost race from a missing process.
		if _, _, getErr := s.GetMetadata(ctx, id); getErr != nil {
			return getErr
		}

		return fmt.Errorf("cas metadata %s: %w", id, ErrStaleMetadata)
	}

	return nil
}

// SetProcessError transitions a process to ERROR, recording the captured
// error and stamping the end time.
func (s *SQLiteStore) SetProcessError(ctx context.Context, id string, procErr *ProcessError) error {
	s.logger.Debug("setting process error", "id", id, "message", procErr.Message)

	raw, err := json.Marshal(procErr)
	if err != nil {
		return fmt.Errorf("encode process error %s: %w", id, err)
	}

	result, err := s.procStmts.setError.ExecContext(ctx,
		string(StateError), string(raw), procErr.At, nowFunc(), id)
	if err != nil {
		return fmt.Errorf("set process error %s: %w", id, err)
	}

	return requireRow(result, id, "set process error")
}

// MarkProcessCompleted transitions a process to COMPLETED, stamping the end
// time and total duration.
func (s *SQLiteStore) MarkProcessCompleted(ctx context.Context, id string, endedAt, durationMs int64) error {
	s.logger.Debug("marking process completed", "id", id)

	result, err := s.procStmts.complete.ExecContext(ctx,
		string(StateCompleted), endedAt, durationMs, nowFunc(), id)
	if err != nil {
		return fmt.Errorf("complete process %s: %w", id, err)
	}

	return requireRow(result, id, "complete process")
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(result sql.Result, id, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, id, err)
	}

	if affected == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}

	return nil
}

// --- Mapping methods ---

// UpsertMapping inserts or replaces the current mapping for an external id.
func (s *SQLiteStore) UpsertMapping(ctx context.Context, m *Mapping) error {
	s.logger.Debug("upserting mapping",
		"integration_id", m.IntegrationID, "external_id", m.ExternalID,
		"entity_type", string(m.EntityType), "action", string(m.Action))

	_, err := s.mappingStmts.upsert.ExecContext(ctx,
		m.ID, m.IntegrationID, m.ExternalID, m.TargetID, string(m.EntityType),
		m.Phone, m.LastSyncedAt, string(m.Method), string(m.Action),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert mapping %s/%s: %w", m.IntegrationID, m.ExternalID, err)
	}

	return nil
}

// scanMapping scans a full mapping row.
func scanMapping(row interface{ Scan(...any) error }) (*Mapping, error) {
	m := &Mapping{}

	var entityType, method, action string

	err := row.Scan(
		&m.ID, &m.IntegrationID, &m.ExternalID, &m.TargetID, &entityType,
		&m.Phone, &m.LastSyncedAt, &method, &action,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.EntityType = EntityType(entityType)
	m.Method = SyncMethod(method)
	m.Action = MappingAction(action)

	return m, nil
}

// GetMappingByExternalID returns the current mapping for an external id.
// Returns (nil, nil) if no mapping exists — callers use the nil mapping to
// distinguish "create" from "update".
func (s *SQLiteStore) GetMappingByExternalID(ctx context.Context, integrationID string, entityType EntityType, externalID string) (*Mapping, error) {
	m, err := scanMapping(s.mappingStmts.getByExternal.QueryRowContext(ctx,
		integrationID, string(entityType), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil mapping means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("get mapping %s/%s: %w", integrationID, externalID, err)
	}

	return m, nil
}

// GetMappingByPhone returns the most recently updated person mapping for a
// normalized phone number. Returns (nil, nil) when none exists. Phone-keyed
// lookups are an accelerator only, not the source of truth.
func (s *SQLiteStore) GetMappingByPhone(ctx context.Context, integrationID, phone string) (*Mapping, error) {
	m, err := scanMapping(s.mappingStmts.getByPhone.QueryRowContext(ctx,
		integrationID, string(EntityPerson), phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil mapping means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("get mapping by phone %s: %w", integrationID, err)
	}

	return m, nil
}

// --- Maintenance ---

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sync state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.procStmts.create, s.procStmts.get, s.procStmts.list,
		s.procStmts.updateState, s.procStmts.addMetrics, s.procStmts.appendError,
		s.procStmts.updateTotal, s.procStmts.getMetadata, s.procStmts.casMetadata,
		s.procStmts.setError, s.procStmts.complete,
		s.mappingStmts.upsert, s.mappingStmts.getByExternal, s.mappingStmts.getByPhone,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
