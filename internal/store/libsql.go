package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/aide-sh/aide/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, state *WorkflowState) error {
	plan, err := json.Marshal(state.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	completed, err := marshalStepsOrNil(state.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}
	wfCtx, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, session_id, user_id, status, plan, current_step, completed_steps, context, summary, version, created_at, last_activity, expires_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.WorkflowID, state.SessionID, nullStr(state.UserID), string(state.Status),
		string(plan), state.CurrentStep, completed, string(wfCtx), nullStr(state.Summary),
		state.Version, timeOrNow(state.CreatedAt), timeOrNow(state.LastActivity),
		state.ExpiresAt, nullTime(state.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowState, error) {
	state, err := s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, status, plan, current_step, completed_steps, context, summary, version, created_at, last_activity, expires_at, completed_at
		 FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	// Lazy expiry: records past their expires_at are gone from the caller's
	// point of view, even if PurgeExpired has not swept them yet.
	if time.Now().UTC().After(state.ExpiresAt) {
		return nil, storeNotFound("workflow", id)
	}
	state.RefreshPending()
	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) scanWorkflow(row rowScanner) (*WorkflowState, error) {
	state := &WorkflowState{}
	var (
		userID, completedJSON, summary sql.NullString
		planJSON, ctxJSON, status      string
		completedAt                    sql.NullTime
	)
	err := row.Scan(&state.WorkflowID, &state.SessionID, &userID, &status,
		&planJSON, &state.CurrentStep, &completedJSON, &ctxJSON, &summary,
		&state.Version, &state.CreatedAt, &state.LastActivity, &state.ExpiresAt, &completedAt)
	if err != nil {
		return nil, err
	}
	state.UserID = userID.String
	state.Status = schema.WorkflowStatus(status)
	state.Summary = summary.String
	if err := json.Unmarshal([]byte(planJSON), &state.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if completedJSON.Valid && completedJSON.String != "" {
		if err := json.Unmarshal([]byte(completedJSON.String), &state.CompletedSteps); err != nil {
			return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(ctxJSON), &state.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	return state, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Plan != nil {
		plan, err := json.Marshal(update.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		sets = append(sets, "plan = ?")
		args = append(args, string(plan))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.CompletedSteps != nil {
		completed, err := json.Marshal(update.CompletedSteps)
		if err != nil {
			return fmt.Errorf("marshal completed_steps: %w", err)
		}
		sets = append(sets, "completed_steps = ?")
		args = append(args, string(completed))
	}
	if update.Context != nil {
		wfCtx, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(wfCtx))
	}
	if update.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *update.Summary)
	}
	if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *update.ExpiresAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1")
	if update.LastActivity != nil {
		sets = append(sets, "last_activity = ?")
		args = append(args, *update.LastActivity)
	} else {
		sets = append(sets, "last_activity = CURRENT_TIMESTAMP")
	}

	where := "id = ?"
	args = append(args, id)
	if update.ExpectedVersion != nil {
		where += " AND version = ?"
		args = append(args, *update.ExpectedVersion)
	}

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if update.ExpectedVersion != nil {
			// Distinguish a lost CAS race from a missing record.
			var exists int
			if scanErr := s.db.QueryRowContext(ctx,
				`SELECT 1 FROM workflows WHERE id = ?`, id).Scan(&exists); scanErr == nil {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"workflow %q modified concurrently (expected version %d)", id, *update.ExpectedVersion)
			}
		}
		return storeNotFound("workflow", id)
	}
	return nil
}

func (s *LibSQLStore) ListActiveWorkflows(ctx context.Context, sessionID string) ([]*WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, status, plan, current_step, completed_steps, context, summary, version, created_at, last_activity, expires_at, completed_at
		 FROM workflows WHERE session_id = ? AND status = ? AND expires_at > ? ORDER BY created_at ASC`,
		sessionID, string(schema.WorkflowStatusActive), time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*WorkflowState
	for rows.Next() {
		state, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		state.RefreshPending()
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *LibSQLStore) CompleteWorkflow(ctx context.Context, id string, status string, summary string, retention time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, summary = ?, completed_at = ?, expires_at = ?,
		 last_activity = ?, version = version + 1 WHERE id = ?`,
		status, nullStr(summary), now, now.Add(retention), now, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	// Terminal confirmations past expiry go with them.
	res, err = s.db.ExecContext(ctx,
		`DELETE FROM confirmations WHERE expires_at <= ? AND status != 'pending'`, now)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}

// --- Confirmations ---

func (s *LibSQLStore) CreateConfirmation(ctx context.Context, flow *ConfirmationFlow) error {
	preview, err := json.Marshal(flow.ActionPreview)
	if err != nil {
		return fmt.Errorf("marshal action_preview: %w", err)
	}
	toolCall, err := json.Marshal(flow.OriginalToolCall)
	if err != nil {
		return fmt.Errorf("marshal original_tool_call: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO confirmations (id, session_id, user_id, workflow_id, step_number, action_preview, original_tool_call, status, channel, thread_id, responded_by, execution_result, created_at, expires_at, confirmed_at, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flow.ConfirmationID, flow.SessionID, nullStr(flow.UserID), nullStr(flow.WorkflowID),
		flow.StepNumber, string(preview), string(toolCall), string(flow.Status),
		nullStr(flow.Channel), nullStr(flow.ThreadID), nullStr(flow.RespondedBy),
		nullRaw(flow.ExecutionResult), timeOrNow(flow.CreatedAt), flow.ExpiresAt,
		nullTime(flow.ConfirmedAt), nullTime(flow.ExecutedAt),
	)
	return err
}

func (s *LibSQLStore) GetConfirmation(ctx context.Context, id string) (*ConfirmationFlow, error) {
	// Lazy expiry: transition an overdue pending record before reading it.
	_, err := s.db.ExecContext(ctx,
		`UPDATE confirmations SET status = 'expired' WHERE id = ? AND status = 'pending' AND expires_at <= ?`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	flow, err := scanConfirmation(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, workflow_id, step_number, action_preview, original_tool_call, status, channel, thread_id, responded_by, execution_result, created_at, expires_at, confirmed_at, executed_at
		 FROM confirmations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("confirmation", id)
	}
	return flow, err
}

func scanConfirmation(row rowScanner) (*ConfirmationFlow, error) {
	flow := &ConfirmationFlow{}
	var (
		userID, workflowID, channel, threadID, respondedBy, result sql.NullString
		previewJSON, toolCallJSON, status                          string
		confirmedAt, executedAt                                    sql.NullTime
	)
	err := row.Scan(&flow.ConfirmationID, &flow.SessionID, &userID, &workflowID, &flow.StepNumber,
		&previewJSON, &toolCallJSON, &status, &channel, &threadID, &respondedBy, &result,
		&flow.CreatedAt, &flow.ExpiresAt, &confirmedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	flow.UserID = userID.String
	flow.WorkflowID = workflowID.String
	flow.Status = schema.ConfirmationStatus(status)
	flow.Channel = channel.String
	flow.ThreadID = threadID.String
	flow.RespondedBy = respondedBy.String
	flow.ExecutionResult = rawOrNil(result)
	if err := json.Unmarshal([]byte(previewJSON), &flow.ActionPreview); err != nil {
		return nil, fmt.Errorf("unmarshal action_preview: %w", err)
	}
	if err := json.Unmarshal([]byte(toolCallJSON), &flow.OriginalToolCall); err != nil {
		return nil, fmt.Errorf("unmarshal original_tool_call: %w", err)
	}
	if confirmedAt.Valid {
		flow.ConfirmedAt = &confirmedAt.Time
	}
	if executedAt.Valid {
		flow.ExecutedAt = &executedAt.Time
	}
	return flow, nil
}

func (s *LibSQLStore) RespondConfirmation(ctx context.Context, id string, status string, respondedBy string) error {
	now := time.Now().UTC()
	var confirmedAt any
	if status == string(schema.ConfirmationStatusConfirmed) {
		confirmedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE confirmations SET status = ?, responded_by = ?, confirmed_at = ?
		 WHERE id = ? AND status = 'pending' AND expires_at > ?`,
		status, nullStr(respondedBy), confirmedAt, id, now,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.confirmationUpdateError(ctx, id, "pending")
	}
	return nil
}

func (s *LibSQLStore) FinishConfirmation(ctx context.Context, id string, status string, result []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE confirmations SET status = ?, execution_result = ?, executed_at = ?
		 WHERE id = ? AND status = 'confirmed'`,
		status, nullRaw(result), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.confirmationUpdateError(ctx, id, "confirmed")
	}
	return nil
}

// confirmationUpdateError maps a zero-row conditional update to the precise
// error: missing record, already expired, or a status the transition does
// not allow.
func (s *LibSQLStore) confirmationUpdateError(ctx context.Context, id, wantStatus string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM confirmations WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("confirmation", id)
	}
	if err != nil {
		return err
	}
	if current == string(schema.ConfirmationStatusExpired) {
		return schema.NewErrorf(schema.ErrCodeExpired, "confirmation %q has expired", id)
	}
	if current == string(schema.ConfirmationStatusPending) && wantStatus == "pending" {
		return schema.NewErrorf(schema.ErrCodeExpired, "confirmation %q has expired", id)
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"confirmation %q is %s, expected %s", id, current, wantStatus)
}

func (s *LibSQLStore) ExpireConfirmations(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM confirmations WHERE status = 'pending' AND expires_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE confirmations SET status = 'expired' WHERE status = 'pending' AND expires_at <= ?`, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expiry: %w", err)
	}
	return ids, nil
}

func (s *LibSQLStore) ListConfirmations(ctx context.Context, filter ConfirmationFilter) ([]*ConfirmationFlow, error) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, session_id, user_id, workflow_id, step_number, action_preview, original_tool_call, status, channel, thread_id, responded_by, execution_result, created_at, expires_at, confirmed_at, executed_at FROM confirmations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*ConfirmationFlow
	for rows.Next() {
		flow, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this workflow
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_id, event_type, payload, session_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.StepID), event.Type, payload, nullStr(event.SessionID), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_id, event_type, payload, session_id, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, sessionID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepID, &e.Type, &payload, &sessionID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.SessionID = sessionID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled Requests ---

func (s *LibSQLStore) CreateScheduledRequest(ctx context.Context, req *ScheduledRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_requests (id, session_id, user_id, request, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, nullStr(req.UserID), req.Request, req.CronExpression,
		req.Enabled, nullTime(req.LastRunAt), nullTime(req.NextRunAt),
		nullStr(req.LastRunStatus), timeOrNow(req.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRequest(ctx context.Context, id string) (*ScheduledRequest, error) {
	req, err := scanScheduledRequest(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, request, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_request", id)
	}
	return req, err
}

func scanScheduledRequest(row rowScanner) (*ScheduledRequest, error) {
	req := &ScheduledRequest{}
	var userID, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&req.ID, &req.SessionID, &userID, &req.Request, &req.CronExpression,
		&req.Enabled, &lastRun, &nextRun, &lastStatus, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	req.UserID = userID.String
	req.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		req.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		req.NextRunAt = &nextRun.Time
	}
	return req, nil
}

func (s *LibSQLStore) UpdateScheduledRequest(ctx context.Context, id string, update ScheduledRequestUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_requests SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_request", id)
}

func (s *LibSQLStore) ListScheduledRequests(ctx context.Context, filter ScheduledRequestFilter) ([]*ScheduledRequest, error) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, session_id, user_id, request, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*ScheduledRequest
	for rows.Next() {
		req, err := scanScheduledRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_requests WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_request", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AideError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStepsOrNil(steps []schema.WorkflowStep) (any, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
