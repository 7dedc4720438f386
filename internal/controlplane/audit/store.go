package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists the three append-only audit logs. Appends take a
// storage.Querier so they run atomically inside the caller's transaction.
type Store struct {
	db     *storage.DB
	logger *zap.Logger
}

// NewStore creates the audit tables if needed.
func NewStore(db *storage.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS schedule_audit_logs (
			id             TEXT PRIMARY KEY,
			schedule_id    TEXT NOT NULL,
			task_intent_id TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			actor_type     TEXT NOT NULL,
			actor_id       TEXT,
			channel        TEXT NOT NULL,
			trace_id       TEXT NOT NULL,
			request_id     TEXT,
			reason         TEXT,
			diff_summary   TEXT,
			occurred_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_audit_logs (
			id             TEXT PRIMARY KEY,
			execution_id   TEXT NOT NULL,
			schedule_id    TEXT NOT NULL,
			task_intent_id TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			status         TEXT NOT NULL,
			scheduled_for  TEXT NOT NULL,
			attempt_count  INTEGER NOT NULL,
			retry_count    INTEGER NOT NULL,
			max_attempts   INTEGER NOT NULL,
			started_at     TEXT,
			finished_at    TEXT,
			next_retry_at  TEXT,
			error_code     TEXT,
			error_message  TEXT,
			actor_type     TEXT NOT NULL,
			actor_id       TEXT,
			channel        TEXT NOT NULL,
			trace_id       TEXT NOT NULL,
			request_id     TEXT,
			occurred_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS predicate_evaluation_audit_logs (
			id                           TEXT PRIMARY KEY,
			evaluation_id                TEXT NOT NULL UNIQUE,
			schedule_id                  TEXT NOT NULL,
			execution_id                 TEXT,
			predicate_subject            TEXT NOT NULL,
			predicate_operator           TEXT NOT NULL,
			predicate_value              TEXT,
			evaluation_time              TEXT NOT NULL,
			evaluated_at                 TEXT NOT NULL,
			status                       TEXT NOT NULL,
			result_code                  TEXT NOT NULL,
			observed_value               TEXT,
			authorization_decision       TEXT NOT NULL,
			authorization_reason_code    TEXT,
			authorization_reason_message TEXT,
			provider_name                TEXT NOT NULL,
			provider_attempt             INTEGER NOT NULL,
			correlation_id               TEXT NOT NULL,
			occurred_at                  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sched_audit_schedule ON schedule_audit_logs(schedule_id, occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sched_audit_request ON schedule_audit_logs(schedule_id, event_type, request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_audit_execution ON execution_audit_logs(execution_id, occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_audit_schedule ON execution_audit_logs(schedule_id, occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_pred_audit_schedule ON predicate_evaluation_audit_logs(schedule_id, occurred_at DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create audit schema: %w", err)
		}
	}

	return &Store{db: db, logger: logger.Named("audit")}, nil
}

func enrich(id *string, occurredAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if occurredAt.IsZero() {
		*occurredAt = time.Now().UTC()
	}
}

// AppendSchedule appends a schedule audit row. When the same (schedule_id,
// event_type, request_id) was already recorded, the append is a no-op and
// the prior row id is returned.
func (s *Store) AppendSchedule(ctx context.Context, q storage.Querier, row ScheduleRow) (string, error) {
	enrich(&row.ID, &row.OccurredAt)

	if prior, err := s.findScheduleReplay(ctx, q, row.ScheduleID, row.EventType, row.RequestID); err != nil {
		return "", err
	} else if prior != "" {
		return prior, nil
	}

	_, err := q.ExecContext(ctx, s.db.Rebind(`INSERT INTO schedule_audit_logs
		(id, schedule_id, task_intent_id, event_type, actor_type, actor_id, channel, trace_id, request_id, reason, diff_summary, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID,
		row.ScheduleID,
		row.TaskIntentID,
		row.EventType,
		row.ActorType,
		storage.NullableString(row.ActorID),
		row.Channel,
		row.TraceID,
		storage.NullableString(row.RequestID),
		storage.NullableString(row.Reason),
		storage.NullableString(row.DiffSummary),
		storage.FormatTime(row.OccurredAt),
	)
	if err != nil {
		return "", fmt.Errorf("append schedule audit: %w", err)
	}
	return row.ID, nil
}

// AppendExecution appends an execution audit row with replay dedupe keyed
// on (execution_id, event_type, request_id).
func (s *Store) AppendExecution(ctx context.Context, q storage.Querier, row ExecutionRow) (string, error) {
	enrich(&row.ID, &row.OccurredAt)

	if row.RequestID != nil && strings.TrimSpace(*row.RequestID) != "" {
		var prior string
		err := q.QueryRowContext(ctx, s.db.Rebind(
			`SELECT id FROM execution_audit_logs WHERE execution_id = ? AND event_type = ? AND request_id = ?`),
			row.ExecutionID, row.EventType, *row.RequestID,
		).Scan(&prior)
		if err == nil {
			return prior, nil
		}
		if err != sql.ErrNoRows {
			return "", err
		}
	}

	_, err := q.ExecContext(ctx, s.db.Rebind(`INSERT INTO execution_audit_logs
		(id, execution_id, schedule_id, task_intent_id, event_type, status, scheduled_for,
		 attempt_count, retry_count, max_attempts, started_at, finished_at, next_retry_at,
		 error_code, error_message, actor_type, actor_id, channel, trace_id, request_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID,
		row.ExecutionID,
		row.ScheduleID,
		row.TaskIntentID,
		row.EventType,
		row.Status,
		storage.FormatTime(row.ScheduledFor),
		row.AttemptCount,
		row.RetryCount,
		row.MaxAttempts,
		storage.NullableTime(row.StartedAt),
		storage.NullableTime(row.FinishedAt),
		storage.NullableTime(row.NextRetryAt),
		storage.NullableString(row.ErrorCode),
		storage.NullableString(row.ErrorMessage),
		row.ActorType,
		storage.NullableString(row.ActorID),
		row.Channel,
		row.TraceID,
		storage.NullableString(row.RequestID),
		storage.FormatTime(row.OccurredAt),
	)
	if err != nil {
		return "", fmt.Errorf("append execution audit: %w", err)
	}
	return row.ID, nil
}

// AppendPredicate appends a predicate-evaluation audit row. evaluation_id
// is unique; re-appending the same evaluation returns the prior row id.
func (s *Store) AppendPredicate(ctx context.Context, q storage.Querier, row PredicateRow) (string, error) {
	enrich(&row.ID, &row.OccurredAt)
	if row.EvaluationID == "" {
		row.EvaluationID = uuid.NewString()
	}
	if row.ProviderAttempt < 1 {
		row.ProviderAttempt = 1
	}

	var prior string
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id FROM predicate_evaluation_audit_logs WHERE evaluation_id = ?`),
		row.EvaluationID,
	).Scan(&prior)
	if err == nil {
		return prior, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	_, err = q.ExecContext(ctx, s.db.Rebind(`INSERT INTO predicate_evaluation_audit_logs
		(id, evaluation_id, schedule_id, execution_id, predicate_subject, predicate_operator, predicate_value,
		 evaluation_time, evaluated_at, status, result_code, observed_value,
		 authorization_decision, authorization_reason_code, authorization_reason_message,
		 provider_name, provider_attempt, correlation_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID,
		row.EvaluationID,
		row.ScheduleID,
		storage.NullableString(row.ExecutionID),
		row.Subject,
		row.Operator,
		storage.NullableString(row.Value),
		storage.FormatTime(row.EvaluationTime),
		storage.FormatTime(row.EvaluatedAt),
		row.Status,
		row.ResultCode,
		storage.NullableString(row.ObservedValue),
		row.AuthorizationDecision,
		storage.NullableString(row.AuthorizationReasonCode),
		storage.NullableString(row.AuthorizationReasonMessage),
		row.ProviderName,
		row.ProviderAttempt,
		row.CorrelationID,
		storage.FormatTime(row.OccurredAt),
	)
	if err != nil {
		return "", fmt.Errorf("append predicate audit: %w", err)
	}
	return row.ID, nil
}

func (s *Store) findScheduleReplay(ctx context.Context, q storage.Querier, scheduleID, eventType string, requestID *string) (string, error) {
	if requestID == nil || strings.TrimSpace(*requestID) == "" {
		return "", nil
	}
	var prior string
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id FROM schedule_audit_logs WHERE schedule_id = ? AND event_type = ? AND request_id = ?`),
		scheduleID, eventType, *requestID,
	).Scan(&prior)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return prior, nil
}

// FindScheduleByRequestID looks up a prior schedule audit row by its
// idempotency triple. Empty id when no replay exists.
func (s *Store) FindScheduleByRequestID(ctx context.Context, scheduleID, eventType, requestID string) (string, error) {
	return s.findScheduleReplay(ctx, s.db, scheduleID, eventType, &requestID)
}

// ScheduleFilter selects schedule audit rows.
type ScheduleFilter struct {
	ScheduleID string
	EventType  string
	Since      *time.Time
	Until      *time.Time
	Cursor     string
	Limit      int
}

// ListSchedule returns schedule audit rows, newest first, with an opaque
// continuation cursor when more rows remain.
func (s *Store) ListSchedule(ctx context.Context, f ScheduleFilter) ([]ScheduleRow, string, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if f.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, storage.FormatTime(*f.Since))
	}
	if f.Until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, storage.FormatTime(*f.Until))
	}
	if f.Cursor != "" {
		ts, id, err := storage.DecodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		clauses = append(clauses, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, storage.FormatTime(ts), storage.FormatTime(ts), id)
	}

	limit := normalizeLimit(f.Limit)
	stmt := `SELECT id, schedule_id, task_intent_id, event_type, actor_type, actor_id, channel, trace_id, request_id, reason, diff_summary, occurred_at
		FROM schedule_audit_logs`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(stmt), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]ScheduleRow, 0, limit)
	for rows.Next() {
		row, err := scanScheduleRow(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return pageSchedule(out, limit)
}

// ExecutionFilter selects execution audit rows.
type ExecutionFilter struct {
	ExecutionID string
	ScheduleID  string
	Status      string
	Cursor      string
	Limit       int
}

// ListExecution returns execution audit rows, newest first.
func (s *Store) ListExecution(ctx context.Context, f ExecutionFilter) ([]ExecutionRow, string, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if f.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Cursor != "" {
		ts, id, err := storage.DecodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		clauses = append(clauses, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, storage.FormatTime(ts), storage.FormatTime(ts), id)
	}

	limit := normalizeLimit(f.Limit)
	stmt := `SELECT id, execution_id, schedule_id, task_intent_id, event_type, status, scheduled_for,
		attempt_count, retry_count, max_attempts, started_at, finished_at, next_retry_at,
		error_code, error_message, actor_type, actor_id, channel, trace_id, request_id, occurred_at
		FROM execution_audit_logs`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(stmt), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]ExecutionRow, 0, limit)
	for rows.Next() {
		row, err := scanExecutionRow(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return pageExecution(out, limit)
}

// PredicateFilter selects predicate-evaluation audit rows.
type PredicateFilter struct {
	ScheduleID string
	Status     string
	Cursor     string
	Limit      int
}

// ListPredicate returns predicate-evaluation audit rows, newest first.
func (s *Store) ListPredicate(ctx context.Context, f PredicateFilter) ([]PredicateRow, string, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if f.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Cursor != "" {
		ts, id, err := storage.DecodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		clauses = append(clauses, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, storage.FormatTime(ts), storage.FormatTime(ts), id)
	}

	limit := normalizeLimit(f.Limit)
	stmt := `SELECT id, evaluation_id, schedule_id, execution_id, predicate_subject, predicate_operator, predicate_value,
		evaluation_time, evaluated_at, status, result_code, observed_value,
		authorization_decision, authorization_reason_code, authorization_reason_message,
		provider_name, provider_attempt, correlation_id, occurred_at
		FROM predicate_evaluation_audit_logs`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(stmt), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]PredicateRow, 0, limit)
	for rows.Next() {
		row, err := scanPredicateRow(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return pagePredicate(out, limit)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func pageSchedule(rows []ScheduleRow, limit int) ([]ScheduleRow, string, error) {
	if len(rows) <= limit {
		return rows, "", nil
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return rows, storage.EncodeCursor(last.OccurredAt, last.ID), nil
}

func pageExecution(rows []ExecutionRow, limit int) ([]ExecutionRow, string, error) {
	if len(rows) <= limit {
		return rows, "", nil
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return rows, storage.EncodeCursor(last.OccurredAt, last.ID), nil
}

func pagePredicate(rows []PredicateRow, limit int) ([]PredicateRow, string, error) {
	if len(rows) <= limit {
		return rows, "", nil
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return rows, storage.EncodeCursor(last.OccurredAt, last.ID), nil
}

func scanScheduleRow(sc storage.Scanner) (*ScheduleRow, error) {
	var (
		row                           ScheduleRow
		actorID, requestID            sql.NullString
		reason, diffSummary           sql.NullString
		occurredAt                    string
	)
	if err := sc.Scan(
		&row.ID,
		&row.ScheduleID,
		&row.TaskIntentID,
		&row.EventType,
		&row.ActorType,
		&actorID,
		&row.Channel,
		&row.TraceID,
		&requestID,
		&reason,
		&diffSummary,
		&occurredAt,
	); err != nil {
		return nil, err
	}
	row.ActorID = storage.StringPtr(actorID)
	row.RequestID = storage.StringPtr(requestID)
	row.Reason = storage.StringPtr(reason)
	row.DiffSummary = storage.StringPtr(diffSummary)
	ts, err := storage.ParseTime(occurredAt)
	if err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	row.OccurredAt = ts
	return &row, nil
}

func scanExecutionRow(sc storage.Scanner) (*ExecutionRow, error) {
	var (
		row                                 ExecutionRow
		scheduledFor, occurredAt            string
		startedAt, finishedAt, nextRetryAt  sql.NullString
		errorCode, errorMessage             sql.NullString
		actorID, requestID                  sql.NullString
	)
	if err := sc.Scan(
		&row.ID,
		&row.ExecutionID,
		&row.ScheduleID,
		&row.TaskIntentID,
		&row.EventType,
		&row.Status,
		&scheduledFor,
		&row.AttemptCount,
		&row.RetryCount,
		&row.MaxAttempts,
		&startedAt,
		&finishedAt,
		&nextRetryAt,
		&errorCode,
		&errorMessage,
		&row.ActorType,
		&actorID,
		&row.Channel,
		&row.TraceID,
		&requestID,
		&occurredAt,
	); err != nil {
		return nil, err
	}
	var err error
	if row.ScheduledFor, err = storage.ParseTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("parse scheduled_for: %w", err)
	}
	if row.OccurredAt, err = storage.ParseTime(occurredAt); err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	row.StartedAt = storage.TimePtr(startedAt)
	row.FinishedAt = storage.TimePtr(finishedAt)
	row.NextRetryAt = storage.TimePtr(nextRetryAt)
	row.ErrorCode = storage.StringPtr(errorCode)
	row.ErrorMessage = storage.StringPtr(errorMessage)
	row.ActorID = storage.StringPtr(actorID)
	row.RequestID = storage.StringPtr(requestID)
	return &row, nil
}

func scanPredicateRow(sc storage.Scanner) (*PredicateRow, error) {
	var (
		row                              PredicateRow
		executionID, value, observed     sql.NullString
		reasonCode, reasonMessage        sql.NullString
		evaluationTime, evaluatedAt      string
		occurredAt                       string
	)
	if err := sc.Scan(
		&row.ID,
		&row.EvaluationID,
		&row.ScheduleID,
		&executionID,
		&row.Subject,
		&row.Operator,
		&value,
		&evaluationTime,
		&evaluatedAt,
		&row.Status,
		&row.ResultCode,
		&observed,
		&row.AuthorizationDecision,
		&reasonCode,
		&reasonMessage,
		&row.ProviderName,
		&row.ProviderAttempt,
		&row.CorrelationID,
		&occurredAt,
	); err != nil {
		return nil, err
	}
	var err error
	if row.EvaluationTime, err = storage.ParseTime(evaluationTime); err != nil {
		return nil, fmt.Errorf("parse evaluation_time: %w", err)
	}
	if row.EvaluatedAt, err = storage.ParseTime(evaluatedAt); err != nil {
		return nil, fmt.Errorf("parse evaluated_at: %w", err)
	}
	if row.OccurredAt, err = storage.ParseTime(occurredAt); err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	row.ExecutionID = storage.StringPtr(executionID)
	row.Value = storage.StringPtr(value)
	row.ObservedValue = storage.StringPtr(observed)
	row.AuthorizationReasonCode = storage.StringPtr(reasonCode)
	row.AuthorizationReasonMessage = storage.StringPtr(reasonMessage)
	return &row, nil
}

// DB exposes the underlying database for callers that open transactions
// spanning schedule state and audit appends.
func (s *Store) DB() *storage.DB { return s.db }
