package schedules

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Store is the transactional data access layer for task intents,
// schedules, and executions. All timestamps are persisted as UTC
// RFC3339Nano text; enums are string-encoded.
type Store struct {
	db     *storage.DB
	logger *zap.Logger
}

// NewStore creates the scheduling tables if needed.
func NewStore(db *storage.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS task_intents (
			id                      TEXT PRIMARY KEY,
			summary                 TEXT NOT NULL,
			details                 TEXT,
			origin_reference        TEXT,
			creator_actor_type      TEXT NOT NULL,
			creator_actor_id        TEXT,
			creator_channel         TEXT NOT NULL,
			superseded_by_intent_id TEXT,
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id                         TEXT PRIMARY KEY,
			task_intent_id             TEXT NOT NULL REFERENCES task_intents(id),
			schedule_type              TEXT NOT NULL,
			state                      TEXT NOT NULL,
			timezone                   TEXT NOT NULL,
			definition                 TEXT NOT NULL,
			next_run_at                TEXT,
			last_run_at                TEXT,
			last_run_status            TEXT,
			failure_count              INTEGER NOT NULL DEFAULT 0,
			last_execution_id          TEXT,
			last_evaluated_at          TEXT,
			last_evaluation_status     TEXT,
			last_evaluation_error_code TEXT,
			created_by_actor_type      TEXT NOT NULL,
			created_by_actor_id        TEXT,
			created_by_channel         TEXT NOT NULL,
			created_at                 TEXT NOT NULL,
			updated_at                 TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id                     TEXT PRIMARY KEY,
			task_intent_id         TEXT NOT NULL,
			schedule_id            TEXT NOT NULL REFERENCES schedules(id),
			scheduled_for          TEXT NOT NULL,
			trace_id               TEXT NOT NULL,
			status                 TEXT NOT NULL,
			attempt_count          INTEGER NOT NULL,
			retry_count            INTEGER NOT NULL DEFAULT 0,
			max_attempts           INTEGER NOT NULL,
			failure_count          INTEGER NOT NULL DEFAULT 0,
			started_at             TEXT,
			finished_at            TEXT,
			retry_backoff_strategy TEXT,
			next_retry_at          TEXT,
			last_error_code        TEXT,
			last_error_message     TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,
			UNIQUE (schedule_id, trace_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_state ON schedules(state)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_created ON schedules(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, scheduled_for DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create scheduling schema: %w", err)
		}
	}

	return &Store{db: db, logger: logger.Named("schedules")}, nil
}

// DB exposes the underlying database for transaction management.
func (s *Store) DB() *storage.DB { return s.db }

// normalizeTime coerces timestamps to UTC. Timestamps arriving in the
// process-local zone are assumed to be un-anchored caller input and logged.
func (s *Store) normalizeTime(field string, ts time.Time) time.Time {
	if ts.IsZero() {
		return ts
	}
	if ts.Location() == time.Local {
		s.logger.Warn("coercing local-zone timestamp to UTC", zap.String("field", field), zap.Time("value", ts))
	}
	return ts.UTC()
}

func (s *Store) normalizeTimePtr(field string, ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := s.normalizeTime(field, *ts)
	return &v
}

// CreateTaskIntent inserts an immutable task intent.
func (s *Store) CreateTaskIntent(ctx context.Context, q storage.Querier, intent TaskIntent, actor ActorContext) (*TaskIntent, error) {
	if err := actor.Validate(false); err != nil {
		return nil, err
	}
	if strings.TrimSpace(intent.Summary) == "" {
		return nil, &ValidationError{Field: "summary", Msg: "summary is required"}
	}

	now := time.Now().UTC()
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	intent.CreatedAt = now
	intent.UpdatedAt = now
	if intent.CreatorActorType == "" {
		intent.CreatorActorType = actor.ActorType
	}
	if intent.CreatorChannel == "" {
		intent.CreatorChannel = actor.Channel
	}
	if intent.CreatorActorID == nil {
		intent.CreatorActorID = actor.ActorID
	}

	_, err := q.ExecContext(ctx, s.db.Rebind(`INSERT INTO task_intents
		(id, summary, details, origin_reference, creator_actor_type, creator_actor_id, creator_channel, superseded_by_intent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		intent.ID,
		strings.TrimSpace(intent.Summary),
		storage.NullableString(intent.Details),
		storage.NullableString(intent.OriginReference),
		intent.CreatorActorType,
		storage.NullableString(intent.CreatorActorID),
		intent.CreatorChannel,
		storage.NullableString(intent.SupersededByIntentID),
		storage.FormatTime(intent.CreatedAt),
		storage.FormatTime(intent.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task intent: %w", err)
	}
	return &intent, nil
}

// GetTaskIntent returns one task intent by id.
func (s *Store) GetTaskIntent(ctx context.Context, id string) (*TaskIntent, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT id, summary, details, origin_reference,
		creator_actor_type, creator_actor_id, creator_channel, superseded_by_intent_id, created_at, updated_at
		FROM task_intents WHERE id = ?`), id)
	intent, err := scanTaskIntent(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "task intent", ID: id}
	}
	return intent, err
}

// SupersedeTaskIntent sets the supersession back-reference, the only task
// intent field that may change after creation. Self-reference is rejected.
func (s *Store) SupersedeTaskIntent(ctx context.Context, q storage.Querier, id, byIntentID string, actor ActorContext) error {
	if err := actor.Validate(false); err != nil {
		return err
	}
	if id == byIntentID {
		return &ValidationError{Field: "superseded_by_intent_id", Msg: "intent cannot supersede itself"}
	}
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE task_intents SET superseded_by_intent_id = ?, updated_at = ? WHERE id = ?`),
		byIntentID, storage.FormatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("supersede task intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "task intent", ID: id}
	}
	return nil
}

// CreateSchedule inserts a schedule row. The definition must already be
// validated against its type.
func (s *Store) CreateSchedule(ctx context.Context, q storage.Querier, sched Schedule, actor ActorContext) (*Schedule, error) {
	if err := actor.Validate(false); err != nil {
		return nil, err
	}
	if sched.TaskIntentID == "" {
		return nil, &ValidationError{Field: "task_intent_id", Msg: "task intent id is required"}
	}
	if sched.Definition.Type == "" {
		sched.Definition.Type = sched.ScheduleType
	}
	if sched.ScheduleType != sched.Definition.Type {
		return nil, &ValidationError{Field: "schedule_type", Msg: "schedule type and definition type disagree"}
	}
	if err := sched.Definition.Validate(); err != nil {
		return nil, err
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(sched.Timezone); err != nil {
		return nil, &ValidationError{Field: "timezone", Msg: fmt.Sprintf("unknown IANA timezone %q", sched.Timezone)}
	}
	if sched.State == "" {
		sched.State = StateActive
	}

	now := time.Now().UTC()
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.NextRunAt = s.normalizeTimePtr("next_run_at", sched.NextRunAt)
	if sched.CreatedByActorType == "" {
		sched.CreatedByActorType = actor.ActorType
	}
	if sched.CreatedByChannel == "" {
		sched.CreatedByChannel = actor.Channel
	}
	if sched.CreatedByActorID == nil {
		sched.CreatedByActorID = actor.ActorID
	}

	definition, err := json.Marshal(sched.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}

	_, err = q.ExecContext(ctx, s.db.Rebind(`INSERT INTO schedules
		(id, task_intent_id, schedule_type, state, timezone, definition, next_run_at, last_run_at, last_run_status,
		 failure_count, last_execution_id, last_evaluated_at, last_evaluation_status, last_evaluation_error_code,
		 created_by_actor_type, created_by_actor_id, created_by_channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sched.ID,
		sched.TaskIntentID,
		sched.ScheduleType,
		sched.State,
		sched.Timezone,
		string(definition),
		storage.NullableTime(sched.NextRunAt),
		storage.NullableTime(sched.LastRunAt),
		storage.NullableString(sched.LastRunStatus),
		sched.FailureCount,
		storage.NullableString(sched.LastExecutionID),
		storage.NullableTime(sched.LastEvaluatedAt),
		storage.NullableString(sched.LastEvaluationStatus),
		storage.NullableString(sched.LastEvaluationErrorCode),
		sched.CreatedByActorType,
		storage.NullableString(sched.CreatedByActorID),
		sched.CreatedByChannel,
		storage.FormatTime(sched.CreatedAt),
		storage.FormatTime(sched.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return &sched, nil
}

const scheduleColumns = `id, task_intent_id, schedule_type, state, timezone, definition, next_run_at, last_run_at,
	last_run_status, failure_count, last_execution_id, last_evaluated_at, last_evaluation_status,
	last_evaluation_error_code, created_by_actor_type, created_by_actor_id, created_by_channel, created_at, updated_at`

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.getSchedule(ctx, s.db, id)
}

// GetScheduleForUpdate returns one schedule inside the given transaction.
func (s *Store) GetScheduleForUpdate(ctx context.Context, q storage.Querier, id string) (*Schedule, error) {
	return s.getSchedule(ctx, q, id)
}

func (s *Store) getSchedule(ctx context.Context, q storage.Querier, id string) (*Schedule, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "schedule", ID: id}
	}
	return sched, err
}

// SaveSchedule writes back a loaded-and-mutated schedule row. The caller
// is responsible for validating state transitions before mutating.
func (s *Store) SaveSchedule(ctx context.Context, q storage.Querier, sched *Schedule) error {
	if err := sched.Definition.Validate(); err != nil {
		return err
	}
	sched.UpdatedAt = time.Now().UTC()
	sched.NextRunAt = s.normalizeTimePtr("next_run_at", sched.NextRunAt)
	sched.LastRunAt = s.normalizeTimePtr("last_run_at", sched.LastRunAt)
	sched.LastEvaluatedAt = s.normalizeTimePtr("last_evaluated_at", sched.LastEvaluatedAt)

	definition, err := json.Marshal(sched.Definition)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}

	res, err := q.ExecContext(ctx, s.db.Rebind(`UPDATE schedules SET
		schedule_type = ?, state = ?, timezone = ?, definition = ?, next_run_at = ?, last_run_at = ?,
		last_run_status = ?, failure_count = ?, last_execution_id = ?, last_evaluated_at = ?,
		last_evaluation_status = ?, last_evaluation_error_code = ?, updated_at = ?
		WHERE id = ?`),
		sched.ScheduleType,
		sched.State,
		sched.Timezone,
		string(definition),
		storage.NullableTime(sched.NextRunAt),
		storage.NullableTime(sched.LastRunAt),
		storage.NullableString(sched.LastRunStatus),
		sched.FailureCount,
		storage.NullableString(sched.LastExecutionID),
		storage.NullableTime(sched.LastEvaluatedAt),
		storage.NullableString(sched.LastEvaluationStatus),
		storage.NullableString(sched.LastEvaluationErrorCode),
		storage.FormatTime(sched.UpdatedAt),
		sched.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "schedule", ID: sched.ID}
	}
	return nil
}

// ScheduleQuery filters schedule listings. Filters compose conjunctively.
type ScheduleQuery struct {
	State         string
	ScheduleType  string
	CreatorType   string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Cursor        string
	Limit         int
}

// ListSchedules returns schedules newest first with a continuation cursor.
func (s *Store) ListSchedules(ctx context.Context, query ScheduleQuery) ([]Schedule, string, error) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if query.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, query.State)
	}
	if query.ScheduleType != "" {
		clauses = append(clauses, "schedule_type = ?")
		args = append(args, query.ScheduleType)
	}
	if query.CreatorType != "" {
		clauses = append(clauses, "created_by_actor_type = ?")
		args = append(args, query.CreatorType)
	}
	if query.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, storage.FormatTime(*query.CreatedAfter))
	}
	if query.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, storage.FormatTime(*query.CreatedBefore))
	}
	if query.Cursor != "" {
		ts, id, err := storage.DecodeCursor(query.Cursor)
		if err != nil {
			return nil, "", &ValidationError{Field: "cursor", Msg: err.Error()}
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, storage.FormatTime(ts), storage.FormatTime(ts), id)
	}

	limit := normalizeListLimit(query.Limit)
	stmt := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(stmt), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Schedule, 0, limit)
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *sched)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if len(out) <= limit {
		return out, "", nil
	}
	out = out[:limit]
	last := out[len(out)-1]
	return out, storage.EncodeCursor(last.CreatedAt, last.ID), nil
}

// CreateExecution inserts an execution row. A duplicate
// (schedule_id, trace_id) pair yields a ConflictError.
func (s *Store) CreateExecution(ctx context.Context, q storage.Querier, exec Execution, actor ActorContext) (*Execution, error) {
	if err := actor.Validate(true); err != nil {
		return nil, err
	}
	if exec.ScheduleID == "" || exec.TraceID == "" {
		return nil, &ValidationError{Field: "execution", Msg: "schedule_id and trace_id are required"}
	}
	if exec.MaxAttempts < 1 {
		return nil, &ValidationError{Field: "max_attempts", Msg: "must be >= 1"}
	}
	if exec.AttemptCount < 1 {
		exec.AttemptCount = 1
	}
	if exec.AttemptCount > exec.MaxAttempts {
		return nil, &ValidationError{Field: "attempt_count", Msg: "exceeds max_attempts"}
	}

	now := time.Now().UTC()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = ExecQueued
	}
	exec.ScheduledFor = s.normalizeTime("scheduled_for", exec.ScheduledFor)
	exec.CreatedAt = now
	exec.UpdatedAt = now

	if existing, err := s.GetExecutionByTrace(ctx, exec.ScheduleID, exec.TraceID); err == nil && existing != nil {
		return existing, &ConflictError{Msg: fmt.Sprintf("execution already exists for trace %s", exec.TraceID)}
	}

	_, err := q.ExecContext(ctx, s.db.Rebind(`INSERT INTO executions
		(id, task_intent_id, schedule_id, scheduled_for, trace_id, status, attempt_count, retry_count,
		 max_attempts, failure_count, started_at, finished_at, retry_backoff_strategy, next_retry_at,
		 last_error_code, last_error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID,
		exec.TaskIntentID,
		exec.ScheduleID,
		storage.FormatTime(exec.ScheduledFor),
		exec.TraceID,
		exec.Status,
		exec.AttemptCount,
		exec.RetryCount,
		exec.MaxAttempts,
		exec.FailureCount,
		storage.NullableTime(exec.StartedAt),
		storage.NullableTime(exec.FinishedAt),
		storage.NullableString(exec.RetryBackoffStrategy),
		storage.NullableTime(exec.NextRetryAt),
		storage.NullableString(exec.LastErrorCode),
		storage.NullableString(exec.LastErrorMessage),
		storage.FormatTime(exec.CreatedAt),
		storage.FormatTime(exec.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			return nil, &ConflictError{Msg: fmt.Sprintf("execution already exists for trace %s", exec.TraceID)}
		}
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return &exec, nil
}

// SaveExecution writes back a loaded-and-mutated execution row, enforcing
// the retry invariants.
func (s *Store) SaveExecution(ctx context.Context, q storage.Querier, exec *Execution) error {
	if exec.AttemptCount > exec.MaxAttempts {
		return &ValidationError{Field: "attempt_count", Msg: "exceeds max_attempts"}
	}
	if exec.Status == ExecRetryScheduled {
		if exec.NextRetryAt == nil {
			return &ValidationError{Field: "next_retry_at", Msg: "required for retry_scheduled"}
		}
		if exec.AttemptCount >= exec.MaxAttempts {
			return &ValidationError{Field: "attempt_count", Msg: "retry_scheduled requires attempts remaining"}
		}
	}
	exec.UpdatedAt = time.Now().UTC()
	exec.StartedAt = s.normalizeTimePtr("started_at", exec.StartedAt)
	exec.FinishedAt = s.normalizeTimePtr("finished_at", exec.FinishedAt)
	exec.NextRetryAt = s.normalizeTimePtr("next_retry_at", exec.NextRetryAt)

	res, err := q.ExecContext(ctx, s.db.Rebind(`UPDATE executions SET
		status = ?, attempt_count = ?, retry_count = ?, failure_count = ?, started_at = ?, finished_at = ?,
		retry_backoff_strategy = ?, next_retry_at = ?, last_error_code = ?, last_error_message = ?, updated_at = ?
		WHERE id = ?`),
		exec.Status,
		exec.AttemptCount,
		exec.RetryCount,
		exec.FailureCount,
		storage.NullableTime(exec.StartedAt),
		storage.NullableTime(exec.FinishedAt),
		storage.NullableString(exec.RetryBackoffStrategy),
		storage.NullableTime(exec.NextRetryAt),
		storage.NullableString(exec.LastErrorCode),
		storage.NullableString(exec.LastErrorMessage),
		storage.FormatTime(exec.UpdatedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "execution", ID: exec.ID}
	}
	return nil
}

const executionColumns = `id, task_intent_id, schedule_id, scheduled_for, trace_id, status, attempt_count,
	retry_count, max_attempts, failure_count, started_at, finished_at, retry_backoff_strategy,
	next_retry_at, last_error_code, last_error_message, created_at, updated_at`

// GetExecution returns one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "execution", ID: id}
	}
	return exec, err
}

// GetExecutionByTrace looks up the execution for one callback delivery.
// Nil without error when the trace has not been seen.
func (s *Store) GetExecutionByTrace(ctx context.Context, scheduleID, traceID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+executionColumns+` FROM executions WHERE schedule_id = ? AND trace_id = ?`), scheduleID, traceID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// LatestRetryScheduled returns the most recent retry_scheduled execution
// for a schedule, or nil when none is pending.
func (s *Store) LatestRetryScheduled(ctx context.Context, scheduleID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+executionColumns+` FROM executions
		WHERE schedule_id = ? AND status = ? ORDER BY created_at DESC, id DESC LIMIT 1`),
		scheduleID, ExecRetryScheduled)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// ExecutionQuery filters execution listings.
type ExecutionQuery struct {
	ScheduleID      string
	Status          string
	ScheduledAfter  *time.Time
	ScheduledBefore *time.Time
	Cursor          string
	Limit           int
}

// ListExecutions returns executions newest first by scheduled_for.
func (s *Store) ListExecutions(ctx context.Context, query ExecutionQuery) ([]Execution, string, error) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if query.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, query.ScheduleID)
	}
	if query.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, query.Status)
	}
	if query.ScheduledAfter != nil {
		clauses = append(clauses, "scheduled_for >= ?")
		args = append(args, storage.FormatTime(*query.ScheduledAfter))
	}
	if query.ScheduledBefore != nil {
		clauses = append(clauses, "scheduled_for <= ?")
		args = append(args, storage.FormatTime(*query.ScheduledBefore))
	}
	if query.Cursor != "" {
		ts, id, err := storage.DecodeCursor(query.Cursor)
		if err != nil {
			return nil, "", &ValidationError{Field: "cursor", Msg: err.Error()}
		}
		clauses = append(clauses, "(scheduled_for < ? OR (scheduled_for = ? AND id < ?))")
		args = append(args, storage.FormatTime(ts), storage.FormatTime(ts), id)
	}

	limit := normalizeListLimit(query.Limit)
	stmt := `SELECT ` + executionColumns + ` FROM executions`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY scheduled_for DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(stmt), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Execution, 0, limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if len(out) <= limit {
		return out, "", nil
	}
	out = out[:limit]
	last := out[len(out)-1]
	return out, storage.EncodeCursor(last.ScheduledFor, last.ID), nil
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func scanTaskIntent(sc storage.Scanner) (*TaskIntent, error) {
	var intent TaskIntent
	var details, origin, actorID, superseded sql.NullString
	var createdAt, updatedAt string
	if err := sc.Scan(
		&intent.ID,
		&intent.Summary,
		&details,
		&origin,
		&intent.CreatorActorType,
		&actorID,
		&intent.CreatorChannel,
		&superseded,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	intent.Details = storage.StringPtr(details)
	intent.OriginReference = storage.StringPtr(origin)
	intent.CreatorActorID = storage.StringPtr(actorID)
	intent.SupersededByIntentID = storage.StringPtr(superseded)
	var err error
	if intent.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if intent.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &intent, nil
}

func scanSchedule(sc storage.Scanner) (*Schedule, error) {
	var sched Schedule
	var definition, createdAt, updatedAt string
	var nextRunAt, lastRunAt, lastEvaluatedAt sql.NullString
	var lastRunStatus, lastExecutionID, lastEvalStatus, lastEvalErrorCode sql.NullString
	var createdByActorID sql.NullString
	if err := sc.Scan(
		&sched.ID,
		&sched.TaskIntentID,
		&sched.ScheduleType,
		&sched.State,
		&sched.Timezone,
		&definition,
		&nextRunAt,
		&lastRunAt,
		&lastRunStatus,
		&sched.FailureCount,
		&lastExecutionID,
		&lastEvaluatedAt,
		&lastEvalStatus,
		&lastEvalErrorCode,
		&sched.CreatedByActorType,
		&createdByActorID,
		&sched.CreatedByChannel,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(definition), &sched.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	sched.NextRunAt = storage.TimePtr(nextRunAt)
	sched.LastRunAt = storage.TimePtr(lastRunAt)
	sched.LastRunStatus = storage.StringPtr(lastRunStatus)
	sched.LastExecutionID = storage.StringPtr(lastExecutionID)
	sched.LastEvaluatedAt = storage.TimePtr(lastEvaluatedAt)
	sched.LastEvaluationStatus = storage.StringPtr(lastEvalStatus)
	sched.LastEvaluationErrorCode = storage.StringPtr(lastEvalErrorCode)
	sched.CreatedByActorID = storage.StringPtr(createdByActorID)
	var err error
	if sched.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sched.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sched, nil
}

func scanExecution(sc storage.Scanner) (*Execution, error) {
	var exec Execution
	var scheduledFor, createdAt, updatedAt string
	var startedAt, finishedAt, nextRetryAt sql.NullString
	var backoff, errorCode, errorMessage sql.NullString
	if err := sc.Scan(
		&exec.ID,
		&exec.TaskIntentID,
		&exec.ScheduleID,
		&scheduledFor,
		&exec.TraceID,
		&exec.Status,
		&exec.AttemptCount,
		&exec.RetryCount,
		&exec.MaxAttempts,
		&exec.FailureCount,
		&startedAt,
		&finishedAt,
		&backoff,
		&nextRetryAt,
		&errorCode,
		&errorMessage,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if exec.ScheduledFor, err = storage.ParseTime(scheduledFor); err != nil {
		return nil, err
	}
	if exec.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if exec.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	exec.StartedAt = storage.TimePtr(startedAt)
	exec.FinishedAt = storage.TimePtr(finishedAt)
	exec.NextRetryAt = storage.TimePtr(nextRetryAt)
	exec.RetryBackoffStrategy = storage.StringPtr(backoff)
	exec.LastErrorCode = storage.StringPtr(errorCode)
	exec.LastErrorMessage = storage.StringPtr(errorMessage)
	return &exec, nil
}
