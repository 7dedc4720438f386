// Package audit provides the append-only audit substrate for schedules,
// executions, and predicate evaluations. Rows are never mutated or deleted
// by the control plane; replays with an identical (entity, event_type,
// request_id) triple are absorbed as no-ops.
package audit

import (
	"time"
)

// Log kinds.
const (
	KindSchedule  = "schedule"
	KindExecution = "execution"
	KindPredicate = "predicate_evaluation"
)

// Schedule audit event types.
const (
	EventScheduleCreated  = "create"
	EventScheduleUpdated  = "update"
	EventSchedulePaused   = "pause"
	EventScheduleResumed  = "resume"
	EventScheduleCanceled = "cancel"
	EventScheduleArchived = "archive"
	EventScheduleRunNow   = "run_now"
)

// ScheduleRow is one schedule audit log entry.
type ScheduleRow struct {
	ID           string    `json:"id"`
	ScheduleID   string    `json:"schedule_id"`
	TaskIntentID string    `json:"task_intent_id"`
	EventType    string    `json:"event_type"`
	ActorType    string    `json:"actor_type"`
	ActorID      *string   `json:"actor_id,omitempty"`
	Channel      string    `json:"channel"`
	TraceID      string    `json:"trace_id"`
	RequestID    *string   `json:"request_id,omitempty"`
	Reason       *string   `json:"reason,omitempty"`
	DiffSummary  *string   `json:"diff_summary,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ExecutionRow is one execution audit log entry: a full execution snapshot
// taken at a status change, plus the acting identity.
type ExecutionRow struct {
	ID           string `json:"id"`
	ExecutionID  string `json:"execution_id"`
	ScheduleID   string `json:"schedule_id"`
	TaskIntentID string `json:"task_intent_id"`
	EventType    string `json:"event_type"`
	Status       string `json:"status"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	AttemptCount int        `json:"attempt_count"`
	RetryCount   int        `json:"retry_count"`
	MaxAttempts  int        `json:"max_attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`

	ActorType  string    `json:"actor_type"`
	ActorID    *string   `json:"actor_id,omitempty"`
	Channel    string    `json:"channel"`
	TraceID    string    `json:"trace_id"`
	RequestID  *string   `json:"request_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Predicate evaluation statuses.
const (
	PredicateTrue  = "true"
	PredicateFalse = "false"
	PredicateError = "error"
)

// Authorization decisions on predicate rows.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// PredicateRow is one predicate-evaluation audit log entry.
type PredicateRow struct {
	ID           string  `json:"id"`
	EvaluationID string  `json:"evaluation_id"`
	ScheduleID   string  `json:"schedule_id"`
	ExecutionID  *string `json:"execution_id,omitempty"`

	Subject  string  `json:"predicate_subject"`
	Operator string  `json:"predicate_operator"`
	Value    *string `json:"predicate_value,omitempty"`

	EvaluationTime time.Time `json:"evaluation_time"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
	Status         string    `json:"status"`
	ResultCode     string    `json:"result_code"`
	ObservedValue  *string   `json:"observed_value,omitempty"`

	AuthorizationDecision      string  `json:"authorization_decision"`
	AuthorizationReasonCode    *string `json:"authorization_reason_code,omitempty"`
	AuthorizationReasonMessage *string `json:"authorization_reason_message,omitempty"`

	ProviderName    string    `json:"provider_name"`
	ProviderAttempt int       `json:"provider_attempt"`
	CorrelationID   string    `json:"correlation_id"`
	OccurredAt      time.Time `json:"occurred_at"`
}
