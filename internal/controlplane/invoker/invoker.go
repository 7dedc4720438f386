// Package invoker is the outbound port to the agent runtime that actually
// performs task work. The control plane hands it a language-neutral
// invocation request and interprets the result; it never sees task logic.
package invoker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// Invocation result statuses. Anything else is treated by the dispatcher
// as a failure with error code invalid_result_status.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusDeferred = "deferred"
)

// ExecutionInfo identifies the attempt being invoked and its retry budget.
type ExecutionInfo struct {
	ID              string     `json:"id"`
	ScheduleID      string     `json:"schedule_id"`
	TaskIntentID    string     `json:"task_intent_id"`
	ScheduledFor    time.Time  `json:"scheduled_for"`
	AttemptNumber   int        `json:"attempt_number"`
	MaxAttempts     int        `json:"max_attempts"`
	BackoffStrategy *string    `json:"backoff_strategy,omitempty"`
	RetryAfter      *time.Time `json:"retry_after,omitempty"`
	TraceID         string     `json:"trace_id"`
}

// TaskIntentInfo carries the user-facing description of the task.
type TaskIntentInfo struct {
	Summary         string  `json:"summary"`
	Details         *string `json:"details,omitempty"`
	OriginReference *string `json:"origin_reference,omitempty"`
}

// ScheduleInfo is a snapshot of the parent schedule at dispatch time. The
// definition is the schedule's own JSON encoding, opaque to the runtime.
type ScheduleInfo struct {
	ScheduleType  string          `json:"schedule_type"`
	Timezone      string          `json:"timezone"`
	Definition    json.RawMessage `json:"definition"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus *string         `json:"last_run_status,omitempty"`
}

// InvocationMetadata carries delivery bookkeeping.
type InvocationMetadata struct {
	ActualStartedAt time.Time `json:"actual_started_at"`
	TriggerSource   string    `json:"trigger_source"`
	CallbackID      string    `json:"callback_id"`
}

// InvocationRequest captures everything the agent runtime needs to run
// one execution attempt.
type InvocationRequest struct {
	Execution  ExecutionInfo          `json:"execution"`
	TaskIntent TaskIntentInfo         `json:"task_intent"`
	Schedule   ScheduleInfo           `json:"schedule"`
	Actor      schedules.ActorContext `json:"actor_context"`
	Metadata   InvocationMetadata     `json:"metadata"`
}

// RetryHint lets the agent steer the retry path: an explicit next attempt
// time, a different backoff strategy, or "none" to suppress retries.
type RetryHint struct {
	RetryAfter      *time.Time `json:"retry_after,omitempty"`
	BackoffStrategy *string    `json:"backoff_strategy,omitempty"`
}

// InvocationError is the agent's account of why the attempt failed.
type InvocationError struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// InvocationResult is the agent runtime's verdict on one attempt.
type InvocationResult struct {
	Status             string           `json:"status"`
	ResultCode         string           `json:"result_code,omitempty"`
	AttentionRequired  bool             `json:"attention_required"`
	Message            *string          `json:"message,omitempty"`
	SideEffectsSummary *string          `json:"side_effects_summary,omitempty"`
	RetryHint          *RetryHint       `json:"retry_hint,omitempty"`
	Error              *InvocationError `json:"error,omitempty"`
}

// Failure builds a failure result with a populated error record.
func Failure(code, message string) InvocationResult {
	return InvocationResult{
		Status: StatusFailure,
		Error:  &InvocationError{ErrorCode: code, ErrorMessage: message},
	}
}

// AgentInvoker performs one invocation. A returned error means the call
// itself failed (transport, panic on the far side); a failure the agent
// reports about the task comes back in the result instead.
type AgentInvoker interface {
	Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error)
}

// Func adapts a function to the AgentInvoker interface.
type Func func(ctx context.Context, req InvocationRequest) (InvocationResult, error)

// Invoke implements AgentInvoker.
func (f Func) Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error) {
	return f(ctx, req)
}
