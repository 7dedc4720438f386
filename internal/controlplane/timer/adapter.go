// Package timer defines the port between the control plane and the
// external timer engine that wakes schedules at wall-clock time, plus a
// local reference engine for single-process deployments.
//
// The payload crossing the port is language-neutral: the definition is
// opaque JSON, so an engine never needs the control plane's schedule
// types to store and echo it.
package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Adapter error codes.
const (
	ErrCodeUnavailable = "unavailable"
	ErrCodeTimeout     = "timeout"
	ErrCodeNotFound    = "not_found"
	ErrCodeInvalid     = "invalid_payload"
	ErrCodeInternal    = "internal"
)

// AdapterError is the synchronous failure contract of the port: any
// non-success surfaces as one of these, never as an opaque string.
type AdapterError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("timer adapter: %s: %s", e.Code, e.Message)
}

// SchedulePayload is the record registered with the engine. NextRunAt is
// the only field the engine acts on; the rest is echoed back for
// diagnostics and re-registration.
type SchedulePayload struct {
	ScheduleID   string          `json:"schedule_id"`
	ScheduleType string          `json:"schedule_type"`
	Timezone     string          `json:"timezone"`
	Definition   json.RawMessage `json:"definition"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
}

// Callback is one delivery from the engine to the dispatcher. TraceID is
// the idempotency key: redelivery reuses it, so duplicates collapse.
type Callback struct {
	ScheduleID    string    `json:"schedule_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	TraceID       string    `json:"trace_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	TriggerSource string    `json:"trigger_source"`
}

// Callback outcome statuses reported by the handler.
const (
	OutcomeCompleted = "completed"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeRejected  = "rejected"
)

// CallbackOutcome tells the engine what to do next with the beat: advance
// to NextRunAt (or go dormant when nil), and optionally arm a one-shot
// retry at RetryAt.
type CallbackOutcome struct {
	Status      string     `json:"status"`
	ExecutionID string     `json:"execution_id,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	RetryAt     *time.Time `json:"retry_at,omitempty"`
}

// Handler consumes callbacks. The dispatcher implements this.
type Handler interface {
	HandleCallback(ctx context.Context, cb Callback) (CallbackOutcome, error)
}

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Health is the engine's self-report.
type Health struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Adapter is the timer engine port. Implementations serialize their own
// internal state; the control plane issues one call per mutation.
type Adapter interface {
	Register(ctx context.Context, payload SchedulePayload) error
	Update(ctx context.Context, payload SchedulePayload) error
	Pause(ctx context.Context, scheduleID string) error
	Resume(ctx context.Context, scheduleID string) error
	Delete(ctx context.Context, scheduleID string) error

	// TriggerCallback forces an immediate delivery, bypassing the beat
	// clock. Used by run_now; an empty traceID lets the engine mint one.
	TriggerCallback(ctx context.Context, scheduleID string, scheduledFor time.Time, traceID, triggerSource string) error

	Health(ctx context.Context) Health
}
