package schedules

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleEventType labels schedule and execution lifecycle notifications
// emitted to event/SSE surfaces.
type LifecycleEventType string

const (
	EventScheduleCreated  LifecycleEventType = "schedule.created"
	EventScheduleUpdated  LifecycleEventType = "schedule.updated"
	EventSchedulePaused   LifecycleEventType = "schedule.paused"
	EventScheduleResumed  LifecycleEventType = "schedule.resumed"
	EventScheduleCanceled LifecycleEventType = "schedule.canceled"
	EventScheduleArchived LifecycleEventType = "schedule.archived"
	EventScheduleRunNow   LifecycleEventType = "schedule.run_now"

	EventExecutionQueued         LifecycleEventType = "execution.queued"
	EventExecutionStarted        LifecycleEventType = "execution.started"
	EventExecutionSucceeded      LifecycleEventType = "execution.succeeded"
	EventExecutionFailed         LifecycleEventType = "execution.failed"
	EventExecutionRetryScheduled LifecycleEventType = "execution.retry_scheduled"
)

// LifecycleEvent carries schedule/execution correlation metadata for SSE
// consumers and the failure notification router.
type LifecycleEvent struct {
	Type         LifecycleEventType `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	Actor        string             `json:"actor,omitempty"`
	ScheduleID   string             `json:"schedule_id,omitempty"`
	TaskIntentID string             `json:"task_intent_id,omitempty"`
	ExecutionID  string             `json:"execution_id,omitempty"`
	State        string             `json:"state,omitempty"`
	Attempt      int                `json:"attempt,omitempty"`
	MaxAttempts  int                `json:"max_attempts,omitempty"`
	TraceID      string             `json:"trace_id,omitempty"`
	RequestID    string             `json:"request_id,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	NextRetryAt  *time.Time         `json:"next_retry_at,omitempty"`
}

// CorrelationMetadata exposes stable correlation keys for event payloads.
func (e LifecycleEvent) CorrelationMetadata() map[string]any {
	meta := map[string]any{}
	if id := strings.TrimSpace(e.ScheduleID); id != "" {
		meta["schedule_id"] = id
	}
	if id := strings.TrimSpace(e.TaskIntentID); id != "" {
		meta["task_intent_id"] = id
	}
	if id := strings.TrimSpace(e.ExecutionID); id != "" {
		meta["execution_id"] = id
	}
	if e.Attempt > 0 {
		meta["attempt"] = e.Attempt
	}
	if e.MaxAttempts > 0 {
		meta["max_attempts"] = e.MaxAttempts
	}
	if id := strings.TrimSpace(e.TraceID); id != "" {
		meta["trace_id"] = id
	}
	if id := strings.TrimSpace(e.RequestID); id != "" {
		meta["request_id"] = id
	}
	if code := strings.TrimSpace(e.ErrorCode); code != "" {
		meta["error_code"] = code
	}
	if e.NextRetryAt != nil && !e.NextRetryAt.IsZero() {
		meta["next_retry_at"] = e.NextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	return meta
}

// Summary returns a human-readable lifecycle summary reused by the SSE
// stream and notification channels.
func (e LifecycleEvent) Summary() string {
	target := strings.TrimSpace(e.ScheduleID)
	if target == "" {
		target = "unknown"
	}

	switch e.Type {
	case EventScheduleCreated:
		return fmt.Sprintf("Schedule created: %s", target)
	case EventScheduleUpdated:
		return fmt.Sprintf("Schedule updated: %s", target)
	case EventSchedulePaused:
		return fmt.Sprintf("Schedule paused: %s", target)
	case EventScheduleResumed:
		return fmt.Sprintf("Schedule resumed: %s", target)
	case EventScheduleCanceled:
		return fmt.Sprintf("Schedule canceled: %s", target)
	case EventScheduleArchived:
		return fmt.Sprintf("Schedule archived: %s", target)
	case EventScheduleRunNow:
		return fmt.Sprintf("Schedule run requested: %s", target)
	case EventExecutionQueued:
		return fmt.Sprintf("Execution queued: %s", target)
	case EventExecutionStarted:
		return fmt.Sprintf("Execution started: %s", target)
	case EventExecutionSucceeded:
		return fmt.Sprintf("Execution succeeded: %s", target)
	case EventExecutionFailed:
		return fmt.Sprintf("Execution failed: %s", target)
	case EventExecutionRetryScheduled:
		return fmt.Sprintf("Execution retry scheduled: %s", target)
	default:
		return fmt.Sprintf("Schedule event: %s", target)
	}
}

func (e LifecycleEvent) normalize() LifecycleEvent {
	e.Type = LifecycleEventType(strings.TrimSpace(string(e.Type)))
	e.Actor = strings.TrimSpace(e.Actor)
	e.ScheduleID = strings.TrimSpace(e.ScheduleID)
	e.TaskIntentID = strings.TrimSpace(e.TaskIntentID)
	e.ExecutionID = strings.TrimSpace(e.ExecutionID)
	e.State = strings.TrimSpace(e.State)
	e.TraceID = strings.TrimSpace(e.TraceID)
	e.RequestID = strings.TrimSpace(e.RequestID)
	e.ErrorCode = strings.TrimSpace(e.ErrorCode)
	if e.NextRetryAt != nil {
		ts := e.NextRetryAt.UTC()
		e.NextRetryAt = &ts
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Normalized returns the event with normalized IDs and a non-zero UTC timestamp.
func (e LifecycleEvent) Normalized() LifecycleEvent {
	return e.normalize()
}

// LifecycleObserver receives normalized lifecycle events.
type LifecycleObserver interface {
	ObserveScheduleLifecycleEvent(event LifecycleEvent)
}

// LifecycleObserverFunc adapts functions into LifecycleObserver.
type LifecycleObserverFunc func(event LifecycleEvent)

// ObserveScheduleLifecycleEvent implements LifecycleObserver.
func (fn LifecycleObserverFunc) ObserveScheduleLifecycleEvent(event LifecycleEvent) {
	if fn != nil {
		fn(event)
	}
}

// ExecutionLifecycleEvent maps an execution status change to its event type.
func ExecutionLifecycleEvent(status string) (LifecycleEventType, bool) {
	switch status {
	case ExecQueued:
		return EventExecutionQueued, true
	case ExecRunning:
		return EventExecutionStarted, true
	case ExecSucceeded:
		return EventExecutionSucceeded, true
	case ExecFailed:
		return EventExecutionFailed, true
	case ExecRetryScheduled:
		return EventExecutionRetryScheduled, true
	}
	return "", false
}
