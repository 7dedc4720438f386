// Package schedules implements the scheduling core of the control plane:
// task intents, schedules, executions, the data access layer, and the
// command/query services built on top of it.
package schedules

import (
	"fmt"
	"strings"
	"time"
)

// Schedule types.
const (
	TypeOneTime      = "one_time"
	TypeInterval     = "interval"
	TypeCalendarRule = "calendar_rule"
	TypeConditional  = "conditional"
)

// Schedule states.
const (
	StateDraft     = "draft"
	StateActive    = "active"
	StatePaused    = "paused"
	StateCanceled  = "canceled"
	StateArchived  = "archived"
	StateCompleted = "completed"
)

// Execution statuses.
const (
	ExecQueued         = "queued"
	ExecRunning        = "running"
	ExecSucceeded      = "succeeded"
	ExecFailed         = "failed"
	ExecRetryScheduled = "retry_scheduled"
	ExecCanceled       = "canceled"
)

// Interval units.
const (
	UnitMinute = "minute"
	UnitHour   = "hour"
	UnitDay    = "day"
	UnitWeek   = "week"
	UnitMonth  = "month"
)

// Predicate operators for conditional schedules.
const (
	OpEq      = "eq"
	OpNeq     = "neq"
	OpGt      = "gt"
	OpGte     = "gte"
	OpLt      = "lt"
	OpLte     = "lte"
	OpExists  = "exists"
	OpMatches = "matches"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
	BackoffNone        = "none"
)

// Trigger sources carried on timer callbacks.
const (
	TriggerTimer  = "timer"
	TriggerRunNow = "run_now"
	TriggerRetry  = "retry"
)

// TaskIntent is the immutable statement of what should happen. Only the
// supersession back-reference may change after creation.
type TaskIntent struct {
	ID                   string     `json:"id"`
	Summary              string     `json:"summary"`
	Details              *string    `json:"details,omitempty"`
	OriginReference      *string    `json:"origin_reference,omitempty"`
	CreatorActorType     string     `json:"creator_actor_type"`
	CreatorActorID       *string    `json:"creator_actor_id,omitempty"`
	CreatorChannel       string     `json:"creator_channel"`
	SupersededByIntentID *string    `json:"superseded_by_intent_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// OneTimeDef fires once at a fixed instant.
type OneTimeDef struct {
	RunAt time.Time `json:"run_at"`
}

// IntervalDef fires every IntervalCount units, optionally anchored.
type IntervalDef struct {
	IntervalCount int        `json:"interval_count"`
	IntervalUnit  string     `json:"interval_unit"`
	AnchorAt      *time.Time `json:"anchor_at,omitempty"`
}

// CalendarRuleDef fires per an RFC-5545 recurrence rule subset.
type CalendarRuleDef struct {
	RRule            string     `json:"rrule"`
	CalendarAnchorAt *time.Time `json:"calendar_anchor_at,omitempty"`
}

// ConditionalDef evaluates a predicate on a cadence and fires when it holds.
type ConditionalDef struct {
	PredicateSubject        string  `json:"predicate_subject"`
	PredicateOperator       string  `json:"predicate_operator"`
	PredicateValue          *string `json:"predicate_value,omitempty"`
	EvaluationIntervalCount int     `json:"evaluation_interval_count"`
	EvaluationIntervalUnit  string  `json:"evaluation_interval_unit"`
}

// Definition is the tagged schedule definition variant. Exactly one of the
// typed sub-records must be populated, matching Type.
type Definition struct {
	Type        string           `json:"type"`
	OneTime     *OneTimeDef      `json:"one_time,omitempty"`
	Interval    *IntervalDef     `json:"interval,omitempty"`
	Calendar    *CalendarRuleDef `json:"calendar_rule,omitempty"`
	Conditional *ConditionalDef  `json:"conditional,omitempty"`
}

// Validate checks the definition invariants for its type.
func (d Definition) Validate() error {
	populated := 0
	if d.OneTime != nil {
		populated++
	}
	if d.Interval != nil {
		populated++
	}
	if d.Calendar != nil {
		populated++
	}
	if d.Conditional != nil {
		populated++
	}
	if populated != 1 {
		return &ValidationError{Field: "definition", Msg: "exactly one definition variant must be set"}
	}

	switch d.Type {
	case TypeOneTime:
		if d.OneTime == nil {
			return &ValidationError{Field: "definition.one_time", Msg: "required for one_time schedules"}
		}
		if d.OneTime.RunAt.IsZero() {
			return &ValidationError{Field: "definition.one_time.run_at", Msg: "run_at is required"}
		}
	case TypeInterval:
		if d.Interval == nil {
			return &ValidationError{Field: "definition.interval", Msg: "required for interval schedules"}
		}
		if d.Interval.IntervalCount <= 0 {
			return &ValidationError{Field: "definition.interval.interval_count", Msg: "must be > 0"}
		}
		if !validIntervalUnit(d.Interval.IntervalUnit, true) {
			return &ValidationError{Field: "definition.interval.interval_unit", Msg: fmt.Sprintf("invalid unit %q", d.Interval.IntervalUnit)}
		}
	case TypeCalendarRule:
		if d.Calendar == nil {
			return &ValidationError{Field: "definition.calendar_rule", Msg: "required for calendar_rule schedules"}
		}
		if strings.TrimSpace(d.Calendar.RRule) == "" {
			return &ValidationError{Field: "definition.calendar_rule.rrule", Msg: "rrule is required"}
		}
	case TypeConditional:
		if d.Conditional == nil {
			return &ValidationError{Field: "definition.conditional", Msg: "required for conditional schedules"}
		}
		c := d.Conditional
		if strings.TrimSpace(c.PredicateSubject) == "" {
			return &ValidationError{Field: "definition.conditional.predicate_subject", Msg: "subject is required"}
		}
		if !validOperator(c.PredicateOperator) {
			return &ValidationError{Field: "definition.conditional.predicate_operator", Msg: fmt.Sprintf("invalid operator %q", c.PredicateOperator)}
		}
		if c.PredicateOperator != OpExists && (c.PredicateValue == nil || strings.TrimSpace(*c.PredicateValue) == "") {
			return &ValidationError{Field: "definition.conditional.predicate_value", Msg: "required unless operator is exists"}
		}
		if c.EvaluationIntervalCount <= 0 {
			return &ValidationError{Field: "definition.conditional.evaluation_interval_count", Msg: "must be > 0"}
		}
		if !validIntervalUnit(c.EvaluationIntervalUnit, false) {
			return &ValidationError{Field: "definition.conditional.evaluation_interval_unit", Msg: fmt.Sprintf("invalid unit %q", c.EvaluationIntervalUnit)}
		}
	default:
		return &ValidationError{Field: "schedule_type", Msg: fmt.Sprintf("invalid schedule type %q", d.Type)}
	}
	return nil
}

func validIntervalUnit(unit string, allowMonth bool) bool {
	switch unit {
	case UnitMinute, UnitHour, UnitDay, UnitWeek:
		return true
	case UnitMonth:
		return allowMonth
	}
	return false
}

func validOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpExists, OpMatches:
		return true
	}
	return false
}

// Schedule is the timing envelope over a task intent. It owns the
// execution history and audit trail of everything it fires.
type Schedule struct {
	ID           string     `json:"id"`
	TaskIntentID string     `json:"task_intent_id"`
	ScheduleType string     `json:"schedule_type"`
	State        string     `json:"state"`
	Timezone     string     `json:"timezone"`
	Definition   Definition `json:"definition"`

	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   *string    `json:"last_run_status,omitempty"`
	FailureCount    int        `json:"failure_count"`
	LastExecutionID *string    `json:"last_execution_id,omitempty"`

	// Conditional-only evaluation bookkeeping.
	LastEvaluatedAt         *time.Time `json:"last_evaluated_at,omitempty"`
	LastEvaluationStatus    *string    `json:"last_evaluation_status,omitempty"`
	LastEvaluationErrorCode *string    `json:"last_evaluation_error_code,omitempty"`

	CreatedByActorType string    `json:"created_by_actor_type"`
	CreatedByActorID   *string   `json:"created_by_actor_id,omitempty"`
	CreatedByChannel   string    `json:"created_by_channel"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Execution is one invocation attempt for a schedule firing. The pair
// (schedule_id, trace_id) uniquely identifies a callback delivery.
type Execution struct {
	ID           string    `json:"id"`
	TaskIntentID string    `json:"task_intent_id"`
	ScheduleID   string    `json:"schedule_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	TraceID      string    `json:"trace_id"`
	Status       string    `json:"status"`

	AttemptCount int `json:"attempt_count"`
	RetryCount   int `json:"retry_count"`
	MaxAttempts  int `json:"max_attempts"`
	FailureCount int `json:"failure_count"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	RetryBackoffStrategy *string    `json:"retry_backoff_strategy,omitempty"`
	NextRetryAt          *time.Time `json:"next_retry_at,omitempty"`
	LastErrorCode        *string    `json:"last_error_code,omitempty"`
	LastErrorMessage     *string    `json:"last_error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TerminalState reports whether a schedule state produces no further callbacks.
func TerminalState(state string) bool {
	switch state {
	case StateCanceled, StateArchived, StateCompleted:
		return true
	}
	return false
}

// CanTransition reports whether a schedule state transition is allowed.
// Archived is reachable from any state (admin); terminal states otherwise
// permit nothing.
func CanTransition(from, to string) bool {
	if to == StateArchived {
		return from != StateArchived
	}
	switch from {
	case StateDraft:
		return to == StateActive
	case StateActive:
		return to == StatePaused || to == StateCanceled || to == StateCompleted
	case StatePaused:
		return to == StateActive || to == StateCanceled
	}
	return false
}
