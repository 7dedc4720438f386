package schedules

import (
	"database/sql"
	"errors"
	"fmt"
)

// Stable error codes exposed at the service boundary.
const (
	CodeValidation       = "validation_error"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeForbidden        = "forbidden"
	CodeImmutableField   = "immutable_field"
	CodeInvalidState     = "invalid_state_transition"
	CodeMissingActor     = "missing_actor_context"
	CodeAdapterError     = "adapter_error"
	CodeScheduleInactive = "schedule_inactive"
	CodeDuplicate        = "duplicate"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal_error"
)

// ServiceError is the typed error crossing the public service boundary.
type ServiceError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFoundError marks a missing entity at the data access layer.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ValidationError marks invalid input at the data access layer.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// ImmutableFieldError marks a write to a frozen task intent field.
type ImmutableFieldError struct {
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("field %s is immutable after creation", e.Field)
}

// StateTransitionError marks a forbidden schedule state transition.
type StateTransitionError struct {
	From string
	To   string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot transition schedule from %s to %s", e.From, e.To)
}

// MissingActorError marks a mutation without the required actor context.
type MissingActorError struct {
	Field string
}

func (e *MissingActorError) Error() string {
	return fmt.Sprintf("actor context %s is required", e.Field)
}

// ConflictError marks a uniqueness violation, e.g. duplicate trace id.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// IsNotFound reports whether err is a missing-row condition.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, sql.ErrNoRows)
}

// MapError translates data-access errors into the stable service taxonomy.
// Unknown errors become internal_error.
func MapError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var svc *ServiceError
	if errors.As(err, &svc) {
		return svc
	}

	switch {
	case IsNotFound(err):
		return &ServiceError{Code: CodeNotFound, Message: err.Error()}
	}

	var (
		val      *ValidationError
		imm      *ImmutableFieldError
		state    *StateTransitionError
		actor    *MissingActorError
		conflict *ConflictError
		sync     *AdapterSyncError
	)
	switch {
	case errors.As(err, &sync):
		return &ServiceError{
			Code:    CodeAdapterError,
			Message: sync.Error(),
			Details: map[string]any{"event": sync.Event, "adapter_code": sync.Err.Code},
		}
	case errors.As(err, &val):
		return &ServiceError{Code: CodeValidation, Message: val.Error(), Details: map[string]any{"field": val.Field}}
	case errors.As(err, &imm):
		return &ServiceError{Code: CodeImmutableField, Message: imm.Error(), Details: map[string]any{"field": imm.Field}}
	case errors.As(err, &state):
		return &ServiceError{Code: CodeInvalidState, Message: state.Error(), Details: map[string]any{"from": state.From, "to": state.To}}
	case errors.As(err, &actor):
		return &ServiceError{Code: CodeMissingActor, Message: actor.Error()}
	case errors.As(err, &conflict):
		return &ServiceError{Code: CodeConflict, Message: conflict.Error()}
	}
	return &ServiceError{Code: CodeInternal, Message: err.Error()}
}
