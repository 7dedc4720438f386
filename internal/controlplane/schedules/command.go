package schedules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/metrics"
	"github.com/marcus-qen/adjutant/internal/controlplane/timer"
	"github.com/marcus-qen/adjutant/internal/controlplane/timing"
	"github.com/marcus-qen/adjutant/internal/telemetry"
)

// AdapterSyncError reports that the authoritative mutation committed but
// the timer engine could not be brought in line. The engine is a caching
// projection; callers reconcile it asynchronously rather than rolling back.
type AdapterSyncError struct {
	ScheduleID string
	Event      string
	Err        *timer.AdapterError
}

func (e *AdapterSyncError) Error() string {
	return fmt.Sprintf("schedule %s committed but adapter sync failed on %s: %s", e.ScheduleID, e.Event, e.Err.Code)
}

func (e *AdapterSyncError) Unwrap() error { return e.Err }

// TaskIntentInput is the inline intent accepted by CreateSchedule.
type TaskIntentInput struct {
	Summary         string  `json:"summary"`
	Details         *string `json:"details,omitempty"`
	OriginReference *string `json:"origin_reference,omitempty"`
}

// CreateScheduleInput carries one create_schedule command. Exactly one of
// Intent (inline) or TaskIntentID (existing) must be supplied.
type CreateScheduleInput struct {
	Intent       *TaskIntentInput `json:"intent,omitempty"`
	TaskIntentID string           `json:"task_intent_id,omitempty"`
	ScheduleType string           `json:"schedule_type"`
	Timezone     string           `json:"timezone,omitempty"`
	State        string           `json:"state,omitempty"`
	Definition   Definition       `json:"definition"`
	RequestID    *string          `json:"request_id,omitempty"`
}

// UpdateScheduleInput carries one update_schedule command. Absent fields
// are left untouched; provided immutable fields are rejected.
type UpdateScheduleInput struct {
	Timezone     Opt[string]
	Definition   Opt[Definition]
	ScheduleType Opt[string]
	TaskIntentID Opt[string]
	RequestID    *string
	Reason       *string
}

// CommandOptions carries optional audit metadata on state commands.
type CommandOptions struct {
	RequestID *string
	Reason    *string
}

// CommandService is the write surface over schedules: it owns the managed
// transaction, the audit row, the post-commit adapter sync, and lifecycle
// event fan-out.
type CommandService struct {
	store    *Store
	audits   *audit.Store
	adapter  timer.Adapter
	observer LifecycleObserver
	logger   *zap.Logger
	now      func() time.Time
}

// CommandOption configures a CommandService.
type CommandOption func(*CommandService)

// WithLifecycleObserver installs the post-commit event hook.
func WithLifecycleObserver(obs LifecycleObserver) CommandOption {
	return func(s *CommandService) { s.observer = obs }
}

// WithCommandClock overrides the clock, for tests.
func WithCommandClock(now func() time.Time) CommandOption {
	return func(s *CommandService) { s.now = now }
}

// NewCommandService wires the command service.
func NewCommandService(store *Store, audits *audit.Store, adapter timer.Adapter, logger *zap.Logger, opts ...CommandOption) *CommandService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CommandService{
		store:   store,
		audits:  audits,
		adapter: adapter,
		logger:  logger.Named("commands"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSchedule creates a schedule, with an inline task intent or a
// reference to an existing one, computes the first next_run_at, audits,
// and registers the schedule with the timer engine post-commit.
func (s *CommandService) CreateSchedule(ctx context.Context, in CreateScheduleInput, actor ActorContext) (*Schedule, error) {
	if err := actor.Validate(false); err != nil {
		return nil, err
	}
	if in.Intent != nil && in.TaskIntentID != "" {
		return nil, &ValidationError{Field: "task_intent_id", Msg: "provide an inline intent or an existing intent id, not both"}
	}
	if in.Intent == nil && in.TaskIntentID == "" {
		return nil, &ValidationError{Field: "task_intent", Msg: "an inline intent or task_intent_id is required"}
	}
	switch in.State {
	case "", StateDraft, StateActive:
	default:
		return nil, &ValidationError{Field: "state", Msg: fmt.Sprintf("initial state must be draft or active, got %q", in.State)}
	}

	var sched *Schedule
	err := s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		intentID := in.TaskIntentID
		if in.Intent != nil {
			intent, err := s.store.CreateTaskIntent(ctx, tx, TaskIntent{
				Summary:         in.Intent.Summary,
				Details:         in.Intent.Details,
				OriginReference: in.Intent.OriginReference,
			}, actor)
			if err != nil {
				return err
			}
			intentID = intent.ID
		}

		created, err := s.store.CreateSchedule(ctx, tx, Schedule{
			TaskIntentID: intentID,
			ScheduleType: in.ScheduleType,
			State:        in.State,
			Timezone:     in.Timezone,
			Definition:   in.Definition,
		}, actor)
		if err != nil {
			return err
		}
		sched = created

		next, err := s.computeNextRun(sched, s.now())
		if err != nil {
			return err
		}
		sched.NextRunAt = next
		if err := s.store.SaveSchedule(ctx, tx, sched); err != nil {
			return err
		}

		_, err = s.audits.AppendSchedule(ctx, tx, s.auditRow(sched, audit.EventScheduleCreated, actor, in.RequestID, nil, nil))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(sched, EventScheduleCreated, actor, in.RequestID)
	if sched.State == StateActive {
		if err := s.syncAdapter(ctx, sched, audit.EventScheduleCreated, actor, func(ctx context.Context, p timer.SchedulePayload) error {
			return s.adapter.Register(ctx, p)
		}); err != nil {
			return sched, err
		}
	}
	return sched, nil
}

// UpdateSchedule applies the provided fields. Schedule type and task
// intent binding are immutable; the audit row names the written fields.
func (s *CommandService) UpdateSchedule(ctx context.Context, id string, in UpdateScheduleInput, actor ActorContext) (*Schedule, error) {
	if err := actor.Validate(false); err != nil {
		return nil, err
	}
	if in.ScheduleType.Provided() {
		return nil, &ImmutableFieldError{Field: "schedule_type"}
	}
	if in.TaskIntentID.Provided() {
		return nil, &ImmutableFieldError{Field: "task_intent_id"}
	}
	if !in.Timezone.Provided() && !in.Definition.Provided() {
		return nil, &ValidationError{Field: "update", Msg: "no updatable fields provided"}
	}

	var sched *Schedule
	err := s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.store.GetScheduleForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := requireMutable(current.State, "update"); err != nil {
			return err
		}

		fields := make([]string, 0, 2)
		if in.Timezone.Provided() {
			tz := in.Timezone.Value()
			if _, err := time.LoadLocation(tz); err != nil {
				return &ValidationError{Field: "timezone", Msg: fmt.Sprintf("unknown IANA timezone %q", tz)}
			}
			current.Timezone = tz
			fields = append(fields, "timezone")
		}
		if in.Definition.Provided() {
			def := in.Definition.Value()
			if def.Type != current.ScheduleType {
				return &ImmutableFieldError{Field: "schedule_type"}
			}
			if err := def.Validate(); err != nil {
				return err
			}
			current.Definition = def
			fields = append(fields, "definition")
		}

		next, err := s.computeNextRun(current, s.now())
		if err != nil {
			return err
		}
		current.NextRunAt = next
		if err := s.store.SaveSchedule(ctx, tx, current); err != nil {
			return err
		}
		sched = current

		diff := strings.Join(fields, ",")
		_, err = s.audits.AppendSchedule(ctx, tx, s.auditRow(sched, audit.EventScheduleUpdated, actor, in.RequestID, in.Reason, &diff))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(sched, EventScheduleUpdated, actor, in.RequestID)
	if err := s.syncAdapter(ctx, sched, audit.EventScheduleUpdated, actor, func(ctx context.Context, p timer.SchedulePayload) error {
		return s.adapter.Update(ctx, p)
	}); err != nil {
		return sched, err
	}
	return sched, nil
}

// PauseSchedule suppresses future callbacks. Pausing an already paused
// schedule is a no-op: no audit row, no adapter call.
func (s *CommandService) PauseSchedule(ctx context.Context, id string, actor ActorContext, opts CommandOptions) (*Schedule, error) {
	sched, changed, err := s.transition(ctx, id, StatePaused, audit.EventSchedulePaused, actor, opts)
	if err != nil || !changed {
		return sched, err
	}
	s.publish(sched, EventSchedulePaused, actor, opts.RequestID)
	if err := s.syncAdapter(ctx, sched, audit.EventSchedulePaused, actor, func(ctx context.Context, _ timer.SchedulePayload) error {
		return s.adapter.Pause(ctx, id)
	}); err != nil {
		return sched, err
	}
	return sched, nil
}

// ResumeSchedule re-activates a paused (or draft) schedule.
func (s *CommandService) ResumeSchedule(ctx context.Context, id string, actor ActorContext, opts CommandOptions) (*Schedule, error) {
	sched, changed, err := s.transition(ctx, id, StateActive, audit.EventScheduleResumed, actor, opts)
	if err != nil || !changed {
		return sched, err
	}
	s.publish(sched, EventScheduleResumed, actor, opts.RequestID)
	if err := s.syncAdapter(ctx, sched, audit.EventScheduleResumed, actor, func(ctx context.Context, _ timer.SchedulePayload) error {
		return s.adapter.Resume(ctx, id)
	}); err != nil {
		return sched, err
	}
	return sched, nil
}

// DeleteSchedule cancels the schedule. History and audit rows are kept;
// only future callbacks are suppressed.
func (s *CommandService) DeleteSchedule(ctx context.Context, id string, actor ActorContext, opts CommandOptions) (*Schedule, error) {
	sched, changed, err := s.transition(ctx, id, StateCanceled, audit.EventScheduleCanceled, actor, opts)
	if err != nil || !changed {
		return sched, err
	}
	s.publish(sched, EventScheduleCanceled, actor, opts.RequestID)
	if err := s.syncAdapter(ctx, sched, audit.EventScheduleCanceled, actor, func(ctx context.Context, _ timer.SchedulePayload) error {
		return s.adapter.Delete(ctx, id)
	}); err != nil {
		return sched, err
	}
	return sched, nil
}

// ArchiveSchedule moves any non-archived schedule into the archived
// terminal state (admin operation) and drops its timer registration.
func (s *CommandService) ArchiveSchedule(ctx context.Context, id string, actor ActorContext, opts CommandOptions) (*Schedule, error) {
	sched, changed, err := s.transition(ctx, id, StateArchived, audit.EventScheduleArchived, actor, opts)
	if err != nil || !changed {
		return sched, err
	}
	s.publish(sched, EventScheduleArchived, actor, opts.RequestID)
	if err := s.syncAdapter(ctx, sched, audit.EventScheduleArchived, actor, func(ctx context.Context, _ timer.SchedulePayload) error {
		return s.adapter.Delete(ctx, id)
	}); err != nil {
		return sched, err
	}
	return sched, nil
}

// RunNow audits a manual trigger and asks the timer engine for an
// immediate callback. Permitted from active and paused only.
func (s *CommandService) RunNow(ctx context.Context, id string, requestedFor *time.Time, actor ActorContext, opts CommandOptions) (*Schedule, error) {
	if err := actor.Validate(false); err != nil {
		return nil, err
	}

	var sched *Schedule
	err := s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.store.GetScheduleForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.State != StateActive && current.State != StatePaused {
			return &ServiceError{
				Code:    CodeInvalidState,
				Message: fmt.Sprintf("run_now requires an active or paused schedule, state is %s", current.State),
				Details: map[string]any{"state": current.State},
			}
		}
		sched = current
		_, err = s.audits.AppendSchedule(ctx, tx, s.auditRow(sched, audit.EventScheduleRunNow, actor, opts.RequestID, opts.Reason, nil))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(sched, EventScheduleRunNow, actor, opts.RequestID)
	scheduledFor := s.now()
	if requestedFor != nil {
		scheduledFor = requestedFor.UTC()
	}
	if err := s.syncAdapter(ctx, sched, audit.EventScheduleRunNow, actor, func(ctx context.Context, _ timer.SchedulePayload) error {
		return s.adapter.TriggerCallback(ctx, id, scheduledFor, "", TriggerRunNow)
	}); err != nil {
		return sched, err
	}
	return sched, nil
}

// transition moves the schedule into target state. changed=false means the
// schedule was already there, which is success without side effects.
func (s *CommandService) transition(ctx context.Context, id, target, event string, actor ActorContext, opts CommandOptions) (*Schedule, bool, error) {
	if err := actor.Validate(false); err != nil {
		return nil, false, err
	}

	var (
		sched   *Schedule
		changed bool
	)
	err := s.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.store.GetScheduleForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.State == target {
			sched = current
			return nil
		}
		if !CanTransition(current.State, target) {
			return &StateTransitionError{From: current.State, To: target}
		}

		current.State = target
		if target == StateCanceled || target == StateArchived {
			current.NextRunAt = nil
		}
		if err := s.store.SaveSchedule(ctx, tx, current); err != nil {
			return err
		}
		sched = current
		changed = true

		_, err = s.audits.AppendSchedule(ctx, tx, s.auditRow(sched, event, actor, opts.RequestID, opts.Reason, nil))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return sched, changed, nil
}

func requireMutable(state, op string) error {
	switch state {
	case StateDraft, StateActive, StatePaused:
		return nil
	}
	return &ServiceError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("%s requires a draft, active or paused schedule, state is %s", op, state),
		Details: map[string]any{"state": state},
	}
}

// computeNextRun derives next_run_at from the definition. A nil result
// means the schedule has no future firing (exhausted calendar rule).
func (s *CommandService) computeNextRun(sched *Schedule, reference time.Time) (*time.Time, error) {
	switch sched.ScheduleType {
	case TypeOneTime:
		at := sched.Definition.OneTime.RunAt.UTC()
		return &at, nil

	case TypeInterval:
		def := sched.Definition.Interval
		anchor := sched.CreatedAt
		if def.AnchorAt != nil {
			anchor = *def.AnchorAt
		}
		next, err := timing.NextInterval(def.IntervalCount, def.IntervalUnit, anchor, reference)
		if err != nil {
			return nil, err
		}
		return &next, nil

	case TypeCalendarRule:
		def := sched.Definition.Calendar
		loc, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return nil, &ValidationError{Field: "timezone", Msg: fmt.Sprintf("unknown IANA timezone %q", sched.Timezone)}
		}
		anchor := sched.CreatedAt
		if def.CalendarAnchorAt != nil {
			anchor = *def.CalendarAnchorAt
		}
		next, ok, err := timing.NextCalendar(def.RRule, anchor, reference, loc)
		if err != nil {
			return nil, &ValidationError{Field: "definition.calendar_rule.rrule", Msg: err.Error()}
		}
		if !ok {
			return nil, nil
		}
		return &next, nil

	case TypeConditional:
		def := sched.Definition.Conditional
		next, err := timing.NextConditionalEval(def.EvaluationIntervalCount, def.EvaluationIntervalUnit, reference)
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
	return nil, &ValidationError{Field: "schedule_type", Msg: fmt.Sprintf("unknown schedule type %q", sched.ScheduleType)}
}

// syncAdapter runs the post-commit adapter call. On failure it appends a
// forensic audit row and wraps the failure; the committed DB state stands.
func (s *CommandService) syncAdapter(ctx context.Context, sched *Schedule, event string, actor ActorContext, call func(ctx context.Context, p timer.SchedulePayload) error) error {
	payload, err := adapterPayload(sched)
	if err != nil {
		return err
	}
	syncCtx, span := telemetry.StartAdapterSyncSpan(ctx, sched.ID, event)
	if err := call(syncCtx, payload); err != nil {
		var aerr *timer.AdapterError
		if !errors.As(err, &aerr) {
			aerr = &timer.AdapterError{Code: timer.ErrCodeInternal, Message: err.Error()}
		}
		metrics.RecordAdapterSyncFailure(event, aerr.Code)
		telemetry.EndAdapterSyncSpan(span, aerr.Code)

		reason := fmt.Sprintf("adapter_sync_failed:%s:%s", event, aerr.Code)
		row := s.auditRow(sched, event, actor, nil, &reason, nil)
		if _, auditErr := s.audits.AppendSchedule(ctx, s.store.DB(), row); auditErr != nil {
			s.logger.Error("could not record adapter sync failure",
				zap.String("schedule_id", sched.ID),
				zap.String("event", event),
				zap.Error(auditErr))
		}
		s.logger.Warn("adapter sync failed",
			zap.String("schedule_id", sched.ID),
			zap.String("event", event),
			zap.String("code", aerr.Code))
		return &AdapterSyncError{ScheduleID: sched.ID, Event: event, Err: aerr}
	}
	telemetry.EndAdapterSyncSpan(span, "")
	return nil
}

func adapterPayload(sched *Schedule) (timer.SchedulePayload, error) {
	raw, err := json.Marshal(sched.Definition)
	if err != nil {
		return timer.SchedulePayload{}, fmt.Errorf("encode schedule definition: %w", err)
	}
	return timer.SchedulePayload{
		ScheduleID:   sched.ID,
		ScheduleType: sched.ScheduleType,
		Timezone:     sched.Timezone,
		Definition:   raw,
		NextRunAt:    sched.NextRunAt,
	}, nil
}

func (s *CommandService) auditRow(sched *Schedule, event string, actor ActorContext, requestID, reason, diff *string) audit.ScheduleRow {
	return audit.ScheduleRow{
		ScheduleID:   sched.ID,
		TaskIntentID: sched.TaskIntentID,
		EventType:    event,
		ActorType:    actor.ActorType,
		ActorID:      actor.ActorID,
		Channel:      actor.Channel,
		TraceID:      actor.TraceID,
		RequestID:    requestID,
		Reason:       reason,
		DiffSummary:  diff,
		OccurredAt:   s.now(),
	}
}

func (s *CommandService) publish(sched *Schedule, event LifecycleEventType, actor ActorContext, requestID *string) {
	if s.observer == nil || sched == nil {
		return
	}
	reqID := ""
	if requestID != nil {
		reqID = *requestID
	}
	s.observer.ObserveScheduleLifecycleEvent(LifecycleEvent{
		Type:         event,
		Timestamp:    s.now(),
		Actor:        actor.Summary(),
		ScheduleID:   sched.ID,
		TaskIntentID: sched.TaskIntentID,
		State:        sched.State,
		TraceID:      actor.TraceID,
		RequestID:    reqID,
	}.Normalized())
}
