// Package dispatch turns timer callbacks into execution rows: it guards
// schedule state, enforces idempotency per (schedule_id, trace_id),
// evaluates conditional predicates, invokes the agent runtime, and folds
// the result back into execution and schedule state.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/invoker"
	"github.com/marcus-qen/adjutant/internal/controlplane/metrics"
	"github.com/marcus-qen/adjutant/internal/controlplane/predicate"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
	"github.com/marcus-qen/adjutant/internal/controlplane/timer"
	"github.com/marcus-qen/adjutant/internal/controlplane/timing"
	"github.com/marcus-qen/adjutant/internal/telemetry"
)

// ErrCodeInvokerException marks an invocation that failed at the call
// boundary rather than inside the task.
const ErrCodeInvokerException = "invoker_exception"

// FailureNotifier is the outbound policy/notification hook, called
// best-effort after every finished execution. Errors are logged, never
// propagated.
type FailureNotifier interface {
	NotifyIfNeeded(ctx context.Context, executionID string) error
}

// Dispatcher implements timer.Handler.
type Dispatcher struct {
	store      *schedules.Store
	audits     *audit.Store
	predicates *predicate.Service
	agent      invoker.AgentInvoker
	policy     RetryPolicy
	notifier   FailureNotifier
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier installs the failure notification hook.
func WithNotifier(n FailureNotifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires the dispatcher. The predicate service may be nil
// when no conditional schedules exist, but callbacks for conditional
// schedules will then be rejected.
func NewDispatcher(store *schedules.Store, audits *audit.Store, predicates *predicate.Service, agent invoker.AgentInvoker, policy RetryPolicy, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:      store,
		audits:     audits,
		predicates: predicates,
		agent:      agent,
		policy:     policy,
		logger:     logger.Named("dispatch"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleCallback processes one timer delivery end to end. A returned
// error asks the engine to redeliver with the same trace; every business
// outcome (duplicate, skipped, rejected) is a nil-error result.
func (d *Dispatcher) HandleCallback(ctx context.Context, cb timer.Callback) (timer.CallbackOutcome, error) {
	ctx, span := telemetry.StartCallbackSpan(ctx, cb.ScheduleID, cb.TriggerSource, cb.TraceID)
	defer span.End()

	outcome, err := d.handleCallback(ctx, cb)
	if err != nil {
		metrics.RecordCallback("error", cb.TriggerSource)
		return outcome, err
	}
	metrics.RecordCallback(outcome.Status, cb.TriggerSource)
	return outcome, nil
}

func (d *Dispatcher) handleCallback(ctx context.Context, cb timer.Callback) (timer.CallbackOutcome, error) {
	logger := d.logger.With(
		zap.String("schedule_id", cb.ScheduleID),
		zap.String("trace_id", cb.TraceID),
		zap.String("trigger_source", cb.TriggerSource),
	)

	sched, err := d.store.GetSchedule(ctx, cb.ScheduleID)
	if err != nil {
		if schedules.IsNotFound(err) {
			logger.Warn("callback for unknown schedule")
			return timer.CallbackOutcome{Status: timer.OutcomeRejected}, nil
		}
		return timer.CallbackOutcome{}, err
	}

	// Idempotency first: one execution per (schedule_id, trace_id), ever.
	// A redelivery stays a duplicate even after the schedule completed.
	if existing, err := d.store.GetExecutionByTrace(ctx, sched.ID, cb.TraceID); err != nil {
		return timer.CallbackOutcome{}, err
	} else if existing != nil {
		logger.Info("duplicate callback absorbed", zap.String("execution_id", existing.ID))
		return timer.CallbackOutcome{
			Status:      timer.OutcomeDuplicate,
			ExecutionID: existing.ID,
			NextRunAt:   sched.NextRunAt,
		}, nil
	}

	if !dispatchable(sched.State, cb.TriggerSource) {
		logger.Info("callback for inactive schedule dropped", zap.String("state", sched.State))
		return timer.CallbackOutcome{Status: timer.OutcomeRejected}, nil
	}
	metrics.RecordScheduleLag(sched.ScheduleType, d.now().Sub(cb.ScheduledFor))

	intent, err := d.store.GetTaskIntent(ctx, sched.TaskIntentID)
	if err != nil {
		if schedules.IsNotFound(err) {
			logger.Error("schedule references missing task intent", zap.String("task_intent_id", sched.TaskIntentID))
			return timer.CallbackOutcome{Status: timer.OutcomeRejected}, nil
		}
		return timer.CallbackOutcome{}, err
	}

	if sched.ScheduleType == schedules.TypeConditional {
		proceed, outcome, err := d.evaluateConditional(ctx, sched, cb, logger)
		if err != nil || !proceed {
			return outcome, err
		}
	}

	exec, dupOutcome, err := d.createExecution(ctx, sched, cb)
	if err != nil {
		return timer.CallbackOutcome{}, err
	}
	if dupOutcome != nil {
		return *dupOutcome, nil
	}

	result := d.invoke(ctx, sched, intent, exec, cb, logger)
	return d.finalize(ctx, sched, exec, cb, result, logger)
}

func dispatchable(state, triggerSource string) bool {
	if state == schedules.StateActive {
		return true
	}
	return triggerSource == timer.TriggerRunNow && state == schedules.StatePaused
}

// evaluateConditional runs the predicate inside one transaction with the
// schedule's evaluation bookkeeping. proceed is true only on status=true.
func (d *Dispatcher) evaluateConditional(ctx context.Context, sched *schedules.Schedule, cb timer.Callback, logger *zap.Logger) (bool, timer.CallbackOutcome, error) {
	def := sched.Definition.Conditional
	if def == nil || d.predicates == nil {
		logger.Error("conditional schedule without predicate support")
		return false, timer.CallbackOutcome{Status: timer.OutcomeRejected}, nil
	}

	evalCtx, span := telemetry.StartPredicateSpan(ctx, def.PredicateSubject, def.PredicateOperator)
	var (
		result  predicate.Result
		nextRun *time.Time
	)
	err := d.store.DB().WithTx(evalCtx, func(tx *sql.Tx) error {
		var evalErr error
		result, evalErr = d.predicates.Evaluate(evalCtx, tx, predicate.Request{
			ScheduleID:     sched.ID,
			Subject:        def.PredicateSubject,
			Operator:       def.PredicateOperator,
			Value:          def.PredicateValue,
			EvaluationTime: cb.ScheduledFor,
			CorrelationID:  cb.TraceID,
			Actor:          schedules.ScheduledActor(cb.TraceID),
		})
		if evalErr != nil {
			return evalErr
		}

		now := d.now()
		current, err := d.store.GetScheduleForUpdate(ctx, tx, sched.ID)
		if err != nil {
			return err
		}
		current.LastEvaluatedAt = &now
		status := result.Status
		current.LastEvaluationStatus = &status
		if result.Status == audit.PredicateError {
			code := result.ResultCode
			current.LastEvaluationErrorCode = &code
		} else {
			current.LastEvaluationErrorCode = nil
		}

		if !result.Triggered {
			next, err := timing.NextConditionalEval(def.EvaluationIntervalCount, def.EvaluationIntervalUnit, now)
			if err != nil {
				return err
			}
			current.NextRunAt = &next
			nextRun = &next
		}
		if err := d.store.SaveSchedule(ctx, tx, current); err != nil {
			return err
		}
		*sched = *current
		return nil
	})
	errCode := ""
	if result.Status == audit.PredicateError {
		errCode = result.ResultCode
	}
	telemetry.EndPredicateSpan(span, result.Triggered, errCode)
	if err != nil {
		return false, timer.CallbackOutcome{}, err
	}

	if result.Triggered {
		return true, timer.CallbackOutcome{}, nil
	}
	logger.Info("conditional schedule skipped",
		zap.String("status", result.Status),
		zap.String("result_code", result.ResultCode))
	return false, timer.CallbackOutcome{Status: timer.OutcomeSkipped, NextRunAt: nextRun}, nil
}

// createExecution writes the queued and running transitions durably
// before the agent call, so the row survives a crash mid-invocation.
func (d *Dispatcher) createExecution(ctx context.Context, sched *schedules.Schedule, cb timer.Callback) (*schedules.Execution, *timer.CallbackOutcome, error) {
	actor := schedules.ScheduledActor(cb.TraceID)
	var exec *schedules.Execution

	err := d.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		attempt, retryCount := 1, 0
		if cb.TriggerSource == timer.TriggerRetry {
			prev, err := d.store.LatestRetryScheduled(ctx, sched.ID)
			if err != nil {
				return err
			}
			if prev != nil {
				attempt = prev.AttemptCount + 1
				retryCount = prev.RetryCount
			}
		}

		strategy := d.policy.BackoffStrategy
		created, err := d.store.CreateExecution(ctx, tx, schedules.Execution{
			TaskIntentID:         sched.TaskIntentID,
			ScheduleID:           sched.ID,
			ScheduledFor:         cb.ScheduledFor,
			TraceID:              cb.TraceID,
			Status:               schedules.ExecQueued,
			AttemptCount:         attempt,
			RetryCount:           retryCount,
			MaxAttempts:          d.policy.MaxAttempts,
			RetryBackoffStrategy: &strategy,
		}, actor)
		if err != nil {
			return err
		}
		exec = created
		if err := d.appendExecutionAudit(ctx, tx, exec, actor); err != nil {
			return err
		}

		started := d.now()
		exec.Status = schedules.ExecRunning
		exec.StartedAt = &started
		if err := d.store.SaveExecution(ctx, tx, exec); err != nil {
			return err
		}
		return d.appendExecutionAudit(ctx, tx, exec, actor)
	})
	if err != nil {
		// A race between two deliveries of the same trace resolves to
		// duplicate, same as the fast path.
		var conflict *schedules.ConflictError
		if errors.As(err, &conflict) {
			existing, lookupErr := d.store.GetExecutionByTrace(ctx, sched.ID, cb.TraceID)
			if lookupErr == nil && existing != nil {
				return nil, &timer.CallbackOutcome{
					Status:      timer.OutcomeDuplicate,
					ExecutionID: existing.ID,
					NextRunAt:   sched.NextRunAt,
				}, nil
			}
		}
		return nil, nil, err
	}
	return exec, nil, nil
}

func (d *Dispatcher) invoke(ctx context.Context, sched *schedules.Schedule, intent *schedules.TaskIntent, exec *schedules.Execution, cb timer.Callback, logger *zap.Logger) invoker.InvocationResult {
	req, err := invocationRequest(sched, intent, exec, cb, d.now())
	if err != nil {
		logger.Error("could not encode invocation request", zap.Error(err))
		return invoker.Failure(ErrCodeInvokerException, err.Error())
	}

	invokeCtx, span := telemetry.StartInvocationSpan(ctx, exec.ID, exec.AttemptCount)
	metrics.ActiveExecutions.Inc()
	result, err := d.agent.Invoke(invokeCtx, req)
	metrics.ActiveExecutions.Dec()
	if err != nil {
		logger.Warn("agent invocation failed", zap.Error(err))
		result = invoker.Failure(ErrCodeInvokerException, err.Error())
	}

	errCode := ""
	if result.Error != nil {
		errCode = result.Error.ErrorCode
	}
	telemetry.EndInvocationSpan(span, result.Status, errCode)
	return result
}

// invocationRequest assembles the full agent-boundary envelope: the
// execution with its retry budget, the task intent, a snapshot of the
// parent schedule, the scheduled actor, and delivery metadata.
func invocationRequest(sched *schedules.Schedule, intent *schedules.TaskIntent, exec *schedules.Execution, cb timer.Callback, now time.Time) (invoker.InvocationRequest, error) {
	definition, err := json.Marshal(sched.Definition)
	if err != nil {
		return invoker.InvocationRequest{}, fmt.Errorf("encode schedule definition: %w", err)
	}

	startedAt := now
	if exec.StartedAt != nil {
		startedAt = *exec.StartedAt
	}

	return invoker.InvocationRequest{
		Execution: invoker.ExecutionInfo{
			ID:              exec.ID,
			ScheduleID:      sched.ID,
			TaskIntentID:    intent.ID,
			ScheduledFor:    exec.ScheduledFor,
			AttemptNumber:   exec.AttemptCount,
			MaxAttempts:     exec.MaxAttempts,
			BackoffStrategy: exec.RetryBackoffStrategy,
			RetryAfter:      exec.NextRetryAt,
			TraceID:         cb.TraceID,
		},
		TaskIntent: invoker.TaskIntentInfo{
			Summary:         intent.Summary,
			Details:         intent.Details,
			OriginReference: intent.OriginReference,
		},
		Schedule: invoker.ScheduleInfo{
			ScheduleType:  sched.ScheduleType,
			Timezone:      sched.Timezone,
			Definition:    definition,
			NextRunAt:     sched.NextRunAt,
			LastRunAt:     sched.LastRunAt,
			LastRunStatus: sched.LastRunStatus,
		},
		Actor: schedules.ScheduledActor(cb.TraceID),
		Metadata: invoker.InvocationMetadata{
			ActualStartedAt: startedAt,
			TriggerSource:   cb.TriggerSource,
			CallbackID:      cb.TraceID,
		},
	}, nil
}

// finalize applies the retry decision table and step-8 schedule updates
// in one transaction, then notifies the failure router best-effort.
func (d *Dispatcher) finalize(ctx context.Context, sched *schedules.Schedule, exec *schedules.Execution, cb timer.Callback, result invoker.InvocationResult, logger *zap.Logger) (timer.CallbackOutcome, error) {
	finished := d.now()
	decision := Decide(d.policy, exec.AttemptCount, exec.RetryCount, result, finished)

	exec.Status = decision.Status
	exec.FinishedAt = &finished
	exec.RetryCount = decision.RetryCount
	exec.NextRetryAt = decision.NextRetryAt
	exec.LastErrorCode = decision.ErrorCode
	exec.LastErrorMessage = decision.ErrorMessage
	if decision.Status != schedules.ExecSucceeded {
		exec.FailureCount++
	}

	actor := schedules.ScheduledActor(cb.TraceID)
	var updated *schedules.Schedule
	err := d.store.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.store.SaveExecution(ctx, tx, exec); err != nil {
			return err
		}
		if err := d.appendExecutionAudit(ctx, tx, exec, actor); err != nil {
			return err
		}
		var err error
		updated, err = d.updateParentSchedule(ctx, tx, sched, exec, finished, logger)
		return err
	})
	if err != nil {
		return timer.CallbackOutcome{}, err
	}
	*sched = *updated

	var invocationTime time.Duration
	if exec.StartedAt != nil {
		invocationTime = finished.Sub(*exec.StartedAt)
	}
	metrics.RecordExecution(sched.ScheduleType, exec.Status, invocationTime)

	if d.notifier != nil && exec.Status != schedules.ExecSucceeded {
		if err := d.notifier.NotifyIfNeeded(ctx, exec.ID); err != nil {
			logger.Warn("failure notification hook failed", zap.Error(err))
		}
	}

	logger.Info("execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", exec.Status),
		zap.Int("attempt", exec.AttemptCount))

	return timer.CallbackOutcome{
		Status:      timer.OutcomeCompleted,
		ExecutionID: exec.ID,
		NextRunAt:   sched.NextRunAt,
		RetryAt:     exec.NextRetryAt,
	}, nil
}

// updateParentSchedule is step 8: next_run_at per schedule type, failure
// counting, and last-run bookkeeping, on a freshly loaded row.
func (d *Dispatcher) updateParentSchedule(ctx context.Context, tx *sql.Tx, sched *schedules.Schedule, exec *schedules.Execution, now time.Time, logger *zap.Logger) (*schedules.Schedule, error) {
	current, err := d.store.GetScheduleForUpdate(ctx, tx, sched.ID)
	if err != nil {
		return nil, err
	}

	switch current.ScheduleType {
	case schedules.TypeOneTime:
		current.NextRunAt = nil
		if exec.Status == schedules.ExecSucceeded && schedules.CanTransition(current.State, schedules.StateCompleted) {
			current.State = schedules.StateCompleted
		}

	case schedules.TypeInterval:
		def := current.Definition.Interval
		anchor := current.CreatedAt
		if def.AnchorAt != nil {
			anchor = *def.AnchorAt
		}
		next, err := timing.NextInterval(def.IntervalCount, def.IntervalUnit, anchor, now)
		if err != nil {
			return nil, err
		}
		current.NextRunAt = &next

	case schedules.TypeCalendarRule:
		def := current.Definition.Calendar
		loc, err := time.LoadLocation(current.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule timezone %q: %w", current.Timezone, err)
		}
		anchor := current.CreatedAt
		if def.CalendarAnchorAt != nil {
			anchor = *def.CalendarAnchorAt
		}
		next, ok, err := timing.NextCalendar(def.RRule, anchor, now, loc)
		if err != nil {
			return nil, err
		}
		if ok {
			current.NextRunAt = &next
		} else {
			// COUNT/UNTIL exhausted: no further firings, state untouched.
			logger.Info("calendar rule exhausted", zap.String("rrule", def.RRule))
			current.NextRunAt = nil
		}

	case schedules.TypeConditional:
		def := current.Definition.Conditional
		next, err := timing.NextConditionalEval(def.EvaluationIntervalCount, def.EvaluationIntervalUnit, now)
		if err != nil {
			return nil, err
		}
		current.NextRunAt = &next
	}

	switch exec.Status {
	case schedules.ExecSucceeded:
		current.FailureCount = 0
	case schedules.ExecFailed, schedules.ExecRetryScheduled:
		current.FailureCount++
	}

	status := exec.Status
	current.LastRunAt = &now
	current.LastRunStatus = &status
	current.LastExecutionID = &exec.ID

	if err := d.store.SaveSchedule(ctx, tx, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (d *Dispatcher) appendExecutionAudit(ctx context.Context, q storage.Querier, exec *schedules.Execution, actor schedules.ActorContext) error {
	requestID := fmt.Sprintf("%s:%s", exec.TraceID, exec.Status)
	_, err := d.audits.AppendExecution(ctx, q, audit.ExecutionRow{
		ExecutionID:  exec.ID,
		ScheduleID:   exec.ScheduleID,
		TaskIntentID: exec.TaskIntentID,
		EventType:    exec.Status,
		Status:       exec.Status,
		ScheduledFor: exec.ScheduledFor,
		AttemptCount: exec.AttemptCount,
		RetryCount:   exec.RetryCount,
		MaxAttempts:  exec.MaxAttempts,
		StartedAt:    exec.StartedAt,
		FinishedAt:   exec.FinishedAt,
		NextRetryAt:  exec.NextRetryAt,
		ErrorCode:    exec.LastErrorCode,
		ErrorMessage: exec.LastErrorMessage,
		ActorType:    actor.ActorType,
		ActorID:      actor.ActorID,
		Channel:      actor.Channel,
		TraceID:      exec.TraceID,
		RequestID:    &requestID,
	})
	return err
}

var _ timer.Handler = (*Dispatcher)(nil)
