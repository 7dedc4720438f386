package timer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
)

// Beat kinds and states in the local engine's own schema. The engine
// keeps its state in a separate database from the control plane: it is
// a stand-in for an external service, not a peer table set.
const (
	beatKindSchedule = "schedule"
	beatKindRetry    = "retry"

	beatActive = "active"
	beatPaused = "paused"
)

const defaultTickInterval = 5 * time.Second

// LocalEngine is the reference Adapter: a ticker loop over a beat table.
// Schedule beats advance per the handler's reported next run; retry
// beats fire once and are consumed.
type LocalEngine struct {
	db      *storage.DB
	handler Handler
	logger  *zap.Logger
	tick    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// LocalOption configures a LocalEngine.
type LocalOption func(*LocalEngine)

// WithTickInterval overrides the beat scan cadence.
func WithTickInterval(d time.Duration) LocalOption {
	return func(e *LocalEngine) { e.tick = d }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) LocalOption {
	return func(e *LocalEngine) { e.now = now }
}

// NewLocalEngine creates the beat schema and wires the handler.
func NewLocalEngine(db *storage.DB, handler Handler, logger *zap.Logger, opts ...LocalOption) (*LocalEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &LocalEngine{
		db:      db,
		handler: handler,
		logger:  logger.Named("timer"),
		tick:    defaultTickInterval,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS timer_beats (
			id          TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			kind        TEXT NOT NULL,
			state       TEXT NOT NULL,
			fire_at     TEXT,
			trace_id    TEXT,
			retry_seq   INTEGER NOT NULL DEFAULT 0,
			payload     TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timer_beats_due ON timer_beats(state, fire_at)`,
		`CREATE INDEX IF NOT EXISTS idx_timer_beats_schedule ON timer_beats(schedule_id)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create timer schema: %w", err)
		}
	}
	return e, nil
}

// Start begins the beat loop. Safe to call more than once.
func (e *LocalEngine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.ticker != nil {
		e.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.ticker = time.NewTicker(e.tick)
	ticker := e.ticker
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.RunOnce(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight deliveries.
func (e *LocalEngine) Stop() {
	e.mu.Lock()
	if e.ticker == nil {
		e.mu.Unlock()
		return
	}
	e.ticker.Stop()
	e.ticker = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// RunOnce delivers every due beat. Exported so tests and the run_now
// path can pump the engine without the ticker.
func (e *LocalEngine) RunOnce(ctx context.Context) {
	now := e.now()
	rows, err := e.db.QueryContext(ctx, e.db.Rebind(`SELECT id, schedule_id, kind, trace_id, retry_seq, fire_at
		FROM timer_beats WHERE state = ? AND fire_at IS NOT NULL AND fire_at <= ?
		ORDER BY fire_at ASC`),
		beatActive, storage.FormatTime(now))
	if err != nil {
		e.logger.Warn("scan due beats failed", zap.Error(err))
		return
	}

	type dueBeat struct {
		id, scheduleID, kind string
		traceID              sql.NullString
		retrySeq             int
		fireAt               string
	}
	due := []dueBeat{}
	for rows.Next() {
		var b dueBeat
		if err := rows.Scan(&b.id, &b.scheduleID, &b.kind, &b.traceID, &b.retrySeq, &b.fireAt); err != nil {
			e.logger.Warn("scan beat failed", zap.Error(err))
			continue
		}
		due = append(due, b)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		e.logger.Warn("scan due beats failed", zap.Error(err))
		return
	}

	// Beats within one tick are delivered concurrently, but the tick does
	// not return until every delivery has settled.
	var tickWG sync.WaitGroup
	for _, b := range due {
		fireAt, err := storage.ParseTime(b.fireAt)
		if err != nil {
			e.logger.Warn("beat has unreadable fire time", zap.String("beat_id", b.id), zap.Error(err))
			continue
		}

		// Assign and persist the trace before delivering, so a redelivery
		// after a crash reuses the same idempotency key.
		trace := b.traceID.String
		if trace == "" {
			trace = uuid.NewString()
			if _, err := e.db.ExecContext(ctx, e.db.Rebind(
				`UPDATE timer_beats SET trace_id = ?, updated_at = ? WHERE id = ?`),
				trace, storage.FormatTime(e.now()), b.id); err != nil {
				e.logger.Warn("persist beat trace failed", zap.String("beat_id", b.id), zap.Error(err))
				continue
			}
		}

		source := TriggerTimer
		if b.kind == beatKindRetry {
			source = TriggerRetry
		}

		beat := b
		tickWG.Add(1)
		go func() {
			defer tickWG.Done()
			e.deliver(ctx, beat.id, beat.kind, beat.retrySeq, Callback{
				ScheduleID:    beat.scheduleID,
				ScheduledFor:  fireAt,
				TraceID:       trace,
				EmittedAt:     e.now(),
				TriggerSource: source,
			})
		}()
	}
	tickWG.Wait()
}

// Trigger sources mirrored here so the engine does not import the
// schedule domain.
const (
	TriggerTimer  = "timer"
	TriggerRunNow = "run_now"
	TriggerRetry  = "retry"
)

func (e *LocalEngine) deliver(ctx context.Context, beatID, kind string, retrySeq int, cb Callback) {
	outcome, err := e.handler.HandleCallback(ctx, cb)
	if err != nil {
		// The beat stays armed with the same trace; the next tick
		// redelivers and the dispatcher's idempotency absorbs overlap.
		e.logger.Warn("callback delivery failed",
			zap.String("schedule_id", cb.ScheduleID),
			zap.String("trace_id", cb.TraceID),
			zap.Error(err))
		return
	}

	now := storage.FormatTime(e.now())
	switch kind {
	case beatKindRetry:
		if _, err := e.db.ExecContext(ctx, e.db.Rebind(`DELETE FROM timer_beats WHERE id = ?`), beatID); err != nil {
			e.logger.Warn("consume retry beat failed", zap.String("beat_id", beatID), zap.Error(err))
		}
	default:
		if _, err := e.db.ExecContext(ctx, e.db.Rebind(
			`UPDATE timer_beats SET fire_at = ?, trace_id = NULL, updated_at = ? WHERE id = ?`),
			storage.NullableTime(outcome.NextRunAt), now, beatID); err != nil {
			e.logger.Warn("advance beat failed", zap.String("beat_id", beatID), zap.Error(err))
		}
	}

	if outcome.RetryAt != nil {
		e.armRetry(ctx, cb, retrySeq+1, *outcome.RetryAt)
	}
}

// armRetry schedules a one-shot redelivery with a trace derived from the
// failed attempt, so each retry is a distinct execution.
func (e *LocalEngine) armRetry(ctx context.Context, cb Callback, seq int, at time.Time) {
	now := storage.FormatTime(e.now())
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`INSERT INTO timer_beats
		(id, schedule_id, kind, state, fire_at, trace_id, retry_seq, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(),
		cb.ScheduleID,
		beatKindRetry,
		beatActive,
		storage.FormatTime(at),
		fmt.Sprintf("%s-r%d", cb.TraceID, seq),
		seq,
		"{}",
		now, now,
	)
	if err != nil {
		e.logger.Warn("arm retry beat failed",
			zap.String("schedule_id", cb.ScheduleID),
			zap.String("trace_id", cb.TraceID),
			zap.Error(err))
	}
}

// Register implements Adapter.
func (e *LocalEngine) Register(ctx context.Context, payload SchedulePayload) error {
	if payload.ScheduleID == "" {
		return &AdapterError{Code: ErrCodeInvalid, Message: "schedule_id is required"}
	}
	now := storage.FormatTime(e.now())
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`INSERT INTO timer_beats
		(id, schedule_id, kind, state, fire_at, trace_id, retry_seq, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, 0, ?, ?, ?)`),
		payload.ScheduleID,
		payload.ScheduleID,
		beatKindSchedule,
		beatActive,
		storage.NullableTime(payload.NextRunAt),
		string(payload.Definition),
		now, now,
	)
	if err != nil {
		// Re-registration refreshes the existing beat.
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			return e.Update(ctx, payload)
		}
		return e.wrap("register", payload.ScheduleID, err)
	}
	return nil
}

// Update implements Adapter.
func (e *LocalEngine) Update(ctx context.Context, payload SchedulePayload) error {
	if payload.ScheduleID == "" {
		return &AdapterError{Code: ErrCodeInvalid, Message: "schedule_id is required"}
	}
	res, err := e.db.ExecContext(ctx, e.db.Rebind(
		`UPDATE timer_beats SET fire_at = ?, payload = ?, updated_at = ? WHERE id = ? AND kind = ?`),
		storage.NullableTime(payload.NextRunAt),
		string(payload.Definition),
		storage.FormatTime(e.now()),
		payload.ScheduleID,
		beatKindSchedule,
	)
	if err != nil {
		return e.wrap("update", payload.ScheduleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &AdapterError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schedule %s is not registered", payload.ScheduleID)}
	}
	return nil
}

// Pause implements Adapter. Pausing silences retry beats too.
func (e *LocalEngine) Pause(ctx context.Context, scheduleID string) error {
	return e.setState(ctx, "pause", scheduleID, beatPaused)
}

// Resume implements Adapter.
func (e *LocalEngine) Resume(ctx context.Context, scheduleID string) error {
	return e.setState(ctx, "resume", scheduleID, beatActive)
}

func (e *LocalEngine) setState(ctx context.Context, op, scheduleID, state string) error {
	res, err := e.db.ExecContext(ctx, e.db.Rebind(
		`UPDATE timer_beats SET state = ?, updated_at = ? WHERE schedule_id = ?`),
		state, storage.FormatTime(e.now()), scheduleID)
	if err != nil {
		return e.wrap(op, scheduleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &AdapterError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schedule %s is not registered", scheduleID)}
	}
	return nil
}

// Delete implements Adapter. Removes the schedule beat and any pending
// retries; unknown ids are a no-op, deletion is idempotent.
func (e *LocalEngine) Delete(ctx context.Context, scheduleID string) error {
	if _, err := e.db.ExecContext(ctx, e.db.Rebind(
		`DELETE FROM timer_beats WHERE schedule_id = ?`), scheduleID); err != nil {
		return e.wrap("delete", scheduleID, err)
	}
	return nil
}

// TriggerCallback implements Adapter: synchronous delivery bypassing the
// beat clock.
func (e *LocalEngine) TriggerCallback(ctx context.Context, scheduleID string, scheduledFor time.Time, traceID, triggerSource string) error {
	if e.handler == nil {
		return &AdapterError{Code: ErrCodeUnavailable, Message: "no callback handler wired"}
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if triggerSource == "" {
		triggerSource = TriggerRunNow
	}

	outcome, err := e.handler.HandleCallback(ctx, Callback{
		ScheduleID:    scheduleID,
		ScheduledFor:  scheduledFor.UTC(),
		TraceID:       traceID,
		EmittedAt:     e.now(),
		TriggerSource: triggerSource,
	})
	if err != nil {
		return e.wrap("trigger_callback", scheduleID, err)
	}
	if outcome.RetryAt != nil {
		e.armRetry(ctx, Callback{ScheduleID: scheduleID, TraceID: traceID}, 1, *outcome.RetryAt)
	}
	if outcome.NextRunAt != nil {
		// Best-effort beat advance; the schedule may not be registered
		// when triggered ad hoc.
		_, _ = e.db.ExecContext(ctx, e.db.Rebind(
			`UPDATE timer_beats SET fire_at = ?, updated_at = ? WHERE id = ? AND kind = ?`),
			storage.NullableTime(outcome.NextRunAt), storage.FormatTime(e.now()), scheduleID, beatKindSchedule)
	}
	return nil
}

// Health implements Adapter.
func (e *LocalEngine) Health(ctx context.Context) Health {
	if err := e.db.PingContext(ctx); err != nil {
		return Health{Status: HealthDegraded, Detail: err.Error()}
	}
	return Health{Status: HealthOK}
}

func (e *LocalEngine) wrap(op, scheduleID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Code: ErrCodeTimeout, Message: op + " timed out", Details: map[string]any{"schedule_id": scheduleID}}
	}
	return &AdapterError{
		Code:    ErrCodeUnavailable,
		Message: fmt.Sprintf("%s failed: %v", op, err),
		Details: map[string]any{"schedule_id": scheduleID},
	}
}

var _ Adapter = (*LocalEngine)(nil)
