package schedules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/metrics"
	"github.com/marcus-qen/adjutant/internal/controlplane/timer"
)

type stubAdapter struct {
	mu       sync.Mutex
	calls    []string
	failWith map[string]*timer.AdapterError
}

func (a *stubAdapter) record(op, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op+":"+id)
	if err, ok := a.failWith[op]; ok {
		return err
	}
	return nil
}

func (a *stubAdapter) Register(_ context.Context, p timer.SchedulePayload) error {
	return a.record("register", p.ScheduleID)
}
func (a *stubAdapter) Update(_ context.Context, p timer.SchedulePayload) error {
	return a.record("update", p.ScheduleID)
}
func (a *stubAdapter) Pause(_ context.Context, id string) error  { return a.record("pause", id) }
func (a *stubAdapter) Resume(_ context.Context, id string) error { return a.record("resume", id) }
func (a *stubAdapter) Delete(_ context.Context, id string) error { return a.record("delete", id) }

func (a *stubAdapter) TriggerCallback(_ context.Context, id string, _ time.Time, _, triggerSource string) error {
	return a.record("trigger/"+triggerSource, id)
}

func (a *stubAdapter) Health(context.Context) timer.Health {
	return timer.Health{Status: timer.HealthOK}
}

func (a *stubAdapter) callList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type commandEnv struct {
	store    *Store
	audits   *audit.Store
	adapter  *stubAdapter
	svc      *CommandService
	eventsMu sync.Mutex
	events   []LifecycleEvent
}

func newCommandEnv(t *testing.T) *commandEnv {
	t.Helper()
	store := newTestStore(t)
	audits, err := audit.NewStore(store.DB(), zap.NewNop())
	if err != nil {
		t.Fatalf("create audit store: %v", err)
	}
	env := &commandEnv{store: store, audits: audits, adapter: &stubAdapter{}}
	env.svc = NewCommandService(store, audits, env.adapter, zap.NewNop(),
		WithLifecycleObserver(LifecycleObserverFunc(func(ev LifecycleEvent) {
			env.eventsMu.Lock()
			env.events = append(env.events, ev)
			env.eventsMu.Unlock()
		})))
	return env
}

func (e *commandEnv) eventTypes() []LifecycleEventType {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	types := make([]LifecycleEventType, 0, len(e.events))
	for _, ev := range e.events {
		types = append(types, ev.Type)
	}
	return types
}

func oneTime(runAt time.Time) Definition {
	return Definition{Type: TypeOneTime, OneTime: &OneTimeDef{RunAt: runAt}}
}

func (e *commandEnv) mustCreate(t *testing.T, def Definition) *Schedule {
	t.Helper()
	sched, err := e.svc.CreateSchedule(context.Background(), CreateScheduleInput{
		Intent:     &TaskIntentInput{Summary: "send the weekly digest"},
		Definition: def,
	}, testActor())
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sched
}

func TestCreateScheduleRegistersWithAdapter(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	runAt := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	sched := env.mustCreate(t, oneTime(runAt))
	if sched.State != StateActive {
		t.Errorf("state = %q, want active", sched.State)
	}
	if sched.NextRunAt == nil || !sched.NextRunAt.Equal(runAt) {
		t.Errorf("next_run_at = %v, want %v", sched.NextRunAt, runAt)
	}
	if sched.TaskIntentID == "" {
		t.Error("inline intent was not created")
	}

	calls := env.adapter.callList()
	if countCalls(calls, "register:") != 1 {
		t.Errorf("adapter calls = %v, want one register", calls)
	}

	rows, _, err := env.audits.ListSchedule(ctx, audit.ScheduleFilter{ScheduleID: sched.ID})
	if err != nil {
		t.Fatalf("list schedule audit: %v", err)
	}
	if len(rows) != 1 || rows[0].EventType != audit.EventScheduleCreated {
		t.Errorf("audit rows = %+v, want one create", rows)
	}

	types := env.eventTypes()
	if len(types) != 1 || types[0] != EventScheduleCreated {
		t.Errorf("lifecycle events = %v", types)
	}
}

func TestCreateScheduleDraftSkipsAdapter(t *testing.T) {
	env := newCommandEnv(t)
	sched, err := env.svc.CreateSchedule(context.Background(), CreateScheduleInput{
		Intent:     &TaskIntentInput{Summary: "draft idea"},
		State:      StateDraft,
		Definition: intervalDef(1, UnitDay),
	}, testActor())
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if sched.State != StateDraft {
		t.Errorf("state = %q, want draft", sched.State)
	}
	if calls := env.adapter.callList(); len(calls) != 0 {
		t.Errorf("draft must not touch the adapter: %v", calls)
	}
}

func TestCreateScheduleRejectsScheduledActor(t *testing.T) {
	env := newCommandEnv(t)
	_, err := env.svc.CreateSchedule(context.Background(), CreateScheduleInput{
		Intent:     &TaskIntentInput{Summary: "nope"},
		Definition: intervalDef(1, UnitHour),
	}, ScheduledActor("trace-x"))
	if err == nil {
		t.Fatal("scheduled actor must not create schedules")
	}
	if MapError(err).Code != CodeValidation {
		t.Errorf("code = %q, want validation_error", MapError(err).Code)
	}
}

func TestUpdateScheduleWritesDiffSummary(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	updated, err := env.svc.UpdateSchedule(ctx, sched.ID, UpdateScheduleInput{
		Definition: Set(intervalDef(2, UnitHour)),
	}, testActor())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Definition.Interval.IntervalCount != 2 {
		t.Errorf("interval count = %d, want 2", updated.Definition.Interval.IntervalCount)
	}

	rows, _, err := env.audits.ListSchedule(ctx, audit.ScheduleFilter{
		ScheduleID: sched.ID,
		EventType:  audit.EventScheduleUpdated,
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("update audit rows = %d, want 1", len(rows))
	}
	if rows[0].DiffSummary == nil || *rows[0].DiffSummary != "definition" {
		t.Errorf("diff summary = %v, want definition", rows[0].DiffSummary)
	}
	if countCalls(env.adapter.callList(), "update:") != 1 {
		t.Errorf("adapter calls = %v, want one update", env.adapter.callList())
	}
}

func TestUpdateScheduleImmutableFields(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	_, err := env.svc.UpdateSchedule(ctx, sched.ID, UpdateScheduleInput{
		ScheduleType: Set(TypeOneTime),
	}, testActor())
	if MapError(err).Code != CodeImmutableField {
		t.Errorf("schedule_type update: code = %q, want immutable_field", MapError(err).Code)
	}

	// Changing the type through the definition is the same mutation.
	_, err = env.svc.UpdateSchedule(ctx, sched.ID, UpdateScheduleInput{
		Definition: Set(oneTime(time.Now().UTC().Add(time.Hour))),
	}, testActor())
	if MapError(err).Code != CodeImmutableField {
		t.Errorf("definition type swap: code = %q, want immutable_field", MapError(err).Code)
	}
}

func TestUpdateCanceledScheduleRejected(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	if _, err := env.svc.DeleteSchedule(ctx, sched.ID, testActor(), CommandOptions{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := env.svc.UpdateSchedule(ctx, sched.ID, UpdateScheduleInput{
		Timezone: Set("Europe/Madrid"),
	}, testActor())
	if MapError(err).Code != CodeInvalidState {
		t.Errorf("code = %q, want invalid_state_transition", MapError(err).Code)
	}
}

func TestAdapterSyncFailureOnUpdate(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	env.adapter.failWith = map[string]*timer.AdapterError{
		"update": {Code: timer.ErrCodeUnavailable, Message: "engine offline"},
	}
	failures := testutil.ToFloat64(metrics.AdapterSyncFailuresTotal.WithLabelValues("update", timer.ErrCodeUnavailable))

	_, err := env.svc.UpdateSchedule(ctx, sched.ID, UpdateScheduleInput{
		Definition: Set(intervalDef(3, UnitHour)),
	}, testActor())
	var syncErr *AdapterSyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("err = %v, want AdapterSyncError", err)
	}
	if syncErr.Err.Code != timer.ErrCodeUnavailable {
		t.Errorf("adapter code = %q", syncErr.Err.Code)
	}
	if MapError(err).Code != CodeAdapterError {
		t.Errorf("mapped code = %q, want adapter_error", MapError(err).Code)
	}
	if got := testutil.ToFloat64(metrics.AdapterSyncFailuresTotal.WithLabelValues("update", timer.ErrCodeUnavailable)); got != failures+1 {
		t.Errorf("sync failure count = %f, want %f", got, failures+1)
	}

	// The commit stands: the new definition is authoritative.
	got, err := env.store.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Definition.Interval.IntervalCount != 3 {
		t.Errorf("interval count = %d, want 3", got.Definition.Interval.IntervalCount)
	}

	rows, _, err := env.audits.ListSchedule(ctx, audit.ScheduleFilter{
		ScheduleID: sched.ID,
		EventType:  audit.EventScheduleUpdated,
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("update audit rows = %d, want update + sync failure", len(rows))
	}
	var reasons []string
	for _, row := range rows {
		if row.Reason != nil {
			reasons = append(reasons, *row.Reason)
		}
	}
	if len(reasons) != 1 || reasons[0] != "adapter_sync_failed:update:unavailable" {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	for i := 0; i < 2; i++ {
		got, err := env.svc.PauseSchedule(ctx, sched.ID, testActor(), CommandOptions{})
		if err != nil {
			t.Fatalf("pause %d: %v", i, err)
		}
		if got.State != StatePaused {
			t.Errorf("pause %d: state = %q", i, got.State)
		}
	}

	rows, _, err := env.audits.ListSchedule(ctx, audit.ScheduleFilter{
		ScheduleID: sched.ID,
		EventType:  audit.EventSchedulePaused,
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("pause audit rows = %d, want 1", len(rows))
	}
	if countCalls(env.adapter.callList(), "pause:") != 1 {
		t.Errorf("adapter pause calls = %v, want 1", env.adapter.callList())
	}
}

func TestPauseCompletedScheduleRejected(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, oneTime(time.Now().UTC()))

	sched.State = StateCompleted
	if err := env.store.SaveSchedule(ctx, env.store.DB(), sched); err != nil {
		t.Fatalf("complete schedule: %v", err)
	}

	_, err := env.svc.PauseSchedule(ctx, sched.ID, testActor(), CommandOptions{})
	if MapError(err).Code != CodeInvalidState {
		t.Errorf("code = %q, want invalid_state_transition", MapError(err).Code)
	}
}

func TestResumeReactivates(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	if _, err := env.svc.PauseSchedule(ctx, sched.ID, testActor(), CommandOptions{}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := env.svc.ResumeSchedule(ctx, sched.ID, testActor(), CommandOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.State != StateActive {
		t.Errorf("state = %q, want active", got.State)
	}
	if countCalls(env.adapter.callList(), "resume:") != 1 {
		t.Errorf("adapter calls = %v", env.adapter.callList())
	}
}

func TestDeleteCancelsAndClearsNextRun(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	got, err := env.svc.DeleteSchedule(ctx, sched.ID, testActor(), CommandOptions{})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got.State != StateCanceled || got.NextRunAt != nil {
		t.Errorf("schedule = state %q next %v", got.State, got.NextRunAt)
	}
	if countCalls(env.adapter.callList(), "delete:") != 1 {
		t.Errorf("adapter calls = %v", env.adapter.callList())
	}

	// A second delete is a no-op.
	if _, err := env.svc.DeleteSchedule(ctx, sched.ID, testActor(), CommandOptions{}); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if countCalls(env.adapter.callList(), "delete:") != 1 {
		t.Errorf("second delete must not call the adapter again: %v", env.adapter.callList())
	}
}

func TestRunNowTriggersCallback(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	if _, err := env.svc.RunNow(ctx, sched.ID, nil, testActor(), CommandOptions{}); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if countCalls(env.adapter.callList(), "trigger/run_now:") != 1 {
		t.Errorf("adapter calls = %v, want one run_now trigger", env.adapter.callList())
	}

	rows, _, err := env.audits.ListSchedule(ctx, audit.ScheduleFilter{
		ScheduleID: sched.ID,
		EventType:  audit.EventScheduleRunNow,
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("run_now audit rows = %d, want 1", len(rows))
	}
}

func TestRunNowRejectedFromTerminalState(t *testing.T) {
	env := newCommandEnv(t)
	ctx := context.Background()
	sched := env.mustCreate(t, intervalDef(1, UnitHour))

	if _, err := env.svc.DeleteSchedule(ctx, sched.ID, testActor(), CommandOptions{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := env.svc.RunNow(ctx, sched.ID, nil, testActor(), CommandOptions{})
	if MapError(err).Code != CodeInvalidState {
		t.Errorf("code = %q, want invalid_state_transition", MapError(err).Code)
	}
	if countCalls(env.adapter.callList(), "trigger/") != 0 {
		t.Errorf("terminal run_now must not reach the adapter: %v", env.adapter.callList())
	}
}
