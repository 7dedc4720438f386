package predicate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/capability"
	"github.com/marcus-qen/adjutant/internal/controlplane/metrics"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
)

type stubResolver struct {
	value  any
	err    error
	calls  int
	actors []schedules.ActorContext
}

func (r *stubResolver) Name() string { return "stub" }

func (r *stubResolver) Resolve(_ context.Context, _ string, actor schedules.ActorContext) (any, error) {
	r.calls++
	r.actors = append(r.actors, actor)
	return r.value, r.err
}

func newTestService(t *testing.T, resolver *stubResolver) (*Service, *audit.Store) {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	audits, err := audit.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("create audit store: %v", err)
	}
	gate := capability.NewGate(zap.NewNop())
	return NewService(gate, resolver, audits, zap.NewNop()), audits
}

func evalRequest(subject, operator string, value *string) Request {
	return Request{
		ScheduleID:     "sched-1",
		Subject:        subject,
		Operator:       operator,
		Value:          value,
		EvaluationTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CorrelationID:  "cb-1",
		Actor:          schedules.ScheduledActor("cb-1"),
	}
}

func strPtr(s string) *string { return &s }

func TestEvaluateNumericComparison(t *testing.T) {
	resolver := &stubResolver{value: 90}
	svc, audits := newTestService(t, resolver)
	ctx := context.Background()

	result, err := svc.Evaluate(ctx, audits.DB(), evalRequest("memory.propose/hygiene.score", schedules.OpLt, strPtr("80")))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Status != audit.PredicateFalse || result.Triggered {
		t.Errorf("90 < 80 should be false, got %+v", result)
	}
	if result.ObservedValue == nil || *result.ObservedValue != "90" {
		t.Errorf("observed value = %v", result.ObservedValue)
	}

	result, err = svc.Evaluate(ctx, audits.DB(), evalRequest("memory.propose/hygiene.score", schedules.OpGte, strPtr("80")))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Status != audit.PredicateTrue || !result.Triggered {
		t.Errorf("90 >= 80 should trigger, got %+v", result)
	}
}

func TestEvaluateRecordsMetrics(t *testing.T) {
	resolver := &stubResolver{value: 90}
	svc, audits := newTestService(t, resolver)
	ctx := context.Background()

	triggered := testutil.ToFloat64(metrics.PredicateEvaluationsTotal.WithLabelValues("triggered"))
	notTriggered := testutil.ToFloat64(metrics.PredicateEvaluationsTotal.WithLabelValues("not_triggered"))
	errored := testutil.ToFloat64(metrics.PredicateEvaluationsTotal.WithLabelValues("error"))

	if _, err := svc.Evaluate(ctx, audits.DB(), evalRequest("memory.propose/hygiene.score", schedules.OpGte, strPtr("80"))); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := svc.Evaluate(ctx, audits.DB(), evalRequest("memory.propose/hygiene.score", schedules.OpLt, strPtr("80"))); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := svc.Evaluate(ctx, audits.DB(), evalRequest("obsidian.write/notes/daily.md", schedules.OpExists, nil)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if got := testutil.ToFloat64(metrics.PredicateEvaluationsTotal.WithLabelValues("triggered")); got != triggered+1 {
		t.Errorf("triggered count = %f, want %f", got, triggered+1)
	}
	if got := testutil.ToFloat64(metrics.PredicateEvaluationsTotal.WithLabelValues("not_triggered")); got != notTriggered+1 {
		t.Errorf("not_triggered count = %f, want %f", got, notTriggered+1)
	}
	if got := testutil.ToFloat64(metrics.PredicateEvaluationsTotal.WithLabelValues("error")); got != errored+1 {
		t.Errorf("error count = %f, want %f", got, errored+1)
	}
}

func TestEvaluateDeniedNeverResolves(t *testing.T) {
	resolver := &stubResolver{value: "anything"}
	svc, audits := newTestService(t, resolver)

	result, err := svc.Evaluate(context.Background(), audits.DB(),
		evalRequest("obsidian.write/notes/daily.md", schedules.OpExists, nil))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Status != audit.PredicateError || result.ResultCode != CodeForbidden {
		t.Errorf("result = %+v, want error/forbidden", result)
	}
	if resolver.calls != 0 {
		t.Error("resolver must not be called after a gate deny")
	}

	rows, _, err := audits.ListPredicate(context.Background(), audit.PredicateFilter{ScheduleID: "sched-1"})
	if err != nil {
		t.Fatalf("list predicate audits: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.AuthorizationDecision != audit.DecisionDeny {
		t.Errorf("authorization_decision = %q, want deny", row.AuthorizationDecision)
	}
	if row.AuthorizationReasonCode == nil || *row.AuthorizationReasonCode != capability.ReasonNotReadOnly {
		t.Errorf("authorization_reason_code = %v", row.AuthorizationReasonCode)
	}
	if row.ResultCode != CodeForbidden || row.Status != audit.PredicateError {
		t.Errorf("audit row = %+v", row)
	}
}

func TestEvaluateNonScheduledActorDenied(t *testing.T) {
	resolver := &stubResolver{value: 1}
	svc, audits := newTestService(t, resolver)

	req := evalRequest("calendar.read/free_slots.count", schedules.OpGt, strPtr("0"))
	req.Actor = schedules.ActorContext{ActorType: schedules.ActorHuman, Channel: "chat", TraceID: "t"}

	result, err := svc.Evaluate(context.Background(), audits.DB(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.ResultCode != CodeForbidden || resolver.calls != 0 {
		t.Errorf("non-scheduled actor should be denied before resolution, got %+v (calls=%d)", result, resolver.calls)
	}
}

func TestEvaluateValidation(t *testing.T) {
	resolver := &stubResolver{value: 1}
	svc, audits := newTestService(t, resolver)
	ctx := context.Background()

	cases := []struct {
		name     string
		req      Request
		wantCode string
	}{
		{"empty subject", evalRequest("", schedules.OpExists, nil), CodeInvalidPredicate},
		{"empty operator", evalRequest("calendar.read/x", "", nil), CodeInvalidPredicate},
		{"unknown operator", evalRequest("calendar.read/x", "between", strPtr("1")), CodeOperatorNotSupported},
		{"missing value", evalRequest("calendar.read/x", schedules.OpEq, nil), CodeInvalidPredicate},
		{"pattern outside charset", evalRequest("calendar.read/x", schedules.OpMatches, strPtr("a|b")), CodeInvalidPredicate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := svc.Evaluate(ctx, audits.DB(), tc.req)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if result.Status != audit.PredicateError || result.ResultCode != tc.wantCode {
				t.Errorf("result = %+v, want error/%s", result, tc.wantCode)
			}
		})
	}
	if resolver.calls != 0 {
		t.Error("validation failures must not reach the resolver")
	}
}

func TestEvaluateResolverErrors(t *testing.T) {
	resolver := &stubResolver{err: &ResolverError{Code: CodeSubjectNotFound, Message: "no such note"}}
	svc, audits := newTestService(t, resolver)
	ctx := context.Background()

	result, err := svc.Evaluate(ctx, audits.DB(), evalRequest("obsidian.read/notes/gone.md", schedules.OpExists, nil))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.ResultCode != CodeSubjectNotFound {
		t.Errorf("resolver error code should propagate, got %+v", result)
	}

	resolver.err = errors.New("connection reset")
	result, err = svc.Evaluate(ctx, audits.DB(), evalRequest("obsidian.read/notes/x.md", schedules.OpExists, nil))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.ResultCode != CodeEvaluationFailed {
		t.Errorf("untyped resolver failure = %+v, want evaluation_failed", result)
	}
}

func TestEvaluatePassesScheduledActorToResolver(t *testing.T) {
	resolver := &stubResolver{value: "ok"}
	svc, audits := newTestService(t, resolver)

	_, err := svc.Evaluate(context.Background(), audits.DB(), evalRequest("vault.search/anything", schedules.OpExists, nil))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(resolver.actors) != 1 || !resolver.actors[0].IsScheduled() {
		t.Errorf("resolver should see the scheduled actor, got %+v", resolver.actors)
	}
}

func TestCapabilityID(t *testing.T) {
	cases := map[string]string{
		"obsidian.read/notes/foo.md": "obsidian.read",
		"scheduler.read":             "scheduler.read",
		"calendar.read/":             "calendar.read",
	}
	for subject, want := range cases {
		if got := CapabilityID(subject); got != want {
			t.Errorf("CapabilityID(%q) = %q, want %q", subject, got, want)
		}
	}
}
