package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/auth"
	"github.com/marcus-qen/adjutant/internal/controlplane/config"
	"github.com/marcus-qen/adjutant/internal/controlplane/events"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
	"github.com/marcus-qen/adjutant/internal/controlplane/timer"
)

type fakeAdapter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAdapter) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeAdapter) Register(_ context.Context, p timer.SchedulePayload) error {
	f.record("register:" + p.ScheduleID)
	return nil
}

func (f *fakeAdapter) Update(_ context.Context, p timer.SchedulePayload) error {
	f.record("update:" + p.ScheduleID)
	return nil
}

func (f *fakeAdapter) Pause(_ context.Context, id string) error  { f.record("pause:" + id); return nil }
func (f *fakeAdapter) Resume(_ context.Context, id string) error { f.record("resume:" + id); return nil }
func (f *fakeAdapter) Delete(_ context.Context, id string) error { f.record("delete:" + id); return nil }

func (f *fakeAdapter) TriggerCallback(_ context.Context, id string, _ time.Time, _, source string) error {
	f.record("trigger/" + source + ":" + id)
	return nil
}

func (f *fakeAdapter) Health(context.Context) timer.Health {
	return timer.Health{Status: "ok"}
}

func (f *fakeAdapter) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type serverEnv struct {
	srv     *Server
	adapter *fakeAdapter
}

func newServerEnv(t *testing.T, authEnabled bool) *serverEnv {
	t.Helper()

	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := schedules.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	audits, err := audit.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("create audit store: %v", err)
	}

	adapter := &fakeAdapter{}
	commands := schedules.NewCommandService(store, audits, adapter, zap.NewNop())
	queries := schedules.NewQueryService(store, audits, zap.NewNop())

	cfg := config.Default()
	cfg.AuthEnabled = authEnabled

	var keyStore *auth.KeyStore
	if authEnabled {
		keyStore, err = auth.NewKeyStore(filepath.Join(t.TempDir(), "auth.db"))
		if err != nil {
			t.Fatalf("create key store: %v", err)
		}
		t.Cleanup(func() { keyStore.Close() })
	}

	srv := NewServer(cfg, Deps{
		Store:    store,
		Audits:   audits,
		Commands: commands,
		Queries:  queries,
		Adapter:  adapter,
		Bus:      events.NewBus(16),
		KeyStore: keyStore,
	}, zap.NewNop())

	return &serverEnv{srv: srv, adapter: adapter}
}

func withActor(req *http.Request) *http.Request {
	req.Header.Set(auth.HeaderActorType, "human")
	req.Header.Set(auth.HeaderActorID, "user-1")
	req.Header.Set(auth.HeaderChannel, "chat")
	req.Header.Set(auth.HeaderTraceID, "trace-http")
	return req
}

func createBody() []byte {
	runAt := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	return []byte(`{
		"intent": {"summary": "send the weekly digest"},
		"schedule_type": "one_time",
		"state": "active",
		"definition": {"type": "one_time", "one_time": {"run_at": "` + runAt + `"}}
	}`)
}

func (e *serverEnv) createSchedule(t *testing.T) string {
	t.Helper()
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewReader(createBody())))
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var sched schedules.Schedule
	if err := json.Unmarshal(w.Body.Bytes(), &sched); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return sched.ID
}

func TestHealthzAndVersion(t *testing.T) {
	env := newServerEnv(t, false)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	var v map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil || v["version"] == "" {
		t.Fatalf("version response = %s", w.Body.String())
	}
}

func TestCreateScheduleEndpoint(t *testing.T) {
	env := newServerEnv(t, false)

	id := env.createSchedule(t)
	if id == "" {
		t.Fatal("expected schedule id")
	}
	if env.adapter.count("register:") != 1 {
		t.Errorf("adapter register calls = %d, want 1", env.adapter.count("register:"))
	}
}

func TestCreateScheduleMissingActor(t *testing.T) {
	env := newServerEnv(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewReader(createBody()))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var apiErr APIError
	json.Unmarshal(w.Body.Bytes(), &apiErr)
	if apiErr.Code != schedules.CodeMissingActor {
		t.Errorf("code = %q, want %q", apiErr.Code, schedules.CodeMissingActor)
	}
}

func TestGetScheduleNotFound(t *testing.T) {
	env := newServerEnv(t, false)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/schedules/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	env := newServerEnv(t, false)
	id := env.createSchedule(t)

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+id+"/pause", bytes.NewReader([]byte(`{"reason":"vacation"}`))))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body %s", w.Code, w.Body.String())
	}
	var sched schedules.Schedule
	json.Unmarshal(w.Body.Bytes(), &sched)
	if sched.State != schedules.StatePaused {
		t.Errorf("state = %q, want paused", sched.State)
	}

	req = withActor(httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+id+"/resume", nil))
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, body %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &sched)
	if sched.State != schedules.StateActive {
		t.Errorf("state = %q, want active", sched.State)
	}
}

func TestRunNowEndpoint(t *testing.T) {
	env := newServerEnv(t, false)
	id := env.createSchedule(t)

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+id+"/run-now", nil))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if env.adapter.count("trigger/run_now:") != 1 {
		t.Errorf("trigger calls = %d, want 1", env.adapter.count("trigger/run_now:"))
	}
}

func TestUpdateImmutableFieldRejected(t *testing.T) {
	env := newServerEnv(t, false)
	id := env.createSchedule(t)

	req := withActor(httptest.NewRequest(http.MethodPatch, "/api/v1/schedules/"+id,
		bytes.NewReader([]byte(`{"schedule_type": "interval"}`))))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", w.Code, w.Body.String())
	}
	var apiErr APIError
	json.Unmarshal(w.Body.Bytes(), &apiErr)
	if apiErr.Code != schedules.CodeImmutableField {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestListSchedulesEndpoint(t *testing.T) {
	env := newServerEnv(t, false)
	env.createSchedule(t)
	env.createSchedule(t)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/schedules?state=active", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Schedules []schedules.Schedule `json:"schedules"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Schedules) != 2 {
		t.Errorf("schedules = %d, want 2", len(resp.Schedules))
	}
}

func TestScheduleAuditEndpoint(t *testing.T) {
	env := newServerEnv(t, false)
	id := env.createSchedule(t)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/schedules/"+id+"/audit", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Entries []audit.ScheduleRow `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].EventType != "create" {
		t.Errorf("entries = %+v", resp.Entries)
	}
}

func TestTimerHealthEndpoint(t *testing.T) {
	env := newServerEnv(t, false)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/timer/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var h timer.Health
	json.Unmarshal(w.Body.Bytes(), &h)
	if h.Status != "ok" {
		t.Errorf("health = %+v", h)
	}
}

func TestEventsSSEHeaders(t *testing.T) {
	env := newServerEnv(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // handler should write headers and return immediately

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
}

func TestAuthEnabledRejectsAnonymous(t *testing.T) {
	env := newServerEnv(t, true)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	// Health stays open.
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", w.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	env := newServerEnv(t, false)

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewReader(make([]byte, 16))))
	req.ContentLength = maxBodyBytes + 1
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}
