package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/events"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
	"github.com/marcus-qen/adjutant/internal/controlplane/storage"
	"github.com/marcus-qen/adjutant/internal/controlplane/timer"
)

type noopAdapter struct {
	mu       sync.Mutex
	triggers int
}

func (a *noopAdapter) Register(context.Context, timer.SchedulePayload) error { return nil }
func (a *noopAdapter) Update(context.Context, timer.SchedulePayload) error   { return nil }
func (a *noopAdapter) Pause(context.Context, string) error                   { return nil }
func (a *noopAdapter) Resume(context.Context, string) error                  { return nil }
func (a *noopAdapter) Delete(context.Context, string) error                  { return nil }

func (a *noopAdapter) TriggerCallback(context.Context, string, time.Time, string, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers++
	return nil
}

func (a *noopAdapter) Health(context.Context) timer.Health {
	return timer.Health{Status: "ok"}
}

func newTestMCPServer(t *testing.T) (*MCPServer, *schedules.CommandService, *noopAdapter) {
	t.Helper()

	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := schedules.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	audits, err := audit.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("new audit store: %v", err)
	}

	adapter := &noopAdapter{}
	commands := schedules.NewCommandService(store, audits, adapter, zap.NewNop())
	queries := schedules.NewQueryService(store, audits, zap.NewNop())

	srv := New(commands, queries, events.NewBus(64), zap.NewNop())
	return srv, commands, adapter
}

func connectClient(t *testing.T, srv *MCPServer) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Run(runCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("mcp server run exited with: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("timed out waiting for mcp server shutdown")
		}
	})

	return session
}

func seedSchedule(t *testing.T, commands *schedules.CommandService) *schedules.Schedule {
	t.Helper()
	runAt := time.Now().UTC().Add(time.Hour)
	sched, err := commands.CreateSchedule(context.Background(), schedules.CreateScheduleInput{
		Intent:       &schedules.TaskIntentInput{Summary: "water the plants"},
		ScheduleType: schedules.TypeOneTime,
		State:        schedules.StateActive,
		Definition: schedules.Definition{
			Type:    schedules.TypeOneTime,
			OneTime: &schedules.OneTimeDef{RunAt: runAt},
		},
	}, schedules.ActorContext{ActorType: schedules.ActorHuman, Channel: "chat", TraceID: "seed-1"})
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return sched
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(result.Content))
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestToolsRegistered(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	expected := []string{
		"adjutant_create_schedule",
		"adjutant_list_executions",
		"adjutant_list_schedules",
		"adjutant_pause_schedule",
		"adjutant_resume_schedule",
		"adjutant_run_now",
		"adjutant_schedule_info",
		"adjutant_search_audit",
	}

	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected tool list: got %v want %v", names, expected)
		}
	}
}

func TestListSchedulesTool(t *testing.T) {
	srv, commands, _ := newTestMCPServer(t)
	seedSchedule(t, commands)
	session := connectClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "adjutant_list_schedules",
		Arguments: map[string]any{"state": "active"},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}

	var payload struct {
		Schedules []schedules.Schedule `json:"schedules"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(payload.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(payload.Schedules))
	}
	if payload.Schedules[0].State != schedules.StateActive {
		t.Errorf("state = %q", payload.Schedules[0].State)
	}
}

func TestScheduleInfoTool(t *testing.T) {
	srv, commands, _ := newTestMCPServer(t)
	sched := seedSchedule(t, commands)
	session := connectClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "adjutant_schedule_info",
		Arguments: map[string]any{"schedule_id": sched.ID},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}

	var payload struct {
		Schedule   schedules.Schedule   `json:"schedule"`
		TaskIntent schedules.TaskIntent `json:"task_intent"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.Schedule.ID != sched.ID {
		t.Errorf("schedule id = %q", payload.Schedule.ID)
	}
	if payload.TaskIntent.Summary != "water the plants" {
		t.Errorf("summary = %q", payload.TaskIntent.Summary)
	}
}

func TestScheduleInfoUnknownSchedule(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "adjutant_schedule_info",
		Arguments: map[string]any{"schedule_id": "nope"},
	})
	if err == nil && (result == nil || !result.IsError) {
		t.Fatal("expected error for unknown schedule")
	}
}

func TestCreateScheduleTool(t *testing.T) {
	srv, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	runAt := time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "adjutant_create_schedule",
		Arguments: map[string]any{
			"summary":       "send the weekly digest",
			"schedule_type": "one_time",
			"definition": map[string]any{
				"type":     "one_time",
				"one_time": map[string]any{"run_at": runAt},
			},
		},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}

	var sched schedules.Schedule
	if err := json.Unmarshal([]byte(toolText(t, result)), &sched); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if sched.ID == "" || sched.State != schedules.StateActive {
		t.Errorf("schedule = %+v", sched)
	}
	if sched.CreatedByActorType != schedules.ActorAgent {
		t.Errorf("creator actor = %q, want agent", sched.CreatedByActorType)
	}
}

func TestRunNowTool(t *testing.T) {
	srv, commands, adapter := newTestMCPServer(t)
	sched := seedSchedule(t, commands)
	session := connectClient(t, srv)

	_, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "adjutant_run_now",
		Arguments: map[string]any{"schedule_id": sched.ID},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.triggers != 1 {
		t.Errorf("trigger calls = %d, want 1", adapter.triggers)
	}
}

func TestPauseResumeTools(t *testing.T) {
	srv, commands, _ := newTestMCPServer(t)
	sched := seedSchedule(t, commands)
	session := connectClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "adjutant_pause_schedule",
		Arguments: map[string]any{"schedule_id": sched.ID, "reason": "vacation"},
	})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	var paused schedules.Schedule
	if err := json.Unmarshal([]byte(toolText(t, result)), &paused); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if paused.State != schedules.StatePaused {
		t.Errorf("state = %q, want paused", paused.State)
	}

	result, err = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "adjutant_resume_schedule",
		Arguments: map[string]any{"schedule_id": sched.ID},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	var resumed schedules.Schedule
	if err := json.Unmarshal([]byte(toolText(t, result)), &resumed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resumed.State != schedules.StateActive {
		t.Errorf("state = %q, want active", resumed.State)
	}
}

func TestSearchAuditTool(t *testing.T) {
	srv, commands, _ := newTestMCPServer(t)
	sched := seedSchedule(t, commands)
	session := connectClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "adjutant_search_audit",
		Arguments: map[string]any{"schedule_id": sched.ID, "event_type": "create"},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}

	var payload struct {
		Entries []audit.ScheduleRow `json:"entries"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(payload.Entries) != 1 || payload.Entries[0].EventType != "create" {
		t.Errorf("entries = %+v", payload.Entries)
	}
}

func TestResourcesRegistered(t *testing.T) {
	srv, commands, _ := newTestMCPServer(t)
	seedSchedule(t, commands)
	session := connectClient(t, srv)

	resources, err := session.ListResources(context.Background(), &mcp.ListResourcesParams{})
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources.Resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(resources.Resources))
	}

	result, err := session.ReadResource(context.Background(), &mcp.ReadResourceParams{
		URI: resourceSchedulesSummary,
	})
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if len(result.Contents) != 1 {
		t.Fatalf("contents = %d", len(result.Contents))
	}

	var payload struct {
		Total   int            `json:"total_schedules"`
		ByState map[string]int `json:"by_state"`
	}
	if err := json.Unmarshal([]byte(result.Contents[0].Text), &payload); err != nil {
		t.Fatalf("decode resource: %v", err)
	}
	if payload.Total != 1 || payload.ByState[schedules.StateActive] != 1 {
		t.Errorf("summary = %+v", payload)
	}
}
