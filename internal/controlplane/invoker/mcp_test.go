package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// taskInput is the runtime-side view of the invocation envelope. It
// mirrors the full InvocationRequest shape so the inferred tool schema
// accepts every field the invoker sends; the tests inspect a subset.
type taskInput struct {
	Execution struct {
		ID              string     `json:"id"`
		ScheduleID      string     `json:"schedule_id"`
		TaskIntentID    string     `json:"task_intent_id"`
		ScheduledFor    time.Time  `json:"scheduled_for"`
		AttemptNumber   int        `json:"attempt_number"`
		MaxAttempts     int        `json:"max_attempts"`
		BackoffStrategy *string    `json:"backoff_strategy,omitempty"`
		RetryAfter      *time.Time `json:"retry_after,omitempty"`
		TraceID         string     `json:"trace_id"`
	} `json:"execution"`
	TaskIntent struct {
		Summary         string  `json:"summary"`
		Details         *string `json:"details,omitempty"`
		OriginReference *string `json:"origin_reference,omitempty"`
	} `json:"task_intent"`
	Schedule struct {
		ScheduleType  string         `json:"schedule_type"`
		Timezone      string         `json:"timezone"`
		Definition    map[string]any `json:"definition"`
		NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
		LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
		LastRunStatus *string        `json:"last_run_status,omitempty"`
	} `json:"schedule"`
	Actor    schedules.ActorContext `json:"actor_context"`
	Metadata struct {
		ActualStartedAt time.Time `json:"actual_started_at"`
		TriggerSource   string    `json:"trigger_source"`
		CallbackID      string    `json:"callback_id"`
	} `json:"metadata"`
}

func newRuntimeServer(t *testing.T, handle func(taskInput) InvocationResult) *httptest.Server {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "agent-runtime", Version: "test"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        defaultToolName,
		Description: "execute one scheduled task",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, input taskInput) (*mcpsdk.CallToolResult, any, error) {
		payload, err := json.Marshal(handle(input))
		if err != nil {
			return nil, nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
		}, nil, nil
	})

	httpServer := httptest.NewServer(mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil))
	t.Cleanup(httpServer.Close)
	return httpServer
}

func invocationFor(trace string) InvocationRequest {
	scheduledFor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return InvocationRequest{
		Execution: ExecutionInfo{
			ID:            "exec-1",
			ScheduleID:    "sched-1",
			TaskIntentID:  "intent-1",
			ScheduledFor:  scheduledFor,
			AttemptNumber: 1,
			MaxAttempts:   3,
			TraceID:       trace,
		},
		TaskIntent: TaskIntentInfo{Summary: "check the weather"},
		Schedule: ScheduleInfo{
			ScheduleType: schedules.TypeOneTime,
			Timezone:     "UTC",
			Definition:   json.RawMessage(`{"type":"one_time"}`),
		},
		Actor: schedules.ScheduledActor(trace),
		Metadata: InvocationMetadata{
			ActualStartedAt: scheduledFor,
			TriggerSource:   "timer",
			CallbackID:      trace,
		},
	}
}

func TestMCPInvokerRoundTrip(t *testing.T) {
	var got taskInput
	runtime := newRuntimeServer(t, func(input taskInput) InvocationResult {
		got = input
		message := "done"
		return InvocationResult{Status: StatusSuccess, Message: &message}
	})

	inv := NewMCPInvoker(runtime.URL, zap.NewNop())
	defer inv.Close()

	result, err := inv.Invoke(context.Background(), invocationFor("cb-1"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusSuccess || result.Message == nil || *result.Message != "done" {
		t.Errorf("result = %+v", result)
	}
	if got.Execution.TraceID != "cb-1" || got.Execution.AttemptNumber != 1 {
		t.Errorf("runtime saw execution %+v", got.Execution)
	}
	if got.TaskIntent.Summary != "check the weather" {
		t.Errorf("runtime saw intent %+v", got.TaskIntent)
	}
	if got.Schedule.ScheduleType != schedules.TypeOneTime || got.Schedule.Timezone != "UTC" {
		t.Errorf("runtime saw schedule %+v", got.Schedule)
	}
	if got.Metadata.TriggerSource != "timer" || got.Metadata.CallbackID != "cb-1" {
		t.Errorf("runtime saw metadata %+v", got.Metadata)
	}
}

func TestMCPInvokerFailureResult(t *testing.T) {
	runtime := newRuntimeServer(t, func(taskInput) InvocationResult {
		result := Failure("task_failed", "calendar unreachable")
		result.AttentionRequired = true
		retryAfter := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		result.RetryHint = &RetryHint{RetryAfter: &retryAfter}
		return result
	})

	inv := NewMCPInvoker(runtime.URL, zap.NewNop())
	defer inv.Close()

	result, err := inv.Invoke(context.Background(), invocationFor("cb-2"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusFailure || result.Error == nil || result.Error.ErrorCode != "task_failed" {
		t.Errorf("result = %+v", result)
	}
	if !result.AttentionRequired {
		t.Error("attention_required did not survive the round trip")
	}
	if result.RetryHint == nil || result.RetryHint.RetryAfter == nil {
		t.Errorf("retry hint = %+v", result.RetryHint)
	}
}

func TestMCPInvokerTransportError(t *testing.T) {
	inv := NewMCPInvoker("http://127.0.0.1:1", zap.NewNop(), WithCallTimeout(time.Second))
	defer inv.Close()

	if _, err := inv.Invoke(context.Background(), invocationFor("cb-3")); err == nil {
		t.Fatal("unreachable runtime should surface an error")
	}
}

func TestMCPInvokerReusesSession(t *testing.T) {
	calls := 0
	runtime := newRuntimeServer(t, func(taskInput) InvocationResult {
		calls++
		return InvocationResult{Status: StatusSuccess}
	})

	inv := NewMCPInvoker(runtime.URL, zap.NewNop())
	defer inv.Close()

	for i := 0; i < 3; i++ {
		if _, err := inv.Invoke(context.Background(), invocationFor("cb-loop")); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if calls != 3 {
		t.Errorf("tool calls = %d, want 3", calls)
	}
}
