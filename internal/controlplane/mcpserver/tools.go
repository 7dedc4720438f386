package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

type listSchedulesInput struct {
	State string `json:"state,omitempty" jsonschema:"schedule state filter: draft, active, paused, completed, canceled, failed, archived"`
	Type  string `json:"type,omitempty" jsonschema:"schedule type filter: one_time, interval, calendar_rule, conditional"`
	Limit int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

type scheduleIDInput struct {
	ScheduleID string `json:"schedule_id" jsonschema:"schedule identifier"`
}

type createScheduleInput struct {
	Summary      string               `json:"summary" jsonschema:"what the task does, e.g. 'water the plants'"`
	Details      string               `json:"details,omitempty" jsonschema:"optional longer task description"`
	ScheduleType string               `json:"schedule_type" jsonschema:"one_time, interval, calendar_rule, or conditional"`
	Timezone     string               `json:"timezone,omitempty" jsonschema:"IANA timezone (default UTC)"`
	Definition   schedules.Definition `json:"definition" jsonschema:"typed schedule definition matching schedule_type"`
	ActorID      string               `json:"actor_id,omitempty" jsonschema:"optional agent identity for the audit trail"`
}

type pauseScheduleInput struct {
	ScheduleID string `json:"schedule_id" jsonschema:"schedule identifier"`
	Reason     string `json:"reason,omitempty" jsonschema:"optional reason recorded in the audit log"`
}

type listExecutionsInput struct {
	ScheduleID string `json:"schedule_id" jsonschema:"schedule identifier"`
	Status     string `json:"status,omitempty" jsonschema:"optional status filter: queued, running, succeeded, failed, retry_scheduled, skipped"`
	Limit      int    `json:"limit,omitempty" jsonschema:"optional limit (default 20)"`
}

type searchAuditInput struct {
	ScheduleID string `json:"schedule_id" jsonschema:"schedule identifier"`
	EventType  string `json:"event_type,omitempty" jsonschema:"optional event filter: create, update, pause, resume, cancel, archive, run_now"`
	Since      string `json:"since,omitempty" jsonschema:"optional ISO-8601 timestamp filter"`
	Limit      int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_list_schedules",
		Description: "List schedules with state/type filtering",
	}, s.handleListSchedules)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_schedule_info",
		Description: "Get a schedule with its task intent and recent executions",
	}, s.handleScheduleInfo)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_create_schedule",
		Description: "Create a new schedule with an inline task intent",
	}, s.handleCreateSchedule)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_run_now",
		Description: "Trigger an immediate out-of-band run of a schedule",
	}, s.handleRunNow)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_pause_schedule",
		Description: "Pause an active schedule",
	}, s.handlePauseSchedule)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_resume_schedule",
		Description: "Resume a paused schedule",
	}, s.handleResumeSchedule)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_list_executions",
		Description: "List executions for a schedule",
	}, s.handleListExecutions)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "adjutant_search_audit",
		Description: "Search the schedule lifecycle audit log",
	}, s.handleSearchAudit)
}

// mcpActor is the identity MCP-initiated mutations run under.
func mcpActor(actorID string) schedules.ActorContext {
	actor := schedules.ActorContext{
		ActorType: schedules.ActorAgent,
		Channel:   "mcp",
		TraceID:   uuid.NewString(),
	}
	if id := strings.TrimSpace(actorID); id != "" {
		actor.ActorID = &id
	}
	return actor
}

func (s *MCPServer) handleListSchedules(ctx context.Context, _ *mcp.CallToolRequest, input listSchedulesInput) (*mcp.CallToolResult, any, error) {
	if s.queries == nil {
		return nil, nil, fmt.Errorf("query service unavailable")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	items, cursor, err := s.queries.ListSchedules(ctx, schedules.ScheduleQuery{
		State:        strings.TrimSpace(input.State),
		ScheduleType: strings.TrimSpace(input.Type),
		Limit:        limit,
	})
	if err != nil {
		return nil, nil, err
	}

	return jsonToolResult(map[string]any{
		"schedules":   items,
		"next_cursor": cursor,
	})
}

func (s *MCPServer) handleScheduleInfo(ctx context.Context, _ *mcp.CallToolRequest, input scheduleIDInput) (*mcp.CallToolResult, any, error) {
	if s.queries == nil {
		return nil, nil, fmt.Errorf("query service unavailable")
	}
	id := strings.TrimSpace(input.ScheduleID)
	if id == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	sched, err := s.queries.GetSchedule(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	intent, err := s.queries.GetTaskIntent(ctx, sched.TaskIntentID)
	if err != nil {
		return nil, nil, err
	}
	execs, _, err := s.queries.ListExecutions(ctx, schedules.ExecutionQuery{
		ScheduleID: id,
		Limit:      10,
	})
	if err != nil {
		return nil, nil, err
	}

	return jsonToolResult(map[string]any{
		"schedule":          sched,
		"task_intent":       intent,
		"recent_executions": execs,
	})
}

func (s *MCPServer) handleCreateSchedule(ctx context.Context, _ *mcp.CallToolRequest, input createScheduleInput) (*mcp.CallToolResult, any, error) {
	if s.commands == nil {
		return nil, nil, fmt.Errorf("command service unavailable")
	}
	summary := strings.TrimSpace(input.Summary)
	if summary == "" {
		return nil, nil, fmt.Errorf("summary is required")
	}

	in := schedules.CreateScheduleInput{
		Intent:       &schedules.TaskIntentInput{Summary: summary},
		ScheduleType: strings.TrimSpace(input.ScheduleType),
		Timezone:     strings.TrimSpace(input.Timezone),
		Definition:   input.Definition,
	}
	if details := strings.TrimSpace(input.Details); details != "" {
		in.Intent.Details = &details
	}

	sched, err := s.commands.CreateSchedule(ctx, in, mcpActor(input.ActorID))
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(sched)
}

func (s *MCPServer) handleRunNow(ctx context.Context, _ *mcp.CallToolRequest, input scheduleIDInput) (*mcp.CallToolResult, any, error) {
	if s.commands == nil {
		return nil, nil, fmt.Errorf("command service unavailable")
	}
	id := strings.TrimSpace(input.ScheduleID)
	if id == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	sched, err := s.commands.RunNow(ctx, id, nil, mcpActor(""), schedules.CommandOptions{})
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(fmt.Sprintf("run_now accepted for schedule %s (state %s)", sched.ID, sched.State)), nil, nil
}

func (s *MCPServer) handlePauseSchedule(ctx context.Context, _ *mcp.CallToolRequest, input pauseScheduleInput) (*mcp.CallToolResult, any, error) {
	if s.commands == nil {
		return nil, nil, fmt.Errorf("command service unavailable")
	}
	id := strings.TrimSpace(input.ScheduleID)
	if id == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	opts := schedules.CommandOptions{}
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		opts.Reason = &reason
	}

	sched, err := s.commands.PauseSchedule(ctx, id, mcpActor(""), opts)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(sched)
}

func (s *MCPServer) handleResumeSchedule(ctx context.Context, _ *mcp.CallToolRequest, input scheduleIDInput) (*mcp.CallToolResult, any, error) {
	if s.commands == nil {
		return nil, nil, fmt.Errorf("command service unavailable")
	}
	id := strings.TrimSpace(input.ScheduleID)
	if id == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	sched, err := s.commands.ResumeSchedule(ctx, id, mcpActor(""), schedules.CommandOptions{})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(sched)
}

func (s *MCPServer) handleListExecutions(ctx context.Context, _ *mcp.CallToolRequest, input listExecutionsInput) (*mcp.CallToolResult, any, error) {
	if s.queries == nil {
		return nil, nil, fmt.Errorf("query service unavailable")
	}
	id := strings.TrimSpace(input.ScheduleID)
	if id == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	execs, cursor, err := s.queries.ListExecutions(ctx, schedules.ExecutionQuery{
		ScheduleID: id,
		Status:     strings.TrimSpace(input.Status),
		Limit:      limit,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{
		"executions":  execs,
		"next_cursor": cursor,
	})
}

func (s *MCPServer) handleSearchAudit(ctx context.Context, _ *mcp.CallToolRequest, input searchAuditInput) (*mcp.CallToolResult, any, error) {
	if s.queries == nil {
		return nil, nil, fmt.Errorf("query service unavailable")
	}
	id := strings.TrimSpace(input.ScheduleID)
	if id == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := audit.ScheduleFilter{
		ScheduleID: id,
		EventType:  strings.TrimSpace(input.EventType),
		Limit:      limit,
	}
	if sinceRaw := strings.TrimSpace(input.Since); sinceRaw != "" {
		since, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid since timestamp (expected RFC3339): %w", err)
		}
		filter.Since = &since
	}

	rows, cursor, err := s.queries.ScheduleAuditLog(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{
		"entries":     rows,
		"next_cursor": cursor,
	})
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
