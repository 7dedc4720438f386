package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

const (
	resourceSchedulesSummary  = "adjutant://schedules/summary"
	resourceSchedulesUpcoming = "adjutant://schedules/upcoming"
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceSchedulesSummary,
		Name:        "Schedules Summary",
		Description: "Schedule counts by state and type",
		MIMEType:    "application/json",
	}, s.handleSchedulesSummaryResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceSchedulesUpcoming,
		Name:        "Upcoming Runs",
		Description: "Active schedules with their next fire times",
		MIMEType:    "application/json",
	}, s.handleSchedulesUpcomingResource)
}

func (s *MCPServer) handleSchedulesSummaryResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.queries == nil {
		return nil, fmt.Errorf("query service unavailable")
	}

	byState := map[string]int{}
	byType := map[string]int{}
	total := 0

	cursor := ""
	for {
		items, next, err := s.queries.ListSchedules(ctx, schedules.ScheduleQuery{
			Cursor: cursor,
			Limit:  200,
		})
		if err != nil {
			return nil, err
		}
		for _, sched := range items {
			byState[sched.State]++
			byType[sched.ScheduleType]++
			total++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	payload := map[string]any{
		"total_schedules": total,
		"by_state":        byState,
		"by_type":         byType,
	}
	return resourceJSON(req, resourceSchedulesSummary, payload)
}

type upcomingRun struct {
	ScheduleID   string     `json:"schedule_id"`
	ScheduleType string     `json:"schedule_type"`
	State        string     `json:"state"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

func (s *MCPServer) handleSchedulesUpcomingResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.queries == nil {
		return nil, fmt.Errorf("query service unavailable")
	}

	items, _, err := s.queries.ListSchedules(ctx, schedules.ScheduleQuery{
		State: schedules.StateActive,
		Limit: 100,
	})
	if err != nil {
		return nil, err
	}

	out := make([]upcomingRun, 0, len(items))
	for _, sched := range items {
		if sched.NextRunAt == nil {
			continue
		}
		out = append(out, upcomingRun{
			ScheduleID:   sched.ID,
			ScheduleType: sched.ScheduleType,
			State:        sched.State,
			NextRunAt:    sched.NextRunAt,
		})
	}
	return resourceJSON(req, resourceSchedulesUpcoming, out)
}

func resourceJSON(req *mcp.ReadResourceRequest, fallbackURI string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	uri := fallbackURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
