package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type APIClient struct {
	server string
	apiKey string
	actor  string
	http   *http.Client
}

type Schedule struct {
	ID            string     `json:"id"`
	TaskIntentID  string     `json:"task_intent_id"`
	ScheduleType  string     `json:"schedule_type"`
	State         string     `json:"state"`
	Timezone      string     `json:"timezone"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus *string    `json:"last_run_status,omitempty"`
	FailureCount  int        `json:"failure_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Execution struct {
	ID            string     `json:"id"`
	ScheduleID    string     `json:"schedule_id"`
	Status        string     `json:"status"`
	TriggerSource string     `json:"trigger_source"`
	AttemptCount  int        `json:"attempt_count"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ErrorCode     *string    `json:"error_code,omitempty"`
}

type AuditEntry struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	ActorType   string    `json:"actor_type"`
	Channel     string    `json:"channel"`
	OccurredAt  time.Time `json:"occurred_at"`
	Reason      *string   `json:"reason,omitempty"`
	DiffSummary *string   `json:"diff_summary,omitempty"`
}

type TimerHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	KeyPrefix   string     `json:"key_prefix"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Enabled     bool       `json:"enabled"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type scheduleListResponse struct {
	Schedules  []Schedule `json:"schedules"`
	NextCursor string     `json:"next_cursor"`
}

type executionListResponse struct {
	Executions []Execution `json:"executions"`
	NextCursor string      `json:"next_cursor"`
}

type auditListResponse struct {
	Entries    []AuditEntry `json:"entries"`
	NextCursor string       `json:"next_cursor"`
}

type keyListResponse struct {
	Keys  []APIKey `json:"keys"`
	Total int      `json:"total"`
}

type keyCreateResponse struct {
	Key      APIKey `json:"key"`
	PlainKey string `json:"plain_key"`
	Warning  string `json:"warning,omitempty"`
}

func NewAPIClient(server, apiKey, actor string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = "http://localhost:8080"
	}

	return &APIClient{
		server: server,
		apiKey: apiKey,
		actor:  actor,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *APIClient) ListSchedules(ctx context.Context, state, scheduleType string) ([]Schedule, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if scheduleType != "" {
		q.Set("type", scheduleType)
	}
	path := "/api/v1/schedules"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out scheduleListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Schedules, nil
}

func (c *APIClient) Schedule(ctx context.Context, id string) (*Schedule, error) {
	var out Schedule
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/schedules/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CreateSchedule(ctx context.Context, payload map[string]any) (*Schedule, error) {
	var out Schedule
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/schedules", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ScheduleCommand(ctx context.Context, id, command, reason string) (*Schedule, error) {
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	var out Schedule
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/schedules/"+id+"/"+command, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CancelSchedule(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/schedules/"+id, nil, nil)
}

func (c *APIClient) Executions(ctx context.Context, scheduleID string) ([]Execution, error) {
	var out executionListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/schedules/"+scheduleID+"/executions", nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

func (c *APIClient) ScheduleAudit(ctx context.Context, scheduleID string) ([]AuditEntry, error) {
	var out auditListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/schedules/"+scheduleID+"/audit", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *APIClient) TimerHealth(ctx context.Context) (*TimerHealth, error) {
	var out TimerHealth
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/timer/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ListKeys(ctx context.Context) (*keyListResponse, error) {
	var out keyListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/auth/keys", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CreateKey(ctx context.Context, name string, perms []string, expiresInDays int) (*keyCreateResponse, error) {
	payload := map[string]any{
		"name":        name,
		"permissions": perms,
	}
	if expiresInDays > 0 {
		payload["expires_in_days"] = expiresInDays
	}
	var out keyCreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/keys", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RevokeKey(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/auth/keys/"+id+"/revoke", nil, nil)
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Adjutant-Actor-Type", "human")
	req.Header.Set("X-Adjutant-Channel", "cli")
	if c.actor != "" {
		req.Header.Set("X-Adjutant-Actor-Id", c.actor)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
