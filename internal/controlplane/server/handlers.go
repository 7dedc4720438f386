package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus-qen/adjutant/internal/controlplane/audit"
	"github.com/marcus-qen/adjutant/internal/controlplane/auth"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// actorOrReject extracts the actor context for a mutation, writing the
// error response itself when the headers are unusable.
func (s *Server) actorOrReject(w http.ResponseWriter, r *http.Request) (schedules.ActorContext, bool) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		var missing *auth.MissingActorContextError
		if errors.As(err, &missing) {
			writeJSONError(w, http.StatusBadRequest, schedules.CodeMissingActor, missing.Error())
			return schedules.ActorContext{}, false
		}
		writeServiceError(w, err)
		return schedules.ActorContext{}, false
	}
	return actor, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ── Schedule commands ────────────────────────────────────────

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorOrReject(w, r)
	if !ok {
		return
	}

	var in schedules.CreateScheduleInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.RequestID == nil {
		in.RequestID = actor.RequestID
	}

	sched, err := s.commands.CreateSchedule(r.Context(), in, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorOrReject(w, r)
	if !ok {
		return
	}

	var body struct {
		Timezone     *string               `json:"timezone"`
		Definition   *schedules.Definition `json:"definition"`
		ScheduleType *string               `json:"schedule_type"`
		TaskIntentID *string               `json:"task_intent_id"`
		Reason       *string               `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	in := schedules.UpdateScheduleInput{
		RequestID: actor.RequestID,
		Reason:    body.Reason,
	}
	if body.Timezone != nil {
		in.Timezone = schedules.Set(*body.Timezone)
	}
	if body.Definition != nil {
		in.Definition = schedules.Set(*body.Definition)
	}
	if body.ScheduleType != nil {
		in.ScheduleType = schedules.Set(*body.ScheduleType)
	}
	if body.TaskIntentID != nil {
		in.TaskIntentID = schedules.Set(*body.TaskIntentID)
	}

	sched, err := s.commands.UpdateSchedule(r.Context(), r.PathValue("id"), in, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) commandOptions(r *http.Request, actor schedules.ActorContext) schedules.CommandOptions {
	opts := schedules.CommandOptions{RequestID: actor.RequestID}
	// Reason arrives in an optional JSON body on state commands.
	var body struct {
		Reason *string `json:"reason"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			opts.Reason = body.Reason
		}
	}
	return opts
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.handleStateCommand(w, r, s.commands.PauseSchedule)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.handleStateCommand(w, r, s.commands.ResumeSchedule)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	s.handleStateCommand(w, r, s.commands.DeleteSchedule)
}

func (s *Server) handleArchiveSchedule(w http.ResponseWriter, r *http.Request) {
	s.handleStateCommand(w, r, s.commands.ArchiveSchedule)
}

func (s *Server) handleStateCommand(
	w http.ResponseWriter,
	r *http.Request,
	cmd func(ctx context.Context, id string, actor schedules.ActorContext, opts schedules.CommandOptions) (*schedules.Schedule, error),
) {
	actor, ok := s.actorOrReject(w, r)
	if !ok {
		return
	}

	sched, err := cmd(r.Context(), r.PathValue("id"), actor, s.commandOptions(r, actor))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorOrReject(w, r)
	if !ok {
		return
	}

	var body struct {
		RequestedFor *time.Time `json:"requested_for"`
		Reason       *string    `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	opts := schedules.CommandOptions{RequestID: actor.RequestID, Reason: body.Reason}
	sched, err := s.commands.RunNow(r.Context(), r.PathValue("id"), body.RequestedFor, actor, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sched)
}

// ── Schedule queries ─────────────────────────────────────────

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.queries.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleGetTaskIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.queries.GetTaskIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := schedules.ScheduleQuery{
		State:        q.Get("state"),
		ScheduleType: q.Get("type"),
		CreatorType:  q.Get("creator_type"),
		Cursor:       q.Get("cursor"),
		Limit:        queryInt(q.Get("limit")),
	}
	if t, ok := queryTime(q.Get("created_after")); ok {
		query.CreatedAfter = &t
	}
	if t, ok := queryTime(q.Get("created_before")); ok {
		query.CreatedBefore = &t
	}

	items, cursor, err := s.queries.ListSchedules(r.Context(), query)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules":   items,
		"next_cursor": cursor,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.queries.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListScheduleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := schedules.ExecutionQuery{
		ScheduleID: r.PathValue("id"),
		Status:     q.Get("status"),
		Cursor:     q.Get("cursor"),
		Limit:      queryInt(q.Get("limit")),
	}
	if t, ok := queryTime(q.Get("scheduled_after")); ok {
		query.ScheduledAfter = &t
	}
	if t, ok := queryTime(q.Get("scheduled_before")); ok {
		query.ScheduledBefore = &t
	}

	items, cursor, err := s.queries.ListExecutions(r.Context(), query)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions":  items,
		"next_cursor": cursor,
	})
}

// ── Audit logs ───────────────────────────────────────────────

func (s *Server) handleScheduleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.ScheduleFilter{
		ScheduleID: r.PathValue("id"),
		EventType:  q.Get("event_type"),
		Cursor:     q.Get("cursor"),
		Limit:      queryInt(q.Get("limit")),
	}
	if t, ok := queryTime(q.Get("since")); ok {
		f.Since = &t
	}
	if t, ok := queryTime(q.Get("until")); ok {
		f.Until = &t
	}

	rows, cursor, err := s.queries.ScheduleAuditLog(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     rows,
		"next_cursor": cursor,
	})
}

func (s *Server) handleExecutionAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.ExecutionFilter{
		ExecutionID: r.PathValue("id"),
		Status:      q.Get("status"),
		Cursor:      q.Get("cursor"),
		Limit:       queryInt(q.Get("limit")),
	}

	rows, cursor, err := s.queries.ExecutionAuditLog(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     rows,
		"next_cursor": cursor,
	})
}

func (s *Server) handlePredicateAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.PredicateFilter{
		ScheduleID: q.Get("schedule_id"),
		Status:     q.Get("status"),
		Cursor:     q.Get("cursor"),
		Limit:      queryInt(q.Get("limit")),
	}

	rows, cursor, err := s.queries.PredicateAuditLog(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     rows,
		"next_cursor": cursor,
	})
}

// ── Events SSE ───────────────────────────────────────────────

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.eventBus.Subscribe(subID)
	defer s.eventBus.Unsubscribe(subID)

	// Send initial keepalive
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
			flusher.Flush()
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────

func queryInt(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func queryTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
