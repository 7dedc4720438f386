package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/marcus-qen/adjutant/internal/controlplane/auth"
	"github.com/marcus-qen/adjutant/internal/controlplane/metrics"
)

// routes builds the API mux. Auth and body-size limits wrap the whole mux
// in NewServer.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health and operational surface
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/timer/health", s.handleTimerHealth)

	// Schedule commands
	mux.HandleFunc("POST /api/v1/schedules", s.withPermission(auth.PermSchedulesWrite, s.handleCreateSchedule))
	mux.HandleFunc("PATCH /api/v1/schedules/{id}", s.withPermission(auth.PermSchedulesWrite, s.handleUpdateSchedule))
	mux.HandleFunc("POST /api/v1/schedules/{id}/pause", s.withPermission(auth.PermSchedulesWrite, s.handlePauseSchedule))
	mux.HandleFunc("POST /api/v1/schedules/{id}/resume", s.withPermission(auth.PermSchedulesWrite, s.handleResumeSchedule))
	mux.HandleFunc("POST /api/v1/schedules/{id}/archive", s.withPermission(auth.PermSchedulesWrite, s.handleArchiveSchedule))
	mux.HandleFunc("POST /api/v1/schedules/{id}/run-now", s.withPermission(auth.PermSchedulesExecute, s.handleRunNow))
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", s.withPermission(auth.PermSchedulesWrite, s.handleDeleteSchedule))

	// Schedule queries
	mux.HandleFunc("GET /api/v1/schedules", s.withPermission(auth.PermSchedulesRead, s.handleListSchedules))
	mux.HandleFunc("GET /api/v1/schedules/{id}", s.withPermission(auth.PermSchedulesRead, s.handleGetSchedule))
	mux.HandleFunc("GET /api/v1/schedules/{id}/executions", s.withPermission(auth.PermSchedulesRead, s.handleListScheduleExecutions))
	mux.HandleFunc("GET /api/v1/executions/{id}", s.withPermission(auth.PermSchedulesRead, s.handleGetExecution))
	mux.HandleFunc("GET /api/v1/task-intents/{id}", s.withPermission(auth.PermSchedulesRead, s.handleGetTaskIntent))

	// Audit logs
	mux.HandleFunc("GET /api/v1/schedules/{id}/audit", s.withPermission(auth.PermAuditRead, s.handleScheduleAudit))
	mux.HandleFunc("GET /api/v1/executions/{id}/audit", s.withPermission(auth.PermAuditRead, s.handleExecutionAudit))
	mux.HandleFunc("GET /api/v1/audit/predicates", s.withPermission(auth.PermAuditRead, s.handlePredicateAudit))

	// API key administration
	mux.HandleFunc("GET /api/v1/auth/keys", s.withPermission(auth.PermAdmin, s.handleListKeys))
	mux.HandleFunc("POST /api/v1/auth/keys", s.withPermission(auth.PermAdmin, s.handleCreateKey))
	mux.HandleFunc("POST /api/v1/auth/keys/{id}/revoke", s.withPermission(auth.PermAdmin, s.handleRevokeKey))
	mux.HandleFunc("DELETE /api/v1/auth/keys/{id}", s.withPermission(auth.PermAdmin, s.handleDeleteKey))

	// Live event stream
	mux.HandleFunc("GET /api/v1/events", s.withPermission(auth.PermSchedulesRead, s.handleEventsSSE))

	// MCP surface for conversational agents
	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
		mux.Handle("/mcp/", s.mcp)
	}

	return mux
}

// withPermission guards a handler when auth is enabled. With auth disabled
// every request passes.
func (s *Server) withPermission(perm auth.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthEnabled && !auth.HasPermissionFromContext(r.Context(), perm) {
			writeJSONError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

func (s *Server) handleTimerHealth(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "adapter_error", "timer adapter not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.adapter.Health(r.Context()))
}
