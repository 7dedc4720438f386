package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/adjutant/internal/controlplane/auth"
)

type createKeyRequest struct {
	Name          string   `json:"name"`
	Permissions   []string `json:"permissions"`
	ExpiresInDays int      `json:"expires_in_days,omitempty"`
}

type createKeyResponse struct {
	Key      auth.APIKey `json:"key"`
	PlainKey string      `json:"plain_key"`
	Warning  string      `json:"warning,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if s.keyStore == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "auth_disabled", "API key store not configured")
		return
	}
	keys := s.keyStore.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"total": len(keys),
	})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if s.keyStore == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "auth_disabled", "API key store not configured")
		return
	}

	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "name is required")
		return
	}
	if len(req.Permissions) == 0 {
		writeJSONError(w, http.StatusBadRequest, "validation", "permissions are required")
		return
	}

	perms := make([]auth.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		switch auth.Permission(p) {
		case auth.PermSchedulesRead, auth.PermSchedulesWrite, auth.PermSchedulesExecute,
			auth.PermAuditRead, auth.PermAdmin:
			perms = append(perms, auth.Permission(p))
		default:
			writeJSONError(w, http.StatusBadRequest, "validation", "unknown permission: "+p)
			return
		}
	}

	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	key, plain, err := s.keyStore.Create(strings.TrimSpace(req.Name), perms, expiresAt)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	resp := createKeyResponse{Key: *key, PlainKey: plain}
	if expiresAt == nil {
		resp.Warning = "key never expires; store it securely"
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if s.keyStore == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "auth_disabled", "API key store not configured")
		return
	}
	if err := s.keyStore.Revoke(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.keyStore == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "auth_disabled", "API key store not configured")
		return
	}
	if err := s.keyStore.Delete(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
