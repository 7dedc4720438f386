package server

import (
	"encoding/json"
	"net/http"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// APIError is the standard error response format.
type APIError struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Error: message, Code: code})
}

// writeServiceError maps a service-layer error onto the HTTP surface.
func writeServiceError(w http.ResponseWriter, err error) {
	svc := schedules.MapError(err)
	writeJSON(w, statusForCode(svc.Code), APIError{
		Error:   svc.Message,
		Code:    svc.Code,
		Details: svc.Details,
	})
}

func statusForCode(code string) int {
	switch code {
	case schedules.CodeValidation, schedules.CodeMissingActor:
		return http.StatusBadRequest
	case schedules.CodeNotFound:
		return http.StatusNotFound
	case schedules.CodeConflict, schedules.CodeDuplicate:
		return http.StatusConflict
	case schedules.CodeForbidden:
		return http.StatusForbidden
	case schedules.CodeImmutableField, schedules.CodeInvalidState, schedules.CodeScheduleInactive:
		return http.StatusUnprocessableEntity
	case schedules.CodeTimeout:
		return http.StatusGatewayTimeout
	case schedules.CodeAdapterError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
