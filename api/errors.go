package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskorch/taskorch/orchestrator"
	"github.com/taskorch/taskorch/task"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing left to do.
		_ = err
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, errorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// writeServiceError maps a service error onto the HTTP status vocabulary.
// Every message carries the request ID so a client report can be matched
// to server logs.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestID(r.Context())
	tag := " (request " + requestID + ")"

	switch {
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, orchestrator.ErrParentNotFound),
		errors.Is(err, orchestrator.ErrTemplateNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error()+tag)
	case errors.Is(err, orchestrator.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, "invalid_argument", err.Error()+tag)
	case errors.Is(err, orchestrator.ErrRetryNotAllowed),
		errors.Is(err, orchestrator.ErrRetryLimitReached),
		errors.Is(err, orchestrator.ErrCancelNotAllowed):
		writeJSONError(w, http.StatusConflict, "failed_precondition", err.Error()+tag)
	case errors.Is(err, orchestrator.ErrEnqueueFailed):
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", err.Error()+tag)
	default:
		s.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
			"error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal",
			"internal error"+tag)
	}
}
