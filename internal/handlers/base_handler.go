package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gflowd/gflowd/internal/scheduler"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct{}

// respondWithJSON writes a JSON response
func (h *BaseHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal_error","message":"failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps a scheduler.Err* sentinel to an HTTP status and a
// stable error string, writing the JSON error body in one step.
func (h *BaseHandler) respondWithError(w http.ResponseWriter, err error) {
	var code int
	var errType, message string

	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		code, errType, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, scheduler.ErrInvalidDependency),
		errors.Is(err, scheduler.ErrCircularDependency),
		errors.Is(err, scheduler.ErrInvalidInput),
		errors.Is(err, scheduler.ErrGpuCountUnsatisfiable),
		errors.Is(err, scheduler.ErrBatchTooLarge):
		code, errType, message = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, scheduler.ErrImmutableField),
		errors.Is(err, scheduler.ErrIllegalTransition),
		errors.Is(err, scheduler.ErrRunNameConflict):
		code, errType, message = http.StatusConflict, "conflict", err.Error()
	default:
		code, errType, message = http.StatusInternalServerError, "internal_error", "an internal error occurred"
	}

	h.respondWithJSON(w, code, ErrorResponse{Error: errType, Message: message})
}

// getID gets a path parameter ID from the request context
func (h *BaseHandler) getID(r *http.Request, key string) string {
	return GetIDFromContext(r, key)
}
