package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/codec"
	"github.com/lvonguyen/threatmesh/internal/engine"
	"github.com/lvonguyen/threatmesh/internal/fanout"
	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/session"
	"github.com/lvonguyen/threatmesh/internal/store"
)

// APIError is the error body of every failed request and of stream error
// messages.
type APIError struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// classify maps a pipeline error to an HTTP status and body.
func classify(err error) (int, APIError) {
	var rej *codec.Rejection
	var verr *model.ValidationError
	switch {
	case errors.As(err, &rej):
		return http.StatusUnprocessableEntity, APIError{Error: rej.Code, Field: rej.Field, Message: rej.Message}
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, APIError{Error: "invalid_request", Field: verr.Field, Message: verr.Message}
	case errors.Is(err, fanout.ErrCursorAhead):
		return http.StatusUnprocessableEntity, APIError{Error: "cursor_ahead", Field: "cursor", Message: err.Error()}
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, fanout.ErrSessionClosed):
		return http.StatusNotFound, APIError{Error: "session_not_found", Message: "session is unknown or closed"}
	case errors.Is(err, engine.ErrEventNotFound):
		return http.StatusNotFound, APIError{Error: "event_not_found", Message: err.Error()}
	case errors.Is(err, store.ErrAppendFailed):
		return http.StatusServiceUnavailable, APIError{Error: "append_failed", Message: "report was not stored", Retryable: true}
	case errors.Is(err, engine.ErrDegraded):
		return http.StatusServiceUnavailable, APIError{Error: "degraded", Message: "event store unavailable", Retryable: true}
	case errors.Is(err, engine.ErrOverloaded):
		return http.StatusServiceUnavailable, APIError{Error: "overloaded", Message: "too many reports in flight", Retryable: true}
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable, APIError{Error: "shutting_down", Message: "server is shutting down", Retryable: true}
	default:
		return http.StatusInternalServerError, APIError{Error: "internal", Message: "internal error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, APIError{Error: "bad_request", Field: field, Message: message})
}
