package handler

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/logging"
	"github.com/jkindrix/callcore/internal/middleware"
)

// LevelSetter is a logger whose level can change at runtime.
type LevelSetter interface {
	GetLevel() string
	SetLevel(level string) error
}

// LevelAuditor records level changes.
type LevelAuditor interface {
	LogLevelChanged(ctx context.Context, ip, requestID, oldLevel, newLevel string)
}

// LogLevelHandler handles runtime log level adjustment.
type LogLevelHandler struct {
	BaseHandler
	level   LevelSetter
	auditor LevelAuditor
}

// NewLogLevelHandler creates a handler for log level management.
func NewLogLevelHandler(level LevelSetter, auditor LevelAuditor, logger *zap.Logger) *LogLevelHandler {
	return &LogLevelHandler{
		BaseHandler: NewBaseHandler(logger),
		level:       level,
		auditor:     auditor,
	}
}

// LogLevelResponse is the response for log level queries.
type LogLevelResponse struct {
	Level           string   `json:"level"`
	AvailableLevels []string `json:"available_levels,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// LogLevelRequest is the request body for changing log level.
type LogLevelRequest struct {
	Level string `json:"level"`
}

// GetLevel handles GET requests to return current log level.
func (h *LogLevelHandler) GetLevel(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, LogLevelResponse{
		Level:           h.level.GetLevel(),
		AvailableLevels: logging.Levels,
	})
}

// SetLevel handles PUT/POST requests to change log level. The level comes
// from the query string or a JSON body.
func (h *LogLevelHandler) SetLevel(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	if level == "" {
		var req LogLevelRequest
		if err := DecodeJSON(r, &req); err != nil {
			h.WriteAppError(w, r, err)
			return
		}
		level = req.Level
	}
	if level == "" {
		h.WriteError(w, r, http.StatusBadRequest, apperrors.CodeMissingField, "level parameter is required")
		return
	}
	if _, err := logging.ParseLevel(level); err != nil {
		h.WriteError(w, r, http.StatusBadRequest, apperrors.CodeInvalidInput, err.Error())
		return
	}

	previous := h.level.GetLevel()
	if err := h.level.SetLevel(level); err != nil {
		h.WriteError(w, r, http.StatusBadRequest, apperrors.CodeInvalidInput, err.Error())
		return
	}
	current := h.level.GetLevel()
	if h.auditor != nil {
		h.auditor.LogLevelChanged(r.Context(), middleware.ClientIP(r), middleware.GetRequestID(r.Context()), previous, current)
	}

	h.WriteJSON(w, http.StatusOK, LogLevelResponse{
		Level:   current,
		Message: fmt.Sprintf("log level changed from %s to %s", previous, current),
	})
}

// ServeHTTP implements http.Handler for the log level endpoint.
func (h *LogLevelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.GetLevel(w, r)
	case http.MethodPut, http.MethodPost:
		h.SetLevel(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT, POST")
		h.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}
