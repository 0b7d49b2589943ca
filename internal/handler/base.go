// Package handler serves the control API: call inspection and user actions
// on calls, the call log, health checks and runtime log level.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/eventloop"
	"github.com/jkindrix/callcore/internal/middleware"
	"github.com/jkindrix/callcore/internal/sanitize"
)

// BaseHandler provides shared functionality for all handlers.
type BaseHandler struct {
	logger *zap.Logger
}

// NewBaseHandler creates a BaseHandler.
func NewBaseHandler(logger *zap.Logger) BaseHandler {
	if logger == nil {
		panic("logger is required")
	}
	return BaseHandler{logger: logger}
}

// Logger returns the handler's logger tagged with the request's
// correlation fields.
func (b *BaseHandler) Logger(r *http.Request) *zap.Logger {
	return middleware.LoggerWithCorrelation(r.Context(), b.logger)
}

// WriteJSON writes a JSON response.
func (b *BaseHandler) WriteJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, b.logger, status, data)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to write JSON response", zap.Error(err))
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     apperrors.ErrorDetail `json:"error"`
	RequestID string                `json:"request_id,omitempty"`
}

// WriteError writes a JSON error with an explicit status.
func (b *BaseHandler) WriteError(w http.ResponseWriter, r *http.Request, status int, code apperrors.Code, message string) {
	b.WriteJSON(w, status, ErrorBody{
		Error:     apperrors.ErrorDetail{Code: code, Message: message},
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// WriteAppError maps err onto a status and writes it. Internal errors are
// logged and their detail withheld from the client.
func (b *BaseHandler) WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		b.Logger(r).Error("request failed", zap.String("path", r.URL.Path), zap.String("error", sanitize.Error(err)))
	}
	b.WriteError(w, r, status, code, message)
}

func classify(err error) (int, apperrors.Code, string) {
	var appErr *apperrors.Error
	switch {
	case errors.As(err, &appErr):
		if appErr.HTTPStatus() >= http.StatusInternalServerError && appErr.Code == apperrors.CodeInternal {
			return http.StatusInternalServerError, appErr.Code, "internal error"
		}
		return appErr.HTTPStatus(), appErr.Code, appErr.Message
	case errors.Is(err, eventloop.ErrStopped):
		return http.StatusServiceUnavailable, apperrors.CodeShuttingDown, "shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apperrors.CodeTimeout, "timed out"
	default:
		return http.StatusInternalServerError, apperrors.CodeInternal, "internal error"
	}
}

// DecodeJSON decodes a request body into v. Unknown fields are rejected.
// An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.InvalidInput("request body too large")
		}
		return apperrors.InvalidInput("invalid request body: " + err.Error())
	}
	return nil
}
