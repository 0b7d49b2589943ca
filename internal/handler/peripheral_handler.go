package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/future"
	"github.com/jkindrix/callcore/internal/middleware"
)

// AudioControl is the endpoint controller.
type AudioControl interface {
	CurrentAudioState(ctx context.Context) (call.AudioState, error)
	RequestEndpointChange(e call.Endpoint) *future.Future[call.Endpoint]
}

// StreamingControl is the streaming controller.
type StreamingControl interface {
	SessionID(ctx context.Context) (string, error)
	StartStreaming(id string) *future.Future[*call.Call]
	StopStreaming(id string) *future.Future[*call.Call]
}

// PeripheralHandler serves /audio and /streaming.
type PeripheralHandler struct {
	BaseHandler
	audio     AudioControl
	streaming StreamingControl
	auditor   ActionAuditor
}

// NewPeripheralHandler creates a PeripheralHandler. Either controller may
// be nil, which leaves its routes out.
func NewPeripheralHandler(audio AudioControl, streaming StreamingControl, auditor ActionAuditor, logger *zap.Logger) *PeripheralHandler {
	return &PeripheralHandler{BaseHandler: NewBaseHandler(logger), audio: audio, streaming: streaming, auditor: auditor}
}

// RegisterRoutes registers peripheral routes on the router.
func (h *PeripheralHandler) RegisterRoutes(r chi.Router) {
	if h.audio != nil {
		r.Get("/audio", h.GetAudio)
		r.Put("/audio/endpoint", h.SetEndpoint)
	}
	if h.streaming != nil {
		r.Get("/streaming", h.GetStreaming)
		r.Post("/streaming/{id}", h.StartStreaming)
		r.Delete("/streaming/{id}", h.StopStreaming)
	}
}

// GetAudio handles GET /audio.
func (h *PeripheralHandler) GetAudio(w http.ResponseWriter, r *http.Request) {
	s, err := h.audio.CurrentAudioState(r.Context())
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, s)
}

// SetEndpointRequest is the body of PUT /audio/endpoint.
type SetEndpointRequest struct {
	ID string `json:"id"`
}

// SetEndpoint handles PUT /audio/endpoint. It answers once the router has
// moved the audio or the request failed.
func (h *PeripheralHandler) SetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req SetEndpointRequest
	if err := DecodeJSON(r, &req); err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	if req.ID == "" {
		h.WriteAppError(w, r, apperrors.MissingField("id"))
		return
	}
	s, err := h.audio.CurrentAudioState(r.Context())
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	target := call.Endpoint{ID: req.ID}
	for _, e := range s.Available {
		if e.ID == req.ID {
			target = e
			break
		}
	}

	active, err := h.audio.RequestEndpointChange(target).Await(r.Context())
	h.audit(r, "set_endpoint", "", err == nil)
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, active)
}

// StreamingResponse reports the streaming session.
type StreamingResponse struct {
	CallID    string `json:"call_id,omitempty"`
	Streaming bool   `json:"streaming"`
}

// GetStreaming handles GET /streaming.
func (h *PeripheralHandler) GetStreaming(w http.ResponseWriter, r *http.Request) {
	id, err := h.streaming.SessionID(r.Context())
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, StreamingResponse{CallID: id, Streaming: id != ""})
}

// StartStreaming handles POST /streaming/{id}.
func (h *PeripheralHandler) StartStreaming(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, err := h.streaming.StartStreaming(id).Await(r.Context())
	h.audit(r, "start_streaming", id, err == nil)
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, StreamingResponse{CallID: id, Streaming: true})
}

// StopStreaming handles DELETE /streaming/{id}.
func (h *PeripheralHandler) StopStreaming(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, err := h.streaming.StopStreaming(id).Await(r.Context())
	h.audit(r, "stop_streaming", id, err == nil)
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PeripheralHandler) audit(r *http.Request, action, id string, ok bool) {
	if h.auditor == nil {
		return
	}
	h.auditor.UserAction(r.Context(), action, id, middleware.ClientIP(r), middleware.GetRequestID(r.Context()), ok)
}
