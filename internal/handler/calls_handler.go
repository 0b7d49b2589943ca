package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/callsmanager"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/future"
	"github.com/jkindrix/callcore/internal/middleware"
	"github.com/jkindrix/callcore/internal/phoneaccount"
	"github.com/jkindrix/callcore/internal/validation"
)

// CallController is the part of the calls manager the API drives.
type CallController interface {
	Snapshot(ctx context.Context) (callsmanager.Snapshot, error)
	CallInfo(ctx context.Context, id string) (call.Info, error)
	StartOutgoingCall(ctx context.Context, req callsmanager.OutgoingRequest) *future.Future[*call.Call]
	ConfirmPendingCall(ctx context.Context, id string) error
	CancelPendingCall(ctx context.Context, id string) error
	PhoneAccountSelected(ctx context.Context, id string, h phoneaccount.Handle, setDefault bool) error
	AnswerCall(id string)
	RejectCall(id, message string)
	HoldCall(id string)
	UnholdCall(id string)
	SilenceCall(id string)
	DisconnectCall(id string)
}

// ActionAuditor records user actions taken through the API.
type ActionAuditor interface {
	UserAction(ctx context.Context, action, callID, ip, requestID string, ok bool)
}

// DefaultPlaceWait is how long POST /calls waits for the outgoing pipeline
// before answering 202 with the pending call id.
const DefaultPlaceWait = 2 * time.Second

// CallsHandler serves /calls.
type CallsHandler struct {
	BaseHandler
	calls     CallController
	auditor   ActionAuditor
	placeWait time.Duration
}

// CallsHandlerConfig holds configuration for CallsHandler.
type CallsHandlerConfig struct {
	Calls     CallController
	Auditor   ActionAuditor
	PlaceWait time.Duration
	Logger    *zap.Logger
}

// NewCallsHandler creates a CallsHandler.
func NewCallsHandler(cfg CallsHandlerConfig) *CallsHandler {
	if cfg.Calls == nil {
		panic("calls controller is required")
	}
	if cfg.PlaceWait <= 0 {
		cfg.PlaceWait = DefaultPlaceWait
	}
	return &CallsHandler{
		BaseHandler: NewBaseHandler(cfg.Logger),
		calls:       cfg.Calls,
		auditor:     cfg.Auditor,
		placeWait:   cfg.PlaceWait,
	}
}

// RegisterRoutes registers call routes on the router.
func (h *CallsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/calls", func(r chi.Router) {
		r.Get("/", h.ListCalls)
		r.Post("/", h.PlaceCall)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCall)
			r.Post("/confirm", h.ConfirmCall)
			r.Post("/cancel", h.CancelCall)
			r.Post("/select-account", h.SelectAccount)
			r.Post("/answer", h.action("answer", func(id string, _ actionRequest) { h.calls.AnswerCall(id) }))
			r.Post("/reject", h.action("reject", func(id string, req actionRequest) { h.calls.RejectCall(id, req.Message) }))
			r.Post("/hold", h.action("hold", func(id string, _ actionRequest) { h.calls.HoldCall(id) }))
			r.Post("/unhold", h.action("unhold", func(id string, _ actionRequest) { h.calls.UnholdCall(id) }))
			r.Post("/silence", h.action("silence", func(id string, _ actionRequest) { h.calls.SilenceCall(id) }))
			r.Post("/disconnect", h.action("disconnect", func(id string, _ actionRequest) { h.calls.DisconnectCall(id) }))
		})
	})
}

// ListCalls handles GET /calls.
func (h *CallsHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	var filter string
	if q := r.URL.Query().Get("state"); q != "" {
		st, ok := call.ParseState(q)
		if !ok {
			h.WriteAppError(w, r, apperrors.InvalidInput("unknown call state: "+q))
			return
		}
		filter = st.String()
	}
	snap, err := h.calls.Snapshot(r.Context())
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	if filter != "" {
		kept := snap.Calls[:0]
		for _, info := range snap.Calls {
			if info.State == filter {
				kept = append(kept, info)
			}
		}
		snap.Calls = kept
	}
	h.WriteJSON(w, http.StatusOK, snap)
}

// GetCall handles GET /calls/{id}.
func (h *CallsHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	info, err := h.calls.CallInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, info)
}

// PlaceCallRequest is the body of POST /calls.
type PlaceCallRequest struct {
	Address string               `json:"address"`
	Account *phoneaccount.Handle `json:"account,omitempty"`
	Video   bool                 `json:"video,omitempty"`
	RTT     bool                 `json:"rtt,omitempty"`
}

// PlaceCallResponse answers POST /calls while the call is still being set
// up, typically waiting on account selection or confirmation.
type PlaceCallResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PlaceCall handles POST /calls. It answers 201 with the call once the
// call is in the registry, or 202 if the pipeline is still waiting.
func (h *CallsHandler) PlaceCall(w http.ResponseWriter, r *http.Request) {
	var req PlaceCallRequest
	if err := DecodeJSON(r, &req); err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	v := validation.New()
	if v.Required("address", req.Address) {
		v.Address("address", req.Address)
	}
	if req.Account != nil {
		v.Handle("account", *req.Account)
	}
	if err := v.Err(); err != nil {
		h.WriteAppError(w, r, err)
		return
	}

	id := uuid.NewString()
	f := h.calls.StartOutgoingCall(r.Context(), callsmanager.OutgoingRequest{
		ID:      id,
		Address: req.Address,
		Account: req.Account,
		Video:   req.Video,
		RTT:     req.RTT,
	})

	ctx, cancel := context.WithTimeout(r.Context(), h.placeWait)
	defer cancel()
	if _, err := f.Await(ctx); err != nil && !f.IsDone() {
		h.audit(r, "place", id, true)
		w.Header().Set("Location", APIPrefix+"/calls/"+id)
		h.WriteJSON(w, http.StatusAccepted, PlaceCallResponse{ID: id, Status: "pending"})
		return
	}
	if _, err := f.Result(); err != nil {
		h.audit(r, "place", id, false)
		h.WriteAppError(w, r, err)
		return
	}

	h.audit(r, "place", id, true)
	info, err := h.calls.CallInfo(r.Context(), id)
	if err != nil {
		// Already ended; report what the client can still look up.
		w.Header().Set("Location", APIPrefix+"/calls/"+id)
		h.WriteJSON(w, http.StatusCreated, PlaceCallResponse{ID: id, Status: "ended"})
		return
	}
	w.Header().Set("Location", APIPrefix+"/calls/"+id)
	h.WriteJSON(w, http.StatusCreated, info)
}

// ConfirmCall handles POST /calls/{id}/confirm.
func (h *CallsHandler) ConfirmCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.calls.ConfirmPendingCall(r.Context(), id)
	h.audit(r, "confirm", id, err == nil)
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelCall handles POST /calls/{id}/cancel.
func (h *CallsHandler) CancelCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.calls.CancelPendingCall(r.Context(), id)
	h.audit(r, "cancel", id, err == nil)
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectAccountRequest is the body of POST /calls/{id}/select-account.
type SelectAccountRequest struct {
	Account    *phoneaccount.Handle `json:"account"`
	SetDefault bool                 `json:"set_default,omitempty"`
}

// SelectAccount handles POST /calls/{id}/select-account.
func (h *CallsHandler) SelectAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SelectAccountRequest
	if err := DecodeJSON(r, &req); err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	if req.Account == nil {
		h.WriteAppError(w, r, apperrors.MissingField("account"))
		return
	}
	if v := validation.New(); !v.Handle("account", *req.Account) {
		h.WriteAppError(w, r, v.Err())
		return
	}
	err := h.calls.PhoneAccountSelected(r.Context(), id, *req.Account, req.SetDefault)
	h.audit(r, "select_account", id, err == nil)
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionRequest struct {
	Message string `json:"message,omitempty"`
}

// action builds a handler for a fire-and-forget call action. The call must
// exist when the request arrives; the outcome is observed through GET.
func (h *CallsHandler) action(name string, do func(id string, req actionRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req actionRequest
		if err := DecodeJSON(r, &req); err != nil {
			h.WriteAppError(w, r, err)
			return
		}
		if v := validation.New(); !v.Message("message", req.Message) {
			h.WriteAppError(w, r, v.Err())
			return
		}
		if _, err := h.calls.CallInfo(r.Context(), id); err != nil {
			h.audit(r, name, id, false)
			h.WriteAppError(w, r, err)
			return
		}
		do(id, req)
		h.audit(r, name, id, true)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *CallsHandler) audit(r *http.Request, action, id string, ok bool) {
	if h.auditor == nil {
		return
	}
	h.auditor.UserAction(r.Context(), action, id, middleware.ClientIP(r), middleware.GetRequestID(r.Context()), ok)
}
