package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/phoneaccount"
	"github.com/jkindrix/callcore/internal/validation"
)

// Network plays the remote side of calls on the loopback connection
// service.
type Network interface {
	Ring(acct phoneaccount.Handle, address string) string
	Connect(id string)
	Hangup(id string)
}

// SimulateHandler serves /simulate, which drives the loopback network in
// development.
type SimulateHandler struct {
	BaseHandler
	network Network
}

// NewSimulateHandler creates a SimulateHandler.
func NewSimulateHandler(network Network, logger *zap.Logger) *SimulateHandler {
	return &SimulateHandler{BaseHandler: NewBaseHandler(logger), network: network}
}

// RegisterRoutes registers simulation routes on the router.
func (h *SimulateHandler) RegisterRoutes(r chi.Router) {
	r.Route("/simulate", func(r chi.Router) {
		r.Post("/incoming", h.Incoming)
		r.Post("/{id}/connect", h.Connect)
		r.Post("/{id}/hangup", h.Hangup)
	})
}

// IncomingRequest is the body of POST /simulate/incoming.
type IncomingRequest struct {
	Address string              `json:"address"`
	Account phoneaccount.Handle `json:"account"`
}

// Incoming rings a new incoming call.
func (h *SimulateHandler) Incoming(w http.ResponseWriter, r *http.Request) {
	var req IncomingRequest
	if err := DecodeJSON(r, &req); err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	v := validation.New()
	if v.Required("address", req.Address) {
		v.Address("address", req.Address)
	}
	v.Handle("account", req.Account)
	if err := v.Err(); err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	id := h.network.Ring(req.Account, req.Address)
	h.Logger(r).Info("simulated incoming call", zap.String("call_id", id), zap.Stringer("account", req.Account))
	w.Header().Set("Location", APIPrefix+"/calls/"+id)
	h.WriteJSON(w, http.StatusAccepted, PlaceCallResponse{ID: id, Status: "ringing"})
}

// Connect reports the remote party answering an outgoing call.
func (h *SimulateHandler) Connect(w http.ResponseWriter, r *http.Request) {
	h.network.Connect(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusAccepted)
}

// Hangup reports the remote party ending a call.
func (h *SimulateHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	h.network.Hangup(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusAccepted)
}
