package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/domain"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/repository"
)

// CallLogReader reads the persisted call log.
type CallLogReader interface {
	GetByCallID(ctx context.Context, callID string) (*domain.CallLogEntry, error)
	List(ctx context.Context, limit, offset int) ([]*domain.CallLogEntry, error)
	ListByKind(ctx context.Context, kind domain.CallLogKind, limit, offset int) ([]*domain.CallLogEntry, error)
	Count(ctx context.Context) (int, error)
}

// CallLogHandler serves /calllog.
type CallLogHandler struct {
	BaseHandler
	log CallLogReader
}

// NewCallLogHandler creates a CallLogHandler.
func NewCallLogHandler(log CallLogReader, logger *zap.Logger) *CallLogHandler {
	return &CallLogHandler{BaseHandler: NewBaseHandler(logger), log: log}
}

// RegisterRoutes registers call log routes on the router.
func (h *CallLogHandler) RegisterRoutes(r chi.Router) {
	r.Get("/calllog", h.List)
	r.Get("/calllog/{callID}", h.Get)
}

// CallLogEntryResponse is one call log entry on the wire.
type CallLogEntryResponse struct {
	ID               string     `json:"id"`
	CallID           string     `json:"call_id"`
	Kind             string     `json:"kind"`
	Direction        string     `json:"direction,omitempty"`
	Address          string     `json:"address,omitempty"`
	AccountPackage   string     `json:"account_package,omitempty"`
	AccountService   string     `json:"account_service,omitempty"`
	AccountID        string     `json:"account_id,omitempty"`
	User             int        `json:"user"`
	Video            bool       `json:"video,omitempty"`
	Emergency        bool       `json:"emergency,omitempty"`
	SelfManaged      bool       `json:"self_managed,omitempty"`
	DisconnectCode   string     `json:"disconnect_code,omitempty"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
	MissedReason     string     `json:"missed_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	EndedAt          time.Time  `json:"ended_at"`
	DurationMs       int64      `json:"duration_ms"`
	Notified         bool       `json:"notified,omitempty"`
}

// CallLogListResponse is the body of GET /calllog.
type CallLogListResponse struct {
	Entries []CallLogEntryResponse `json:"entries"`
	Total   int                    `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

func toCallLogResponse(e *domain.CallLogEntry) CallLogEntryResponse {
	return CallLogEntryResponse{
		ID:               e.ID.String(),
		CallID:           e.CallID,
		Kind:             string(e.Kind),
		Direction:        e.Direction,
		Address:          e.Address,
		AccountPackage:   e.AccountPackage,
		AccountService:   e.AccountService,
		AccountID:        e.AccountID,
		User:             e.User,
		Video:            e.Video,
		Emergency:        e.Emergency,
		SelfManaged:      e.SelfManaged,
		DisconnectCode:   e.DisconnectCode,
		DisconnectReason: e.DisconnectReason,
		MissedReason:     e.MissedReason,
		CreatedAt:        e.CreatedAt,
		ConnectedAt:      e.ConnectedAt,
		EndedAt:          e.EndedAt,
		DurationMs:       e.Duration.Milliseconds(),
		Notified:         e.Notified,
	}
}

// List handles GET /calllog?kind=&limit=&offset=.
func (h *CallLogHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), repository.DefaultListLimit)
	if err != nil {
		h.WriteAppError(w, r, apperrors.InvalidInput("limit must be a number"))
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		h.WriteAppError(w, r, apperrors.InvalidInput("offset must be a number"))
		return
	}
	guard := repository.NewGuard()
	limit, offset = guard.NormalizePagination(limit, offset)

	var entries []*domain.CallLogEntry
	if kind := domain.CallLogKind(q.Get("kind")); kind != "" {
		if err := guard.RequireKind(kind); err != nil {
			h.WriteAppError(w, r, err)
			return
		}
		entries, err = h.log.ListByKind(r.Context(), kind, limit, offset)
	} else {
		entries, err = h.log.List(r.Context(), limit, offset)
	}
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	total, err := h.log.Count(r.Context())
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}

	resp := CallLogListResponse{
		Entries: make([]CallLogEntryResponse, 0, len(entries)),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toCallLogResponse(e))
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /calllog/{callID}.
func (h *CallLogHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.log.GetByCallID(r.Context(), chi.URLParam(r, "callID"))
	if errors.Is(err, repository.ErrNotFound) {
		err = apperrors.NotFound("call log entry")
	}
	if err != nil {
		h.WriteAppError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, toCallLogResponse(e))
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
