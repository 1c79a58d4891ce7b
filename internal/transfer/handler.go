package transfer

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fieldline-erp/fieldline/internal/platform/httpx"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Handler exposes transfer endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.requestTransfer)
	r.Get("/{id}", h.getTransfer)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/dispatch", h.dispatch)
	r.Post("/{id}/receive", h.receive)
	r.Post("/{id}/cancel", h.cancel)
}

type transferLineRequest struct {
	ProductID int64      `json:"product_id" validate:"required,gt=0"`
	BatchID   int64      `json:"batch_id" validate:"required,gt=0"`
	BatchCode string     `json:"batch_code"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Qty       int64      `json:"qty" validate:"required,gt=0"`
}

type transferRequest struct {
	SourceHubID int64                 `json:"source_hub_id" validate:"required,gt=0"`
	DestHubID   int64                 `json:"dest_hub_id" validate:"required,gt=0"`
	Note        string                `json:"note"`
	Lines       []transferLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) requestTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil || !identity.HasHub(req.SourceHubID) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	lines := make([]Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, Line{ProductID: l.ProductID, BatchID: l.BatchID, BatchCode: l.BatchCode, Expiry: l.Expiry, Qty: l.Qty})
	}
	t, err := h.service.Request(r.Context(), NewTransferInput{
		SourceHubID: req.SourceHubID,
		DestHubID:   req.DestHubID,
		Lines:       lines,
		RequestedBy: identity.ActorID,
		Note:        req.Note,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) getTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil || (!identity.HasHub(t.SourceHubID) && !identity.HasHub(t.DestHubID)) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func sourceHub(t Transfer) int64 { return t.SourceHubID }
func destHub(t Transfer) int64   { return t.DestHubID }

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, sourceHub, func(id uuid.UUID, actorID int64) (Transfer, error) {
		return h.service.Approve(r.Context(), id, actorID)
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, sourceHub, func(id uuid.UUID, actorID int64) (Transfer, error) {
		return h.service.Dispatch(r.Context(), id, actorID)
	})
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, destHub, func(id uuid.UUID, actorID int64) (Transfer, error) {
		return h.service.Receive(r.Context(), id, actorID)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	note := r.URL.Query().Get("note")
	h.transition(w, r, sourceHub, func(id uuid.UUID, actorID int64) (Transfer, error) {
		return h.service.Cancel(r.Context(), id, actorID, note)
	})
}

// transition runs a lifecycle step after verifying the caller holds a grant
// for the hub the step affects.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, hubOf func(Transfer) int64, fn func(uuid.UUID, int64) (Transfer, error)) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	target, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !identity.HasHub(hubOf(target)) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	t, err := fn(id, identity.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) transferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid transfer id")
		return uuid.Nil, false
	}
	return id, true
}

// ListByHub handles GET /hubs/{id}/transfers.
func (h *Handler) ListByHub(w http.ResponseWriter, r *http.Request) {
	hubID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid hub id")
		return
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil || !identity.HasHub(hubID) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	transfers, err := h.service.ListByHub(r.Context(), hubID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}
