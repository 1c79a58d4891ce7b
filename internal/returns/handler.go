package returns

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fieldline-erp/fieldline/internal/platform/httpx"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Handler exposes return endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// MountRoutes registers return routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.requestReturn)
	r.Get("/{id}", h.getReturn)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/process", h.process)
}

type returnLineRequest struct {
	ProductID int64      `json:"product_id" validate:"required,gt=0"`
	BatchID   int64      `json:"batch_id" validate:"required,gt=0"`
	BatchCode string     `json:"batch_code"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Qty       int64      `json:"qty" validate:"required,gt=0"`
	Condition string     `json:"condition" validate:"required,oneof=GOOD DAMAGED EXPIRED"`
}

type returnRequest struct {
	InvoiceNumber string              `json:"invoice_number" validate:"required"`
	Reason        string              `json:"reason"`
	Lines         []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) requestReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	lines := make([]Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, Line{
			ProductID: l.ProductID,
			BatchID:   l.BatchID,
			BatchCode: l.BatchCode,
			Expiry:    l.Expiry,
			Qty:       l.Qty,
			Condition: Condition(l.Condition),
		})
	}
	ret, err := h.service.Request(r.Context(), NewReturnInput{
		InvoiceNumber: req.InvoiceNumber,
		Lines:         lines,
		Reason:        req.Reason,
		RequestedBy:   identity.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ret)
}

func (h *Handler) getReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.returnID(w, r)
	if !ok {
		return
	}
	ret, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil || !identity.HasHub(ret.HubID) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, ret)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uuid.UUID, actorID int64) (Return, error) {
		return h.service.Approve(r.Context(), id, actorID)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	note := r.URL.Query().Get("note")
	h.transition(w, r, func(id uuid.UUID, actorID int64) (Return, error) {
		return h.service.Reject(r.Context(), id, actorID, note)
	})
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uuid.UUID, actorID int64) (Return, error) {
		return h.service.Process(r.Context(), id, actorID)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID, int64) (Return, error)) {
	id, ok := h.returnID(w, r)
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
	if !identity.HasHub(target.HubID) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	ret, err := fn(id, identity.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ret)
}

func (h *Handler) returnID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid return id")
		return uuid.Nil, false
	}
	return id, true
}
