package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fieldline-erp/fieldline/internal/platform/httpx"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Handler exposes stock endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// HubStock handles GET /hubs/{id}/stock.
func (h *Handler) HubStock(w http.ResponseWriter, r *http.Request) {
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
	records, err := h.service.HubStock(r.Context(), hubID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"hub_id": hubID, "records": records})
}

type adjustRequest struct {
	HubID     int64      `json:"hub_id" validate:"required,gt=0"`
	ProductID int64      `json:"product_id" validate:"required,gt=0"`
	BatchID   int64      `json:"batch_id" validate:"required,gt=0"`
	BatchCode string     `json:"batch_code"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Delta     int64      `json:"delta"`
	Reason    string     `json:"reason" validate:"required,oneof=INBOUND RETURN WRITE_OFF"`
	Note      string     `json:"note"`
}

// Adjust handles POST /stock/adjust for inbound receipts and write-offs.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil || !identity.HasHub(req.HubID) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	err := h.service.Adjust(r.Context(), AdjustInput{
		HubID:     req.HubID,
		ProductID: req.ProductID,
		BatchID:   req.BatchID,
		BatchCode: req.BatchCode,
		Expiry:    req.Expiry,
		Delta:     req.Delta,
		Reason:    MovementReason(req.Reason),
		RefModule: "stock",
		RefID:     req.Note,
		ActorID:   identity.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
