package fieldsync

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fieldline-erp/fieldline/internal/platform/httpx"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// Handler exposes the sync endpoint.
type Handler struct {
	logger     *slog.Logger
	reconciler *Reconciler
	validate   *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, reconciler *Reconciler) *Handler {
	return &Handler{
		logger:     logger,
		reconciler: reconciler,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers sync routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sync", h.syncOrders)
}

func (h *Handler) syncOrders(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
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
	if identity.DeviceID != "" && identity.DeviceID != req.DeviceID {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "device id does not match credentials")
		return
	}

	result, err := h.reconciler.Sync(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "sync batch failed",
			slog.String("device_id", req.DeviceID),
			slog.Int64("hub_id", req.HubID),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
