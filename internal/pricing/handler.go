package pricing

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fieldline-erp/fieldline/internal/platform/httpx"
)

// Handler exposes price list administration endpoints.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers price list routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/default", h.getDefault)
	r.Get("/{id}", h.getList)
	r.Post("/{id}/default", h.setDefault)
}

func (h *Handler) listID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid price list id")
		return 0, false
	}
	return id, true
}

func (h *Handler) getList(w http.ResponseWriter, r *http.Request) {
	id, ok := h.listID(w, r)
	if !ok {
		return
	}
	list, err := h.repo.GetPriceList(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) getDefault(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.GetDefaultPriceList(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) setDefault(w http.ResponseWriter, r *http.Request) {
	id, ok := h.listID(w, r)
	if !ok {
		return
	}
	if err := h.repo.SetDefaultPriceList(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "default price list changed", slog.Int64("price_list_id", id))
	list, err := h.repo.GetPriceList(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}
