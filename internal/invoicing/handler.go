package invoicing

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldline-erp/fieldline/internal/platform/httpx"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

// PDFRenderer renders an invoice as a PDF document.
type PDFRenderer interface {
	RenderInvoice(ctx context.Context, inv Invoice) ([]byte, error)
}

// Handler exposes invoice endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	pdf      PDFRenderer
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service, pdf PDFRenderer) *Handler {
	return &Handler{logger: logger, service: service, pdf: pdf, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.getInvoice)
	r.Get("/{id}/payments", h.listPayments)
	r.Post("/{id}/payments", h.recordPayment)
	r.Get("/{id}/pdf", h.downloadPDF)
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice id")
		return uuid.Nil, false
	}
	return id, true
}

// grantedInvoice loads the invoice and requires the caller to hold a grant
// for the hub that issued it.
func (h *Handler) grantedInvoice(w http.ResponseWriter, r *http.Request) (Invoice, bool) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return Invoice{}, false
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return Invoice{}, false
	}
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil || !identity.HasHub(inv.HubID) {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return Invoice{}, false
	}
	return inv, true
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.grantedInvoice(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.grantedInvoice(w, r)
	if !ok {
		return
	}
	payments, err := h.service.Payments(r.Context(), inv.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

type paymentRequest struct {
	Amount string `json:"amount" validate:"required"`
	Method string `json:"method" validate:"required,oneof=CASH KPAY WAVE BANK"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	target, ok := h.grantedInvoice(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid amount")
		return
	}
	var actorID int64
	if identity := shared.IdentityFromContext(r.Context()); identity != nil {
		actorID = identity.ActorID
	}
	inv, err := h.service.RecordPayment(r.Context(), target.ID, PaymentInput{
		Amount:  amount,
		Method:  req.Method,
		ActorID: actorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) downloadPDF(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.grantedInvoice(w, r)
	if !ok {
		return
	}
	if h.pdf == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "pdf rendering not configured")
		return
	}
	doc, err := h.pdf.RenderInvoice(r.Context(), inv)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "render invoice pdf", slog.String("number", inv.Number), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "pdf rendering failed")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename="+inv.Number+".pdf")
	_, _ = w.Write(doc)
}
