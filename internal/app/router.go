package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldline-erp/fieldline/internal/authz"
	"github.com/fieldline-erp/fieldline/internal/fieldsync"
	"github.com/fieldline-erp/fieldline/internal/invoicing"
	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/observability"
	"github.com/fieldline-erp/fieldline/internal/pricing"
	"github.com/fieldline-erp/fieldline/internal/returns"
	"github.com/fieldline-erp/fieldline/internal/transfer"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger *slog.Logger
	Config *Config
	Pool   *pgxpool.Pool

	AuthService     *authz.Service
	StockHandler    *ledger.Handler
	SyncHandler     *fieldsync.Handler
	TransferHandler *transfer.Handler
	PricingHandler  *pricing.Handler
	InvoiceHandler  *invoicing.Handler
	ReturnsHandler  *returns.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Fieldline defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	// everything below requires device credentials
	r.Group(func(r chi.Router) {
		if params.AuthService != nil {
			r.Use(authz.Middleware(params.AuthService))
		}

		if params.SyncHandler != nil {
			r.Route("/orders", params.SyncHandler.MountRoutes)
		}
		if params.StockHandler != nil {
			r.Get("/hubs/{id}/stock", params.StockHandler.HubStock)
			r.Post("/stock/adjust", params.StockHandler.Adjust)
		}
		if params.TransferHandler != nil {
			r.Route("/transfers", params.TransferHandler.MountRoutes)
			r.Get("/hubs/{id}/transfers", params.TransferHandler.ListByHub)
		}
		if params.InvoiceHandler != nil {
			r.Route("/invoices", params.InvoiceHandler.MountRoutes)
		}
		if params.ReturnsHandler != nil {
			r.Route("/returns", params.ReturnsHandler.MountRoutes)
		}
		if params.PricingHandler != nil {
			r.Route("/price-lists", params.PricingHandler.MountRoutes)
		}
	})

	return r
}
