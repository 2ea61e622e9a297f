package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/catalog"
	deliveryorders "github.com/meridian-erp/meridian-erp/internal/delivery/orders"
	"github.com/meridian-erp/meridian-erp/internal/invoicing"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/locations"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
)

// RouterParams aggregates everything the HTTP router mounts.
type RouterParams struct {
	Logger    *slog.Logger
	Config    *Config
	Metrics   *observability.Metrics
	Ledger    *ledger.Handler
	Sales     *salesorders.Handler
	Delivery  *deliveryorders.Handler
	Invoicing *invoicing.Handler
	Catalog   *catalog.Handler
	Locations *locations.Handler
}

// NewRouter assembles the chi router with the full middleware stack and all
// module routes under /api/v1.
func NewRouter(p RouterParams) chi.Router {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  p.Logger,
		Config:  p.Config,
		Metrics: p.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/ledger", p.Ledger.MountRoutes)
		api.Route("/sales-orders", p.Sales.MountRoutes)
		api.Route("/deliveries", p.Delivery.MountRoutes)
		api.Route("/invoices", p.Invoicing.MountRoutes)
		if p.Catalog != nil {
			api.Route("/catalog", p.Catalog.MountRoutes)
		}
		if p.Locations != nil {
			api.Route("/locations", p.Locations.MountRoutes)
		}
	})

	return r
}
