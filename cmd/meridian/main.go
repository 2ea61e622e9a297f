// Command meridian runs the HTTP API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/customers"
	deliveryorders "github.com/meridian-erp/meridian-erp/internal/delivery/orders"
	"github.com/meridian-erp/meridian-erp/internal/invoicing"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/locations"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/users"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	audit := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)

	catalogRepo := catalog.NewRepository(pool)
	locationRepo := locations.NewRepository(pool)
	userRepo := users.NewRepository(pool)
	customerRepo := customers.NewRepository(pool)

	ledgerService := ledger.NewService(
		ledger.NewRepository(pool),
		catalogRepo, locationRepo, userRepo,
		audit, idempotency, metrics,
		ledger.ServiceConfig{AllowNegativeStock: cfg.AllowNegativeStock},
		logger,
	)
	salesService := salesorders.NewService(
		salesorders.NewRepository(pool),
		customerRepo, catalogRepo, locationRepo,
		audit, metrics, logger,
	)
	deliveryService := deliveryorders.NewService(
		deliveryorders.NewRepository(pool),
		audit, metrics, logger,
	)
	invoiceService := invoicing.NewService(
		invoicing.NewRepository(pool),
		audit, metrics,
		invoicing.ServiceConfig{InvoiceAgainstShipped: cfg.InvoiceAgainstShipped},
		logger,
	)

	router := app.NewRouter(app.RouterParams{
		Logger:    logger,
		Config:    cfg,
		Metrics:   metrics,
		Ledger:    ledger.NewHandler(logger, ledgerService),
		Sales:     salesorders.NewHandler(logger, salesService),
		Delivery:  deliveryorders.NewHandler(logger, deliveryService),
		Invoicing: invoicing.NewHandler(logger, invoiceService),
		Catalog:   catalog.NewHandler(catalogRepo),
		Locations: locations.NewHandler(locationRepo),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
