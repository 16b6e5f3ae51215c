package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/retail-stock/internal/adapter/handler"
	"github.com/rl1809/retail-stock/internal/config"
	"github.com/rl1809/retail-stock/internal/core/service"
)

func salesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sales",
		Short: "Run the sales service (sale saga, refunds, cancellations)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSales(ctx)
		},
	}
}

func runSales(ctx context.Context) error {
	a, err := newApp(ctx, "sales")
	if err != nil {
		return err
	}
	defer a.close()

	sales, err := a.saleRepository()
	if err != nil {
		return err
	}
	cache, err := a.cache(ctx)
	if err != nil {
		return err
	}
	invalidator, err := service.NewInvalidator(cache, a.logger, a.metrics)
	if err != nil {
		return err
	}
	reserver, err := a.reservationClient()
	if err != nil {
		return err
	}

	deps := service.SalesDeps{
		Reserver:            reserver,
		Sales:               sales,
		Invalidator:         invalidator,
		Alerts:              a.alertPublisher(),
		Logger:              a.logger,
		Metrics:             a.metrics,
		CompensationTimeout: a.cfg.Sales.CompensationTimeout,
	}

	if !a.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := handler.NewEngine(config.ServiceName+"-sales", a.logger, a.registry)
	handler.NewSalesHTTPHandler(service.NewSaleCoordinator(deps), service.NewRefundReconciler(deps), a.logger).
		Register(engine, handler.CacheReads(cache, a.cfg.Cache.TTL, a.logger))

	a.logger.Info("sales starting",
		zap.String("ledger_transport", a.cfg.Reservation.Transport),
		zap.Int("max_attempts", a.cfg.Reservation.MaxAttempts))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, a.logger, &http.Server{Addr: a.cfg.Sales.HTTPAddr, Handler: engine})
	})
	return g.Wait()
}
