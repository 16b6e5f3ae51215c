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
	"google.golang.org/grpc"

	"github.com/rl1809/retail-stock/internal/adapter/handler"
	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/config"
	"github.com/rl1809/retail-stock/internal/core/service"
)

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Run the stock ledger (HTTP and gRPC) with the idempotency janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLedger(ctx)
		},
	}
}

func runLedger(ctx context.Context) error {
	a, err := newApp(ctx, "ledger")
	if err != nil {
		return err
	}
	defer a.close()

	repo, err := a.ledgerRepository(ctx)
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
	ledger := service.NewLedgerService(repo, invalidator, a.logger, a.metrics)

	if !a.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := handler.NewEngine(config.ServiceName+"-ledger", a.logger, a.registry)
	handler.NewLedgerHTTPHandler(ledger, a.logger).Register(engine,
		handler.CacheReads(cache, a.cfg.Cache.TTL, a.logger))

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryLogger(a.logger)))
	wire.RegisterLedgerServer(grpcServer, handler.NewLedgerGRPCServer(ledger))

	a.logger.Info("ledger starting",
		zap.String("store", a.cfg.Ledger.Store),
		zap.Duration("retention", a.cfg.Ledger.Retention))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, a.logger, &http.Server{Addr: a.cfg.Ledger.HTTPAddr, Handler: engine})
	})
	g.Go(func() error {
		return serveGRPC(gctx, a.logger, grpcServer, a.cfg.Ledger.GRPCAddr)
	})
	g.Go(func() error {
		return ledger.RunJanitor(gctx, a.cfg.Ledger.PurgeInterval, a.cfg.Ledger.Retention)
	})
	return g.Wait()
}
