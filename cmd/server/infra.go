package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/rl1809/retail-stock/internal/adapter/client"
	"github.com/rl1809/retail-stock/internal/adapter/messaging"
	"github.com/rl1809/retail-stock/internal/adapter/storage"
	"github.com/rl1809/retail-stock/internal/config"
	"github.com/rl1809/retail-stock/internal/observability"
	"github.com/rl1809/retail-stock/internal/port"
)

// app holds what every subcommand builds first.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	rdb      *redis.Client
	closers  []func() error
}

func newApp(ctx context.Context, component string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("component", component))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{cfg: cfg, logger: logger, registry: reg, metrics: observability.NewMetrics(reg)}

	tp, err := observability.InitTracerProvider(ctx, cfg.Telemetry.ServiceName+"-"+component, config.ServiceVersion, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(sctx)
	})
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *app) openMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.logger.Info("connected to mysql")
	return db, nil
}

func (a *app) openRedis(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Cache.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.rdb = rdb
	a.closers = append(a.closers, rdb.Close)
	a.logger.Info("connected to redis", zap.String("addr", a.cfg.Cache.RedisAddr))
	return rdb, nil
}

// cache returns the shared read cache: Redis when configured, otherwise
// process memory.
func (a *app) cache(ctx context.Context) (port.CacheRepository, error) {
	if a.cfg.Cache.RedisAddr == "" {
		return storage.NewMemoryCache(), nil
	}
	rdb, err := a.openRedis(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewRedisCache(rdb), nil
}

func (a *app) ledgerRepository(ctx context.Context) (port.LedgerRepository, error) {
	switch a.cfg.Ledger.Store {
	case config.StoreMySQL:
		db, err := a.openMySQL(ctx, a.cfg.Ledger.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return storage.NewSQLLedger(db, storage.MySQLDialect), nil
	case config.StoreRedis:
		rdb, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisLedger(rdb, a.cfg.Ledger.Retention), nil
	}
	return storage.NewMemoryLedger(), nil
}

func (a *app) openGorm(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqlDB.Close)
	return db, nil
}

func (a *app) saleRepository() (port.SaleRepository, error) {
	if a.cfg.Sales.MySQLDSN == "" {
		a.logger.Warn("sales.mysql_dsn not set, sales are kept in memory")
		return storage.NewMemorySaleRepository(), nil
	}
	db, err := a.openGorm(a.cfg.Sales.MySQLDSN)
	if err != nil {
		return nil, err
	}
	return storage.NewGormSaleRepository(db), nil
}

func (a *app) reservationClient() (*client.ReservationClient, error) {
	r := a.cfg.Reservation
	var transport client.Transport
	switch r.Transport {
	case config.TransportGRPC:
		conn, err := grpc.NewClient(r.GRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial ledger: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		transport = client.NewGRPCTransport(conn)
	default:
		t := client.NewHTTPTransport(r.LedgerURL)
		a.closers = append(a.closers, t.Close)
		transport = t
	}
	return client.NewReservationClient(transport, client.Options{
		Retry: client.RetryPolicy{
			MaxAttempts:     r.MaxAttempts,
			InitialInterval: r.InitialBackoff,
			MaxInterval:     r.MaxBackoff,
			Multiplier:      r.BackoffMultiple,
		},
		CallTimeout:    r.CallTimeout,
		AttemptTimeout: r.AttemptTimeout,
	}, a.logger, a.metrics), nil
}

func (a *app) alertPublisher() port.AlertPublisher {
	if len(a.cfg.Alerts.KafkaBrokers) == 0 {
		return messaging.NewLogAlertPublisher(a.logger)
	}
	p := messaging.NewKafkaAlertPublisher(a.cfg.Alerts.KafkaBrokers, a.cfg.Alerts.Topic, a.logger)
	a.closers = append(a.closers, p.Close)
	return p
}

func serveHTTP(ctx context.Context, logger *zap.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	logger.Info("HTTP server stopped")
	return err
}

func serveGRPC(ctx context.Context, logger *zap.Logger, srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", addr))
		errCh <- srv.Serve(lis)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	srv.GracefulStop()
	logger.Info("gRPC server stopped")
	return nil
}
