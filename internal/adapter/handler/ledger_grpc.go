package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/core/service"
)

// LedgerGRPCServer exposes the ledger over gRPC with the JSON codec.
type LedgerGRPCServer struct {
	ledger *service.LedgerService
}

func NewLedgerGRPCServer(ledger *service.LedgerService) *LedgerGRPCServer {
	return &LedgerGRPCServer{ledger: ledger}
}

func (s *LedgerGRPCServer) Reserve(ctx context.Context, req *wire.ReserveRequest) (*wire.ReserveResponse, error) {
	res, err := s.ledger.Reserve(ctx, req.Intent())
	if err != nil {
		return nil, wire.ToStatus(err)
	}
	return &wire.ReserveResponse{OperationID: res.OperationID, Remaining: res.Quantity, Replayed: res.Replayed}, nil
}

func (s *LedgerGRPCServer) Restore(ctx context.Context, req *wire.RestoreRequest) (*wire.RestoreResponse, error) {
	res, err := s.ledger.Restore(ctx, req.Intent())
	if err != nil {
		return nil, wire.ToStatus(err)
	}
	return &wire.RestoreResponse{
		OperationID: res.OperationID, Quantity: res.Quantity, Replayed: res.Replayed, Voided: res.Voided,
	}, nil
}

func (s *LedgerGRPCServer) FindLowStock(ctx context.Context, req *wire.LowStockRequest) (*wire.LowStockResponse, error) {
	records, err := s.ledger.FindLowStock(ctx, req.Threshold)
	if err != nil {
		return nil, wire.ToStatus(err)
	}
	return &wire.LowStockResponse{Records: records}, nil
}

// UnaryLogger logs every failed call.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Info("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}
