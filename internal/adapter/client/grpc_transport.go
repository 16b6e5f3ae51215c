package client

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rl1809/retail-stock/internal/adapter/wire"
	"github.com/rl1809/retail-stock/internal/core/domain"
)

// GRPCTransport calls the ledger's gRPC service.
type GRPCTransport struct {
	ledger *wire.LedgerClient
}

func NewGRPCTransport(cc grpc.ClientConnInterface) *GRPCTransport {
	return &GRPCTransport{ledger: wire.NewLedgerClient(cc)}
}

func (t *GRPCTransport) Name() string { return "grpc" }

func (t *GRPCTransport) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	req := wire.NewReserveRequest(intent)
	out, err := t.ledger.Reserve(ctx, &req)
	if err != nil {
		mapped, _ := wire.FromStatus(err)
		return domain.MutationResult{}, mapped
	}
	return domain.MutationResult{OperationID: out.OperationID, Quantity: out.Remaining, Replayed: out.Replayed}, nil
}

func (t *GRPCTransport) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	req := wire.NewRestoreRequest(intent)
	out, err := t.ledger.Restore(ctx, &req)
	if err != nil {
		mapped, _ := wire.FromStatus(err)
		return domain.MutationResult{}, mapped
	}
	return domain.MutationResult{
		OperationID: out.OperationID, Quantity: out.Quantity, Replayed: out.Replayed, Voided: out.Voided,
	}, nil
}
