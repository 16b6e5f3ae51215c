package port

import (
	"context"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// StockReserver is the order side's view of the remote ledger.
type StockReserver interface {
	Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error)
	Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error)
}

type AlertPublisher interface {
	Publish(ctx context.Context, alert domain.ReconciliationAlert) error
}
