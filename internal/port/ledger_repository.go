package port

import (
	"context"
	"time"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

type LedgerRepository interface {
	// Reserve atomically checks quantity >= intent.Quantity and decrements in one
	// conditional update. A repeated OperationID returns the stored result.
	Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error)

	// Restore increments the row, idempotent by OperationID. A release whose
	// reservation never applied is recorded as voided and restores nothing.
	Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error)

	// Adjust applies an administrative delta without idempotency protection.
	Adjust(ctx context.Context, storeID, productID string, delta int) (domain.StockRecord, error)

	// Provision creates or resets a record to quantity.
	Provision(ctx context.Context, storeID, productID string, quantity int) (domain.StockRecord, error)

	GetStock(ctx context.Context, storeID, productID string) (domain.StockRecord, error)

	// FindLowStock returns records with quantity <= threshold.
	FindLowStock(ctx context.Context, threshold int) ([]domain.StockRecord, error)

	// PurgeOperations drops idempotency entries created before cutoff.
	PurgeOperations(ctx context.Context, cutoff time.Time) (int64, error)
}
