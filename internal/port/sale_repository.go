package port

import (
	"context"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// SaleRepository is the opaque sale/refund store.
type SaleRepository interface {
	// CreateSale fails with domain.ErrConflict when the id already exists.
	CreateSale(ctx context.Context, sale *domain.Sale) error
	GetSale(ctx context.Context, id string) (*domain.Sale, error)

	// TransitionSale moves the sale to `to` only if its current status is in from.
	// Cancelling fails with domain.ErrConflict once any refund, pending or
	// completed, has been claimed against the sale.
	TransitionSale(ctx context.Context, id string, from []domain.SaleStatus, to domain.SaleStatus) (*domain.Sale, error)

	ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error)
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)

	// ClaimRefund persists refund as pending after running domain.CheckRefund
	// under a lock on the sale, so concurrent claims cannot exceed the sale total.
	ClaimRefund(ctx context.Context, refund *domain.Refund) error

	// CompleteRefund marks the refund completed and recomputes the sale status
	// from every refund claimed against it.
	CompleteRefund(ctx context.Context, refundID string) (*domain.Sale, error)

	// RecordRestoration notes that the restore for (sourceID, productID) applied.
	RecordRestoration(ctx context.Context, sourceID, productID, operationID string) error
	Restorations(ctx context.Context, sourceID string) (map[string]string, error)
}
