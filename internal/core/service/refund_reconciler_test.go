package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// soldFixture creates sale "sale-1" for 2×P1 at 30 and 1×P2 at 40 out of 5 of each.
func soldFixture(t *testing.T) (*salesFixture, *RefundReconciler) {
	t.Helper()
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 5)
	_, err := NewSaleCoordinator(f.deps).CreateSale(context.Background(), saleRequest("sale-1"))
	require.NoError(t, err)
	return f, NewRefundReconciler(f.deps)
}

func TestCreateRefund_FullRefund(t *testing.T) {
	f, reconciler := soldFixture(t)

	res, err := reconciler.CreateRefund(context.Background(), RefundRequest{
		SaleID: "sale-1",
		Reason: "damaged",
		Lines:  []RefundLine{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RefundCompleted, res.Refund.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(res.Refund.Total))
	assert.Equal(t, "U1", res.Refund.UserID)
	assert.Equal(t, domain.SaleStatusRefunded, res.Sale.Status)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))
	assert.Contains(t, f.cache.dropped(), "api:/refunds")
}

func TestCreateRefund_PartialThenRest(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()

	res, err := reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P2", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(res.Refund.Total))
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, res.Sale.Status)

	res, err = reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(60).Equal(res.Refund.Total))
	assert.Equal(t, domain.SaleStatusRefunded, res.Sale.Status)

	refunds, err := reconciler.ListRefunds(ctx, "sale-1")
	require.NoError(t, err)
	assert.Len(t, refunds, 2)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))

	_, err = reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P1", Quantity: 1}},
	})
	require.ErrorIs(t, err, domain.ErrNotRefundable)
}

func TestCreateRefund_OverRefund(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()

	_, err := reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P1", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P1", Quantity: 2}},
	})
	require.ErrorIs(t, err, domain.ErrOverRefund)
	assert.Equal(t, 4, f.quantity(t, "S1", "P1"))
}

func TestCreateRefund_Rejections(t *testing.T) {
	_, reconciler := soldFixture(t)
	ctx := context.Background()

	_, err := reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "missing", Lines: []RefundLine{{ProductID: "P1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P9", Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = reconciler.CreateRefund(ctx, RefundRequest{SaleID: "sale-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P1", Quantity: 0}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = reconciler.CancelSale(ctx, "sale-1")
	require.NoError(t, err)
	_, err = reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrNotRefundable)
}

func TestCreateRefund_ConcurrentRefundsStayWithinSale(t *testing.T) {
	f, reconciler := soldFixture(t)

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reconciler.CreateRefund(context.Background(), RefundRequest{
				RefundID: fmt.Sprintf("refund-%d", i),
				SaleID:   "sale-1",
				Lines:    []RefundLine{{ProductID: "P1", Quantity: 1}},
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrOverRefund)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), succeeded.Load())
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))

	refunds, err := reconciler.ListRefunds(context.Background(), "sale-1")
	require.NoError(t, err)
	assert.True(t, domain.SumRefunds(refunds).Equal(decimal.NewFromInt(60)))
}

func TestCreateRefund_ResumesAfterRestorationFailure(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()
	req := RefundRequest{
		RefundID: "refund-r",
		SaleID:   "sale-1",
		Lines:    []RefundLine{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: 1}},
	}

	f.reserver.failRestore("P1", &domain.TransientError{Attempts: 3, Err: errConnReset})
	_, err := reconciler.CreateRefund(ctx, req)
	require.ErrorIs(t, err, domain.ErrRestorationFailed)

	var restoreErr *domain.RestorationError
	require.True(t, errors.As(err, &restoreErr))
	require.Len(t, restoreErr.Pending, 1)
	assert.Equal(t, "P1", restoreErr.Pending[0].ProductID)

	alerts := f.alerts.published()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertRestorationFailed, alerts[0].Kind)
	assert.Equal(t, "refund-r", alerts[0].SourceID)

	// P2 came back, P1 did not, and the sale is unchanged until the refund completes
	assert.Equal(t, 3, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))
	pending, err := f.sales.GetRefund(ctx, "refund-r")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundPending, pending.Status)
	sale, err := f.sales.GetSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusActive, sale.Status)

	f.reserver.failRestore("P1", nil)
	res, err := reconciler.CreateRefund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, res.Refund.Status)
	assert.Equal(t, domain.SaleStatusRefunded, res.Sale.Status)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))

	// a further retry answers from the completed refund
	restores := len(f.reserver.restoresOf(domain.IntentRestore))
	again, err := reconciler.CreateRefund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.Refund.ID, again.Refund.ID)
	assert.Len(t, f.reserver.restoresOf(domain.IntentRestore), restores)
}

func TestCreateRefund_RefundIDBoundToSale(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()
	_, err := NewSaleCoordinator(f.deps).CreateSale(ctx, CreateSaleRequest{
		SaleID: "sale-2", StoreID: "S1", UserID: "U1",
		Lines: []domain.Line{{ProductID: "P1", Quantity: 1, UnitPrice: decimal.NewFromInt(30)}},
	})
	require.NoError(t, err)

	_, err = reconciler.CreateRefund(ctx, RefundRequest{
		RefundID: "refund-x", SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P1", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = reconciler.CreateRefund(ctx, RefundRequest{
		RefundID: "refund-x", SaleID: "sale-2", Lines: []RefundLine{{ProductID: "P1", Quantity: 1}},
	})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancelSale(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()

	sale, err := reconciler.CancelSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, sale.Status)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))

	again, err := reconciler.CancelSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, again.Status)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))

	_, err = reconciler.CancelSale(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelSale_RefusedOnceRefunded(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()

	_, err := reconciler.CreateRefund(ctx, RefundRequest{
		SaleID: "sale-1", Lines: []RefundLine{{ProductID: "P2", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = reconciler.CancelSale(ctx, "sale-1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 3, f.quantity(t, "S1", "P1"))
}

func TestCancelSale_ResumesPendingRestores(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()

	f.reserver.failRestore("P2", errConnReset)
	_, err := reconciler.CancelSale(ctx, "sale-1")
	require.ErrorIs(t, err, domain.ErrRestorationFailed)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 4, f.quantity(t, "S1", "P2"))

	f.reserver.failRestore("P2", nil)
	_, err = reconciler.CancelSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))
}

func TestCancelSale_RefusedWhileRefundPending(t *testing.T) {
	f, reconciler := soldFixture(t)
	ctx := context.Background()
	req := RefundRequest{
		RefundID: "refund-p",
		SaleID:   "sale-1",
		Lines:    []RefundLine{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: 1}},
	}

	f.reserver.failRestore("P2", errConnReset)
	_, err := reconciler.CreateRefund(ctx, req)
	require.ErrorIs(t, err, domain.ErrRestorationFailed)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 4, f.quantity(t, "S1", "P2"))

	// the pending refund already owns the sold stock
	f.reserver.failRestore("P2", nil)
	_, err = reconciler.CancelSale(ctx, "sale-1")
	require.ErrorIs(t, err, domain.ErrConflict)
	sale, err := f.sales.GetSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusActive, sale.Status)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 4, f.quantity(t, "S1", "P2"))

	res, err := reconciler.CreateRefund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusRefunded, res.Sale.Status)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))
}

func TestListRefunds_UnknownSale(t *testing.T) {
	_, reconciler := soldFixture(t)
	_, err := reconciler.ListRefunds(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "ok", outcomeLabel(nil))
	assert.Equal(t, "restoration_failed", outcomeLabel(&domain.RestorationError{}))
	assert.Equal(t, "over_refund", outcomeLabel(domain.ErrOverRefund))
	assert.Equal(t, "rejected", outcomeLabel(domain.ErrConflict))
	assert.Equal(t, "error", outcomeLabel(errors.New("boom")))
}
