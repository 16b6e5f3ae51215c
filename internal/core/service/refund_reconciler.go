package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

type RefundLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type RefundRequest struct {
	// RefundID makes the refund resumable. Empty means a fresh id.
	RefundID string
	SaleID   string
	UserID   string
	Reason   string
	Lines    []RefundLine
}

type RefundResult struct {
	Refund *domain.Refund `json:"refund"`
	Sale   *domain.Sale   `json:"sale"`
}

// RefundReconciler returns sold stock to the ledger for refunds and
// cancellations. Restores are idempotent per (source, product), so a failed
// attempt is finished by retrying with the same id.
type RefundReconciler struct {
	deps SalesDeps
}

func NewRefundReconciler(deps SalesDeps) *RefundReconciler {
	return &RefundReconciler{deps: deps.withDefaults()}
}

func (r *RefundReconciler) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.SaleID == "" {
		return nil, fmt.Errorf("%w: saleId is required", domain.ErrInvalidRequest)
	}
	refundID := req.RefundID
	if refundID == "" {
		refundID = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "RefundReconciler.CreateRefund", trace.WithAttributes(
		attribute.String("sale.id", req.SaleID),
		attribute.String("refund.id", refundID),
	))
	defer span.End()

	result, err := r.createRefund(ctx, refundID, req)
	r.deps.Metrics.RefundOutcome("refund", outcomeLabel(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
	}
	return result, err
}

func (r *RefundReconciler) createRefund(ctx context.Context, refundID string, req RefundRequest) (*RefundResult, error) {
	sale, err := r.deps.Sales.GetSale(ctx, req.SaleID)
	if err != nil {
		return nil, err
	}

	if existing, err := r.deps.Sales.GetRefund(ctx, refundID); err == nil {
		return r.resume(ctx, sale, existing)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if !sale.Status.Refundable() {
		return nil, fmt.Errorf("%w: sale %s is %s", domain.ErrNotRefundable, sale.ID, sale.Status)
	}
	lines, err := priceRefundLines(sale, req.Lines)
	if err != nil {
		return nil, err
	}
	userID := req.UserID
	if userID == "" {
		userID = sale.UserID
	}
	refund := &domain.Refund{
		ID:      refundID,
		Date:    r.deps.Now(),
		Total:   domain.LinesTotal(lines),
		Reason:  req.Reason,
		SaleID:  sale.ID,
		StoreID: sale.StoreID,
		UserID:  userID,
		Lines:   lines,
	}

	if err := r.deps.Sales.ClaimRefund(ctx, refund); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// lost the claim to a retry of the same refund
			if existing, gerr := r.deps.Sales.GetRefund(ctx, refundID); gerr == nil {
				return r.resume(ctx, sale, existing)
			}
		}
		return nil, err
	}
	r.deps.Logger.Info("refund claimed",
		zap.String("refund_id", refund.ID), zap.String("sale_id", sale.ID),
		zap.String("total", refund.Total.StringFixed(2)))
	return r.finish(ctx, refund)
}

func (r *RefundReconciler) resume(ctx context.Context, sale *domain.Sale, existing *domain.Refund) (*RefundResult, error) {
	if existing.SaleID != sale.ID {
		return nil, fmt.Errorf("%w: refund %s belongs to sale %s", domain.ErrConflict, existing.ID, existing.SaleID)
	}
	if existing.Status == domain.RefundCompleted {
		return &RefundResult{Refund: existing, Sale: sale}, nil
	}
	r.deps.Logger.Info("resuming pending refund", zap.String("refund_id", existing.ID), zap.String("sale_id", sale.ID))
	return r.finish(ctx, existing)
}

func (r *RefundReconciler) finish(ctx context.Context, refund *domain.Refund) (*RefundResult, error) {
	if err := r.restoreLines(ctx, refund.ID, refund.StoreID, refund.Lines); err != nil {
		return nil, err
	}
	sale, err := r.deps.Sales.CompleteRefund(ctx, refund.ID)
	if err != nil {
		return nil, fmt.Errorf("complete refund %s: %w", refund.ID, err)
	}
	refund.Status = domain.RefundCompleted

	r.deps.invalidate(ctx, domain.MutationRefund)
	r.deps.Logger.Info("refund completed",
		zap.String("refund_id", refund.ID), zap.String("sale_id", sale.ID), zap.String("sale_status", string(sale.Status)))
	return &RefundResult{Refund: refund, Sale: sale}, nil
}

// CancelSale voids an active sale and gives all of its stock back. A sale with
// any refund claimed against it cannot be cancelled. Calling it again on a
// cancelled sale finishes any restores still pending.
func (r *RefundReconciler) CancelSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	ctx, span := tracer.Start(ctx, "RefundReconciler.CancelSale", trace.WithAttributes(attribute.String("sale.id", saleID)))
	defer span.End()

	sale, err := r.cancelSale(ctx, saleID)
	r.deps.Metrics.RefundOutcome("cancel", outcomeLabel(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
	}
	return sale, err
}

func (r *RefundReconciler) cancelSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := r.deps.Sales.TransitionSale(ctx, saleID,
		[]domain.SaleStatus{domain.SaleStatusActive}, domain.SaleStatusCancelled)
	if errors.Is(err, domain.ErrConflict) {
		current, gerr := r.deps.Sales.GetSale(ctx, saleID)
		if gerr != nil || current.Status != domain.SaleStatusCancelled {
			return nil, err
		}
		sale, err = current, nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.restoreLines(ctx, sale.ID, sale.StoreID, sale.Lines); err != nil {
		return nil, err
	}
	r.deps.invalidate(ctx, domain.MutationSale)
	r.deps.Logger.Info("sale cancelled", zap.String("sale_id", sale.ID))
	return sale, nil
}

func (r *RefundReconciler) ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	if _, err := r.deps.Sales.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return r.deps.Sales.ListRefunds(ctx, saleID)
}

// restoreLines restores every line not yet recorded for sourceID. All lines
// are attempted; the ones that failed are reported in a RestorationError.
func (r *RefundReconciler) restoreLines(ctx context.Context, sourceID, storeID string, lines []domain.Line) error {
	done, err := r.deps.Sales.Restorations(ctx, sourceID)
	if err != nil {
		return err
	}

	var pending []domain.CompensationFailure
	for _, line := range lines {
		if _, ok := done[line.ProductID]; ok {
			continue
		}
		intent := domain.ReservationIntent{
			OperationID: domain.OperationID(sourceID, line.ProductID, domain.IntentRestore),
			StoreID:     storeID,
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			Kind:        domain.IntentRestore,
		}
		res, err := r.deps.Reserver.Restore(ctx, intent)
		if err != nil {
			pending = append(pending, domain.CompensationFailure{
				OperationID: intent.OperationID,
				StoreID:     storeID,
				ProductID:   line.ProductID,
				Quantity:    line.Quantity,
				Err:         err,
			})
			r.deps.escalate(ctx, domain.AlertRestorationFailed, sourceID, intent, err)
			continue
		}
		if err := r.deps.Sales.RecordRestoration(ctx, sourceID, line.ProductID, intent.OperationID); err != nil {
			// the ledger replays this restore on the next attempt
			r.deps.Logger.Warn("record restoration failed",
				zap.String("source_id", sourceID), zap.String("operation_id", intent.OperationID), zap.Error(err))
		}
		r.deps.Logger.Debug("stock restored",
			zap.String("source_id", sourceID), zap.String("product_id", line.ProductID),
			zap.Int("quantity", res.Quantity), zap.Bool("replayed", res.Replayed))
	}
	if len(pending) > 0 {
		return &domain.RestorationError{SourceID: sourceID, Pending: pending}
	}
	return nil
}

// priceRefundLines takes unit prices from the sale so a refund can never be
// valued differently from what was charged.
func priceRefundLines(sale *domain.Sale, req []RefundLine) ([]domain.Line, error) {
	if len(req) == 0 {
		return nil, fmt.Errorf("%w: at least one refund line is required", domain.ErrInvalidRequest)
	}
	prices := make(map[string]domain.Line, len(sale.Lines))
	for _, l := range sale.Lines {
		prices[l.ProductID] = l
	}
	lines := make([]domain.Line, 0, len(req))
	for _, l := range req {
		sold, ok := prices[l.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s is not on sale %s", domain.ErrInvalidRequest, l.ProductID, sale.ID)
		}
		lines = append(lines, domain.Line{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: sold.UnitPrice})
	}
	if err := domain.ValidateLines(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrRestorationFailed):
		return "restoration_failed"
	case errors.Is(err, domain.ErrOverRefund):
		return "over_refund"
	case errors.Is(err, domain.ErrNotRefundable):
		return "not_refundable"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrConflict):
		return "rejected"
	}
	return "error"
}
