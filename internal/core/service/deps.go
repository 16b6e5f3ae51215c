package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/core/domain"
	"github.com/rl1809/retail-stock/internal/observability"
	"github.com/rl1809/retail-stock/internal/port"
)

const defaultCompensationTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/rl1809/retail-stock/internal/core/service")

// SalesDeps is what the sale coordinator and the refund reconciler share.
type SalesDeps struct {
	Reserver    port.StockReserver
	Sales       port.SaleRepository
	Invalidator *Invalidator
	Alerts      port.AlertPublisher
	Logger      *zap.Logger
	Metrics     *observability.Metrics

	// CompensationTimeout bounds the releases that run after a sale attempt
	// failed, independent of the caller's deadline.
	CompensationTimeout time.Duration

	Now func() time.Time
}

func (d SalesDeps) withDefaults() SalesDeps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.CompensationTimeout <= 0 {
		d.CompensationTimeout = defaultCompensationTimeout
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// escalate reports a stock movement that could not be confirmed. These are
// never dropped: they are logged, counted and published for reconciliation.
func (d SalesDeps) escalate(ctx context.Context, kind domain.AlertKind, sourceID string, intent domain.ReservationIntent, cause error) {
	d.Logger.Error("stock movement unconfirmed, reconciliation required",
		zap.String("alert", string(kind)),
		zap.String("source_id", sourceID),
		zap.String("operation_id", intent.OperationID),
		zap.String("intent", string(intent.Kind)),
		zap.String("compensates", intent.Compensates),
		zap.String("store_id", intent.StoreID),
		zap.String("product_id", intent.ProductID),
		zap.Int("quantity", intent.Quantity),
		zap.Error(cause),
	)
	d.Metrics.CompensationFailed()
	if d.Alerts == nil {
		return
	}

	alert := domain.ReconciliationAlert{
		Kind:        kind,
		SourceID:    sourceID,
		OperationID: intent.OperationID,
		StoreID:     intent.StoreID,
		ProductID:   intent.ProductID,
		Quantity:    intent.Quantity,
		IntentKind:  intent.Kind,
		Error:       cause.Error(),
		At:          d.Now(),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.Alerts.Publish(pctx, alert); err != nil {
		d.Logger.Error("publish reconciliation alert failed",
			zap.String("source_id", sourceID), zap.String("operation_id", intent.OperationID), zap.Error(err))
	}
}

func (d SalesDeps) invalidate(ctx context.Context, m domain.MutationKind) {
	if err := d.Invalidator.AfterMutation(ctx, m); err != nil {
		d.Logger.Warn("cached views may be stale until TTL", zap.String("mutation", string(m)), zap.Error(err))
	}
}
