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

type CreateSaleRequest struct {
	// SaleID makes creation idempotent. Empty means a fresh id.
	SaleID  string
	StoreID string
	UserID  string
	Lines   []domain.Line
}

// SaleCoordinator creates sales as a saga over the remote ledger: every line
// is reserved in order, and the sale is persisted only once all of them are.
// Any failure releases what was taken, newest first.
type SaleCoordinator struct {
	deps SalesDeps
}

func NewSaleCoordinator(deps SalesDeps) *SaleCoordinator {
	return &SaleCoordinator{deps: deps.withDefaults()}
}

type saleSaga struct {
	saleID string
	state  domain.SagaState
	logger *zap.Logger
	span   trace.Span

	// taken holds every reservation that applied or may have applied.
	taken []domain.ReservationIntent
}

func (s *saleSaga) to(next domain.SagaState) {
	if !s.state.CanTransition(next) {
		s.logger.DPanic("invalid saga transition", zap.String("from", string(s.state)), zap.String("to", string(next)))
	}
	s.logger.Debug("saga transition", zap.String("from", string(s.state)), zap.String("to", string(next)))
	s.span.AddEvent(string(next))
	s.state = next
}

func (c *SaleCoordinator) CreateSale(ctx context.Context, req CreateSaleRequest) (*domain.Sale, error) {
	if req.StoreID == "" {
		return nil, fmt.Errorf("%w: storeId is required", domain.ErrInvalidRequest)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidRequest)
	}
	if err := domain.ValidateLines(req.Lines); err != nil {
		return nil, err
	}

	saleID := req.SaleID
	if saleID == "" {
		saleID = uuid.NewString()
	} else if existing, err := c.deps.Sales.GetSale(ctx, saleID); err == nil {
		return c.replayed(existing, req)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "SaleCoordinator.CreateSale", trace.WithAttributes(
		attribute.String("sale.id", saleID),
		attribute.String("store.id", req.StoreID),
		attribute.Int("sale.lines", len(req.Lines)),
	))
	defer span.End()

	saga := &saleSaga{
		saleID: saleID,
		state:  domain.SagaPending,
		logger: c.deps.Logger.With(zap.String("sale_id", saleID), zap.String("store_id", req.StoreID)),
		span:   span,
	}

	for i, line := range req.Lines {
		saga.to(domain.SagaReserving)
		intent := domain.ReservationIntent{
			OperationID: domain.OperationID(saleID, line.ProductID, domain.IntentReserve),
			StoreID:     req.StoreID,
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			Kind:        domain.IntentReserve,
		}
		res, err := c.deps.Reserver.Reserve(ctx, intent)
		if err != nil {
			if !domain.IsBusinessDecline(err) {
				// outcome unknown; a release either undoes it or voids it
				saga.taken = append(saga.taken, intent)
			}
			return nil, c.fail(ctx, saga, i, line.ProductID, err)
		}
		saga.taken = append(saga.taken, intent)
		saga.logger.Debug("line reserved",
			zap.Int("line", i), zap.String("product_id", line.ProductID),
			zap.Int("remaining", res.Quantity), zap.Bool("replayed", res.Replayed))
	}
	saga.to(domain.SagaAllReserved)

	sale := &domain.Sale{
		ID:      saleID,
		Date:    c.deps.Now(),
		Total:   domain.LinesTotal(req.Lines),
		Status:  domain.SaleStatusActive,
		StoreID: req.StoreID,
		UserID:  req.UserID,
		Lines:   req.Lines,
	}
	if err := c.deps.Sales.CreateSale(ctx, sale); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// a concurrent attempt with the same id persisted first and owns
			// the reservations this attempt replayed
			if existing, gerr := c.deps.Sales.GetSale(context.WithoutCancel(ctx), saleID); gerr == nil {
				saga.to(domain.SagaPersisted)
				c.deps.Metrics.SagaOutcome("replayed")
				return c.replayed(existing, req)
			}
		}
		return nil, c.fail(ctx, saga, -1, "", fmt.Errorf("persist sale: %w", err))
	}
	saga.to(domain.SagaPersisted)

	c.deps.invalidate(ctx, domain.MutationSale)
	c.deps.Metrics.SagaOutcome(string(domain.SagaPersisted))
	saga.logger.Info("sale created", zap.String("total", sale.Total.StringFixed(2)), zap.Int("lines", len(sale.Lines)))
	return sale, nil
}

func (c *SaleCoordinator) replayed(existing *domain.Sale, req CreateSaleRequest) (*domain.Sale, error) {
	if existing.StoreID != req.StoreID || !domain.LinesTotal(req.Lines).Equal(existing.Total) || len(existing.Lines) != len(req.Lines) {
		return nil, fmt.Errorf("%w: sale %s already exists with different contents", domain.ErrConflict, existing.ID)
	}
	return existing, nil
}

// fail releases every reservation the saga took, in reverse, and reports the
// outcome. It does not return before all releases were attempted.
func (c *SaleCoordinator) fail(ctx context.Context, saga *saleSaga, line int, productID string, cause error) error {
	saga.to(domain.SagaLineFailed)
	saga.span.RecordError(cause)
	saga.logger.Warn("sale attempt failed, compensating",
		zap.Int("line", line), zap.String("product_id", productID),
		zap.Int("reservations", len(saga.taken)), zap.Error(cause))

	saga.to(domain.SagaCompensating)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deps.CompensationTimeout)
	defer cancel()

	sagaErr := &domain.SagaError{
		SaleID:      saga.saleID,
		FailedLine:  line,
		ProductID:   productID,
		Cause:       cause,
		Compensated: true,
	}
	for i := len(saga.taken) - 1; i >= 0; i-- {
		reserved := saga.taken[i]
		release := domain.ReservationIntent{
			OperationID: domain.OperationID(saga.saleID, reserved.ProductID, domain.IntentRelease),
			StoreID:     reserved.StoreID,
			ProductID:   reserved.ProductID,
			Quantity:    reserved.Quantity,
			Kind:        domain.IntentRelease,
			Compensates: reserved.OperationID,
		}
		res, err := c.deps.Reserver.Restore(cctx, release)
		if err != nil {
			sagaErr.Compensated = false
			sagaErr.Failures = append(sagaErr.Failures, domain.CompensationFailure{
				OperationID: release.OperationID,
				StoreID:     release.StoreID,
				ProductID:   release.ProductID,
				Quantity:    release.Quantity,
				Err:         err,
			})
			c.deps.escalate(cctx, domain.AlertCompensationFailed, saga.saleID, release, err)
			continue
		}
		saga.logger.Debug("reservation released",
			zap.String("product_id", release.ProductID), zap.Bool("voided", res.Voided), zap.Bool("replayed", res.Replayed))
	}
	saga.to(domain.SagaFailed)

	if len(saga.taken) > 0 {
		c.deps.invalidate(cctx, domain.MutationStock)
	}
	outcome := "compensated"
	if !sagaErr.Compensated {
		outcome = "compensation_failed"
		saga.span.SetStatus(codes.Error, "compensation failed")
	} else {
		saga.span.SetStatus(codes.Error, "sale failed")
	}
	c.deps.Metrics.SagaOutcome(outcome)
	return sagaErr
}

func (c *SaleCoordinator) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return c.deps.Sales.GetSale(ctx, id)
}
