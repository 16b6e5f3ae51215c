package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/core/domain"
	"github.com/rl1809/retail-stock/internal/observability"
	"github.com/rl1809/retail-stock/internal/port"
)

// LedgerService is the stock ledger as exposed over HTTP and gRPC. The
// repository owns atomicity; this layer validates input and invalidates
// cached stock views once a mutation has committed.
type LedgerService struct {
	repo        port.LedgerRepository
	invalidator *Invalidator
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewLedgerService(repo port.LedgerRepository, invalidator *Invalidator, logger *zap.Logger, metrics *observability.Metrics) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{repo: repo, invalidator: invalidator, logger: logger, metrics: metrics}
}

func (s *LedgerService) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	if intent.Kind == "" {
		intent.Kind = domain.IntentReserve
	}
	if err := intent.Validate(); err != nil {
		return domain.MutationResult{}, err
	}
	if intent.Kind != domain.IntentReserve {
		return domain.MutationResult{}, fmt.Errorf("%w: reserve called with %s intent", domain.ErrInvalidRequest, intent.Kind)
	}
	res, err := s.repo.Reserve(ctx, intent)
	s.observe(ctx, intent, res, err)
	return res, err
}

func (s *LedgerService) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	if intent.Kind == "" {
		intent.Kind = domain.IntentRestore
		if intent.Compensates != "" {
			intent.Kind = domain.IntentRelease
		}
	}
	if err := intent.Validate(); err != nil {
		return domain.MutationResult{}, err
	}
	if intent.Kind.Decrements() {
		return domain.MutationResult{}, fmt.Errorf("%w: restore called with %s intent", domain.ErrInvalidRequest, intent.Kind)
	}
	res, err := s.repo.Restore(ctx, intent)
	s.observe(ctx, intent, res, err)
	return res, err
}

func (s *LedgerService) observe(ctx context.Context, intent domain.ReservationIntent, res domain.MutationResult, err error) {
	log := s.logger.With(
		zap.String("operation_id", intent.OperationID),
		zap.String("kind", string(intent.Kind)),
		zap.String("store_id", intent.StoreID),
		zap.String("product_id", intent.ProductID),
		zap.Int("quantity", intent.Quantity),
	)
	switch {
	case err != nil && domain.IsBusinessDecline(err):
		s.metrics.LedgerMutation(string(intent.Kind), "declined")
		log.Info("ledger mutation declined", zap.Error(err))
		return
	case err != nil:
		s.metrics.LedgerMutation(string(intent.Kind), "error")
		log.Error("ledger mutation failed", zap.Error(err))
		return
	case res.Replayed:
		s.metrics.LedgerMutation(string(intent.Kind), "replayed")
		log.Debug("ledger mutation replayed", zap.Int("result", res.Quantity))
		return
	case res.Voided:
		s.metrics.LedgerMutation(string(intent.Kind), "voided")
		log.Info("release voided reservation", zap.String("compensates", intent.Compensates))
		return
	}
	s.metrics.LedgerMutation(string(intent.Kind), "applied")
	log.Debug("ledger mutation applied", zap.Int("result", res.Quantity))
	s.invalidateStock(ctx)
}

func (s *LedgerService) invalidateStock(ctx context.Context) {
	if err := s.invalidator.AfterMutation(ctx, domain.MutationStock); err != nil {
		s.logger.Warn("stock views may be stale until TTL", zap.Error(err))
	}
}

func (s *LedgerService) Adjust(ctx context.Context, storeID, productID string, delta int) (domain.StockRecord, error) {
	if storeID == "" || productID == "" {
		return domain.StockRecord{}, fmt.Errorf("%w: storeId and productId are required", domain.ErrInvalidRequest)
	}
	if delta == 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: delta must not be zero", domain.ErrInvalidRequest)
	}
	rec, err := s.repo.Adjust(ctx, storeID, productID, delta)
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logger.Info("stock adjusted",
		zap.String("store_id", storeID), zap.String("product_id", productID),
		zap.Int("delta", delta), zap.Int("quantity", rec.Quantity))
	s.invalidateStock(ctx)
	return rec, nil
}

func (s *LedgerService) Provision(ctx context.Context, storeID, productID string, quantity int) (domain.StockRecord, error) {
	if storeID == "" || productID == "" {
		return domain.StockRecord{}, fmt.Errorf("%w: storeId and productId are required", domain.ErrInvalidRequest)
	}
	if quantity < 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest)
	}
	rec, err := s.repo.Provision(ctx, storeID, productID, quantity)
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logger.Info("stock provisioned",
		zap.String("store_id", storeID), zap.String("product_id", productID), zap.Int("quantity", quantity))
	s.invalidateStock(ctx)
	return rec, nil
}

func (s *LedgerService) GetStock(ctx context.Context, storeID, productID string) (domain.StockRecord, error) {
	return s.repo.GetStock(ctx, storeID, productID)
}

func (s *LedgerService) FindLowStock(ctx context.Context, threshold int) ([]domain.StockRecord, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must not be negative", domain.ErrInvalidRequest)
	}
	return s.repo.FindLowStock(ctx, threshold)
}

// RunJanitor purges idempotency entries older than retention every interval
// until ctx is cancelled.
func (s *LedgerService) RunJanitor(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx, retention)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.logger.Warn("purge idempotency records failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("purged idempotency records", zap.Int64("count", n))
			}
		}
	}
}

func (s *LedgerService) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.PurgeOperations(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	s.metrics.OperationsPurged(n)
	return n, nil
}
