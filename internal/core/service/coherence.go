package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/core/domain"
	"github.com/rl1809/retail-stock/internal/observability"
	"github.com/rl1809/retail-stock/internal/port"
)

// Invalidator drops cached read views after a mutation has committed. It
// never runs before the write it follows.
type Invalidator struct {
	cache   port.CacheRepository
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewInvalidator fails when the mutation-to-prefix tables are inconsistent.
// A nil cache yields an Invalidator that does nothing.
func NewInvalidator(cache port.CacheRepository, logger *zap.Logger, metrics *observability.Metrics) (*Invalidator, error) {
	if err := domain.ValidateCacheMapping(); err != nil {
		return nil, fmt.Errorf("cache mapping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{cache: cache, logger: logger, metrics: metrics}, nil
}

// Invalidate deletes every entry under the prefixes of kinds and of the kinds
// they imply. All prefixes are attempted; errors are joined.
func (i *Invalidator) Invalidate(ctx context.Context, kinds ...domain.ResourceKind) error {
	if i == nil || i.cache == nil {
		return nil
	}
	var errs []error
	for _, prefix := range domain.CachePrefixes(kinds...) {
		n, err := i.cache.DeleteByPrefix(ctx, prefix)
		if err != nil {
			i.logger.Warn("cache invalidation failed", zap.String("prefix", prefix), zap.Error(err))
			errs = append(errs, fmt.Errorf("invalidate %s: %w", prefix, err))
			continue
		}
		i.metrics.CacheInvalidated(prefix, n)
		i.logger.Debug("cache invalidated", zap.String("prefix", prefix), zap.Int64("keys", n))
	}
	return errors.Join(errs...)
}

func (i *Invalidator) AfterMutation(ctx context.Context, m domain.MutationKind) error {
	return i.Invalidate(ctx, domain.ResourcesFor(m)...)
}
