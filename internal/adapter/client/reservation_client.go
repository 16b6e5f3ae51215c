package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/core/domain"
	"github.com/rl1809/retail-stock/internal/observability"
)

var tracer = otel.Tracer("github.com/rl1809/retail-stock/internal/adapter/client")

// Transport performs one remote ledger call. It returns domain business
// errors for declines and anything else for failures worth retrying.
type Transport interface {
	Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error)
	Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error)
	Name() string
}

type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	exp.MaxElapsedTime = 0 // bounded by attempts and the call timeout
	exp.Reset()
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

type Options struct {
	Retry RetryPolicy
	// CallTimeout bounds a call including every retry. Once it expires the
	// call has failed, even though the ledger may still apply it.
	CallTimeout time.Duration
	// AttemptTimeout bounds a single try. Zero leaves only CallTimeout.
	AttemptTimeout time.Duration
}

// ReservationClient calls the remote ledger with retries on transient
// failures. Declines are final and never retried. Every retry reuses the
// intent's operationId, so the ledger applies it at most once.
type ReservationClient struct {
	transport Transport
	opts      Options
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func NewReservationClient(transport Transport, opts Options, logger *zap.Logger, metrics *observability.Metrics) *ReservationClient {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationClient{transport: transport, opts: opts, logger: logger, metrics: metrics}
}

func (c *ReservationClient) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	if intent.Kind == "" {
		intent.Kind = domain.IntentReserve
	}
	return c.call(ctx, intent, c.transport.Reserve)
}

func (c *ReservationClient) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	if intent.Kind == "" {
		intent.Kind = domain.IntentRestore
	}
	return c.call(ctx, intent, c.transport.Restore)
}

type callFunc func(context.Context, domain.ReservationIntent) (domain.MutationResult, error)

func (c *ReservationClient) call(ctx context.Context, intent domain.ReservationIntent, fn callFunc) (domain.MutationResult, error) {
	if err := intent.Validate(); err != nil {
		return domain.MutationResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "ledger."+string(intent.Kind), trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ledger.operation_id", intent.OperationID),
			attribute.String("ledger.transport", c.transport.Name()),
			attribute.String("store.id", intent.StoreID),
			attribute.String("product.id", intent.ProductID),
			attribute.Int("quantity", intent.Quantity),
		))
	defer span.End()

	log := c.logger.With(
		zap.String("operation_id", intent.OperationID),
		zap.String("kind", string(intent.Kind)),
		zap.String("store_id", intent.StoreID),
		zap.String("product_id", intent.ProductID),
	)

	var (
		result   domain.MutationResult
		attempts int
	)
	op := func() error {
		attempts++
		actx := ctx
		if c.opts.AttemptTimeout > 0 {
			var acancel context.CancelFunc
			actx, acancel = context.WithTimeout(ctx, c.opts.AttemptTimeout)
			defer acancel()
		}
		res, err := fn(actx, intent)
		if err == nil {
			result = res
			return nil
		}
		if domain.IsBusinessDecline(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("ledger call failed, retrying",
			zap.Int("attempt", attempts), zap.Duration("backoff", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(op, c.opts.Retry.backOff(ctx), notify)
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	switch {
	case err == nil:
		c.metrics.LedgerCall(string(intent.Kind), "ok")
		return result, nil
	case domain.IsBusinessDecline(err):
		c.metrics.LedgerCall(string(intent.Kind), "declined")
		span.SetStatus(codes.Error, "declined")
		return domain.MutationResult{}, err
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("call timeout %s exceeded: %w", c.opts.CallTimeout, err)
	}
	c.metrics.LedgerCall(string(intent.Kind), "failed")
	span.RecordError(err)
	span.SetStatus(codes.Error, "ledger call failed")
	log.Warn("ledger call failed", zap.Int("attempts", attempts), zap.Error(err))
	return domain.MutationResult{}, &domain.TransientError{Attempts: attempts, Err: err}
}
