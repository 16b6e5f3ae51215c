package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/retail-stock/internal/adapter/storage"
	"github.com/rl1809/retail-stock/internal/core/domain"
)

var errConnReset = errors.New("connection reset by peer")

// flakyReserver sits in front of a real ledger and injects failures per
// product. A lost response applies the mutation but reports a transport error.
type flakyReserver struct {
	ledger *storage.MemoryLedger

	mu           sync.Mutex
	reserveErr   map[string]error
	restoreErr   map[string]error
	lostResponse map[string]bool
	reserves     []domain.ReservationIntent
	restores     []domain.ReservationIntent
}

func newFlakyReserver(ledger *storage.MemoryLedger) *flakyReserver {
	return &flakyReserver{
		ledger:       ledger,
		reserveErr:   make(map[string]error),
		restoreErr:   make(map[string]error),
		lostResponse: make(map[string]bool),
	}
}

func (f *flakyReserver) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	f.mu.Lock()
	f.reserves = append(f.reserves, intent)
	err, lost := f.reserveErr[intent.ProductID], f.lostResponse[intent.ProductID]
	f.mu.Unlock()

	if err != nil {
		return domain.MutationResult{}, err
	}
	res, err := f.ledger.Reserve(ctx, intent)
	if err == nil && lost {
		return domain.MutationResult{}, &domain.TransientError{Attempts: 3, Err: errConnReset}
	}
	return res, err
}

func (f *flakyReserver) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	f.mu.Lock()
	f.restores = append(f.restores, intent)
	err := f.restoreErr[intent.ProductID]
	f.mu.Unlock()

	if err != nil {
		return domain.MutationResult{}, err
	}
	return f.ledger.Restore(ctx, intent)
}

func (f *flakyReserver) failRestore(productID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.restoreErr, productID)
		return
	}
	f.restoreErr[productID] = err
}

func (f *flakyReserver) restoresOf(kind domain.IntentKind) []domain.ReservationIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ReservationIntent
	for _, r := range f.restores {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []domain.ReconciliationAlert
	err    error
}

func (r *recordingAlerts) Publish(ctx context.Context, alert domain.ReconciliationAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordingAlerts) published() []domain.ReconciliationAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ReconciliationAlert(nil), r.alerts...)
}

// recordingCache remembers which prefixes were dropped.
type recordingCache struct {
	*storage.MemoryCache

	mu       sync.Mutex
	prefixes []string
	err      error
}

func newRecordingCache() *recordingCache {
	return &recordingCache{MemoryCache: storage.NewMemoryCache()}
}

func (c *recordingCache) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	c.mu.Lock()
	c.prefixes = append(c.prefixes, prefix)
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.MemoryCache.DeleteByPrefix(ctx, prefix)
}

func (c *recordingCache) dropped() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prefixes...)
}

type salesFixture struct {
	ledger   *storage.MemoryLedger
	reserver *flakyReserver
	sales    *storage.MemorySaleRepository
	cache    *recordingCache
	alerts   *recordingAlerts
	deps     SalesDeps
}

func newSalesFixture(t *testing.T) *salesFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ledger := storage.NewMemoryLedger()
	cache := newRecordingCache()
	invalidator, err := NewInvalidator(cache, logger, nil)
	require.NoError(t, err)

	f := &salesFixture{
		ledger:   ledger,
		reserver: newFlakyReserver(ledger),
		sales:    storage.NewMemorySaleRepository(),
		cache:    cache,
		alerts:   &recordingAlerts{},
	}
	f.deps = SalesDeps{
		Reserver:            f.reserver,
		Sales:               f.sales,
		Invalidator:         invalidator,
		Alerts:              f.alerts,
		Logger:              logger,
		CompensationTimeout: time.Second,
	}
	return f
}

func (f *salesFixture) stock(t *testing.T, store, product string, quantity int) {
	t.Helper()
	_, err := f.ledger.Provision(context.Background(), store, product, quantity)
	require.NoError(t, err)
}

func (f *salesFixture) quantity(t *testing.T, store, product string) int {
	t.Helper()
	rec, err := f.ledger.GetStock(context.Background(), store, product)
	require.NoError(t, err)
	return rec.Quantity
}
