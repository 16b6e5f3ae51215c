package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/retail-stock/internal/adapter/storage"
	"github.com/rl1809/retail-stock/internal/core/domain"
	"github.com/rl1809/retail-stock/internal/observability"
)

func saleLines() []domain.Line {
	return []domain.Line{
		{ProductID: "P1", Quantity: 2, UnitPrice: decimal.NewFromInt(30)},
		{ProductID: "P2", Quantity: 1, UnitPrice: decimal.NewFromInt(40)},
	}
}

func saleRequest(id string) CreateSaleRequest {
	return CreateSaleRequest{SaleID: id, StoreID: "S1", UserID: "U1", Lines: saleLines()}
}

func TestCreateSale_Success(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 5)
	coordinator := NewSaleCoordinator(f.deps)

	sale, err := coordinator.CreateSale(context.Background(), saleRequest(""))
	require.NoError(t, err)

	assert.NotEmpty(t, sale.ID)
	assert.Equal(t, domain.SaleStatusActive, sale.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(sale.Total))
	assert.Equal(t, 3, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 4, f.quantity(t, "S1", "P2"))

	stored, err := coordinator.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, stored.ID)

	assert.Contains(t, f.cache.dropped(), "api:/sales")
	assert.Contains(t, f.cache.dropped(), "api:/stock")
	assert.Empty(t, f.reserver.restores)
}

func TestCreateSale_DeclinedLineReleasesEarlierLines(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 0)
	coordinator := NewSaleCoordinator(f.deps)

	_, err := coordinator.CreateSale(context.Background(), saleRequest("sale-c"))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	require.NotErrorIs(t, err, domain.ErrCompensationFailed)

	var sagaErr *domain.SagaError
	require.True(t, errors.As(err, &sagaErr))
	assert.True(t, sagaErr.Compensated)
	assert.Equal(t, 1, sagaErr.FailedLine)
	assert.Equal(t, "P2", sagaErr.ProductID)

	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 0, f.quantity(t, "S1", "P2"))

	_, err = f.sales.GetSale(context.Background(), "sale-c")
	require.ErrorIs(t, err, domain.ErrNotFound)

	releases := f.reserver.restoresOf(domain.IntentRelease)
	require.Len(t, releases, 1)
	assert.Equal(t, "P1", releases[0].ProductID)
	assert.Equal(t, domain.OperationID("sale-c", "P1", domain.IntentReserve), releases[0].Compensates)
	assert.Empty(t, f.alerts.published())
}

func TestCreateSale_ReleasesInReverseOrder(t *testing.T) {
	f := newSalesFixture(t)
	for _, p := range []string{"P1", "P2", "P3"} {
		f.stock(t, "S1", p, 5)
	}
	f.stock(t, "S1", "P4", 0)
	coordinator := NewSaleCoordinator(f.deps)

	req := CreateSaleRequest{StoreID: "S1", UserID: "U1", Lines: []domain.Line{
		{ProductID: "P1", Quantity: 1}, {ProductID: "P2", Quantity: 1},
		{ProductID: "P3", Quantity: 1}, {ProductID: "P4", Quantity: 1},
	}}
	_, err := coordinator.CreateSale(context.Background(), req)
	require.Error(t, err)

	var order []string
	for _, r := range f.reserver.restoresOf(domain.IntentRelease) {
		order = append(order, r.ProductID)
	}
	assert.Equal(t, []string{"P3", "P2", "P1"}, order)
}

func TestCreateSale_LostResponseIsReleased(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 5)
	f.reserver.lostResponse["P2"] = true
	coordinator := NewSaleCoordinator(f.deps)

	_, err := coordinator.CreateSale(context.Background(), saleRequest("sale-lost"))
	require.ErrorIs(t, err, domain.ErrTransient)

	var sagaErr *domain.SagaError
	require.True(t, errors.As(err, &sagaErr))
	assert.True(t, sagaErr.Compensated)

	// P2 applied on the ledger even though the caller never saw it
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))
	assert.Len(t, f.reserver.restoresOf(domain.IntentRelease), 2)
}

func TestCreateSale_UnappliedTransientReservationIsVoided(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 5)
	f.reserver.reserveErr["P2"] = &domain.TransientError{Attempts: 3, Err: errConnReset}
	coordinator := NewSaleCoordinator(f.deps)

	_, err := coordinator.CreateSale(context.Background(), saleRequest("sale-void"))
	require.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))

	// a delayed delivery of the original reservation must not take stock
	late := domain.ReservationIntent{
		OperationID: domain.OperationID("sale-void", "P2", domain.IntentReserve),
		StoreID:     "S1",
		ProductID:   "P2",
		Quantity:    1,
		Kind:        domain.IntentReserve,
	}
	_, err = f.ledger.Reserve(context.Background(), late)
	require.ErrorIs(t, err, domain.ErrReservationVoided)
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))
}

func TestCreateSale_CompensationFailureIsEscalated(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 0)
	f.reserver.failRestore("P1", &domain.TransientError{Attempts: 3, Err: errConnReset})
	reg := prometheus.NewRegistry()
	f.deps.Metrics = observability.NewMetrics(reg)
	coordinator := NewSaleCoordinator(f.deps)

	_, err := coordinator.CreateSale(context.Background(), saleRequest("sale-stuck"))
	require.ErrorIs(t, err, domain.ErrCompensationFailed)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var sagaErr *domain.SagaError
	require.True(t, errors.As(err, &sagaErr))
	assert.False(t, sagaErr.Compensated)
	require.Len(t, sagaErr.Failures, 1)
	assert.Equal(t, "P1", sagaErr.Failures[0].ProductID)

	alerts := f.alerts.published()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertCompensationFailed, alerts[0].Kind)
	assert.Equal(t, "sale-stuck", alerts[0].SourceID)
	assert.Equal(t, domain.OperationID("sale-stuck", "P1", domain.IntentRelease), alerts[0].OperationID)
	assert.Equal(t, 2, alerts[0].Quantity)

	// the reservation is still held until someone reconciles it
	assert.Equal(t, 3, f.quantity(t, "S1", "P1"))

	expected := `
# HELP stock_compensation_failures_total Releases or restores that could not be confirmed and need reconciliation.
# TYPE stock_compensation_failures_total counter
stock_compensation_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "stock_compensation_failures_total"))
}

func TestCreateSale_CompensationOutlivesCallerContext(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 0)
	coordinator := NewSaleCoordinator(f.deps)

	ctx, cancel := context.WithCancel(context.Background())
	f.reserver.reserveErr["P2"] = context.Canceled
	defer cancel()
	cancel()

	_, err := coordinator.CreateSale(ctx, saleRequest("sale-cancelled"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
}

func TestCreateSale_ReplayBySaleID(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 5)
	coordinator := NewSaleCoordinator(f.deps)

	first, err := coordinator.CreateSale(context.Background(), saleRequest("sale-e"))
	require.NoError(t, err)
	second, err := coordinator.CreateSale(context.Background(), saleRequest("sale-e"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 4, f.quantity(t, "S1", "P2"))

	different := saleRequest("sale-e")
	different.Lines = different.Lines[:1]
	_, err = coordinator.CreateSale(context.Background(), different)
	require.ErrorIs(t, err, domain.ErrConflict)
}

type failingSales struct {
	*storage.MemorySaleRepository
	createErr error
}

func (s *failingSales) CreateSale(ctx context.Context, sale *domain.Sale) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.MemorySaleRepository.CreateSale(ctx, sale)
}

func TestCreateSale_PersistFailureReleasesEverything(t *testing.T) {
	f := newSalesFixture(t)
	f.stock(t, "S1", "P1", 5)
	f.stock(t, "S1", "P2", 5)
	f.deps.Sales = &failingSales{MemorySaleRepository: f.sales, createErr: errors.New("database is locked")}
	coordinator := NewSaleCoordinator(f.deps)

	_, err := coordinator.CreateSale(context.Background(), saleRequest("sale-db"))
	require.Error(t, err)

	var sagaErr *domain.SagaError
	require.True(t, errors.As(err, &sagaErr))
	assert.Equal(t, -1, sagaErr.FailedLine)
	assert.True(t, sagaErr.Compensated)
	assert.Equal(t, 5, f.quantity(t, "S1", "P1"))
	assert.Equal(t, 5, f.quantity(t, "S1", "P2"))
	assert.Contains(t, f.cache.dropped(), "api:/stock")
}

func TestCreateSale_RejectsInvalidRequests(t *testing.T) {
	f := newSalesFixture(t)
	coordinator := NewSaleCoordinator(f.deps)

	tests := map[string]CreateSaleRequest{
		"no store": {UserID: "U1", Lines: saleLines()},
		"no user":  {StoreID: "S1", Lines: saleLines()},
		"no lines": {StoreID: "S1", UserID: "U1"},
		"duplicate product": {StoreID: "S1", UserID: "U1", Lines: []domain.Line{
			{ProductID: "P1", Quantity: 1}, {ProductID: "P1", Quantity: 1},
		}},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := coordinator.CreateSale(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.reserver.reserves)
}
