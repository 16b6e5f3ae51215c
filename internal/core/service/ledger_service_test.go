package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/retail-stock/internal/adapter/storage"
	"github.com/rl1809/retail-stock/internal/core/domain"
)

func newLedgerService(t *testing.T) (*LedgerService, *storage.MemoryLedger, *recordingCache) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ledger := storage.NewMemoryLedger()
	cache := newRecordingCache()
	invalidator, err := NewInvalidator(cache, logger, nil)
	require.NoError(t, err)
	return NewLedgerService(ledger, invalidator, logger, nil), ledger, cache
}

func TestLedgerService_Reserve(t *testing.T) {
	svc, _, cache := newLedgerService(t)
	ctx := context.Background()
	_, err := svc.Provision(ctx, "S1", "P1", 10)
	require.NoError(t, err)
	before := len(cache.dropped())

	intent := domain.ReservationIntent{OperationID: "op-1", StoreID: "S1", ProductID: "P1", Quantity: 4}
	res, err := svc.Reserve(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Quantity)
	assert.Greater(t, len(cache.dropped()), before)

	// replays change nothing, so cached views stay
	before = len(cache.dropped())
	res, err = svc.Reserve(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Len(t, cache.dropped(), before)

	_, err = svc.Reserve(ctx, domain.ReservationIntent{OperationID: "op-2", StoreID: "S1", ProductID: "P1", Quantity: 7})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Len(t, cache.dropped(), before)
}

func TestLedgerService_RejectsWrongKinds(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, domain.ReservationIntent{
		OperationID: "op", StoreID: "S1", ProductID: "P1", Quantity: 1, Kind: domain.IntentRestore,
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.Restore(ctx, domain.ReservationIntent{
		OperationID: "op", StoreID: "S1", ProductID: "P1", Quantity: 1, Kind: domain.IntentReserve,
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.Reserve(ctx, domain.ReservationIntent{StoreID: "S1", ProductID: "P1", Quantity: 1})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestLedgerService_RestoreInfersKind(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	ctx := context.Background()
	_, err := svc.Provision(ctx, "S1", "P1", 10)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, domain.ReservationIntent{OperationID: "res-1", StoreID: "S1", ProductID: "P1", Quantity: 3})
	require.NoError(t, err)

	res, err := svc.Restore(ctx, domain.ReservationIntent{
		OperationID: "rel-1", StoreID: "S1", ProductID: "P1", Quantity: 3, Compensates: "res-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Quantity)

	res, err = svc.Restore(ctx, domain.ReservationIntent{OperationID: "ret-1", StoreID: "S1", ProductID: "P1", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 12, res.Quantity)
}

func TestLedgerService_AdjustAndProvision(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	ctx := context.Background()

	_, err := svc.Provision(ctx, "S1", "P1", -1)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = svc.Provision(ctx, "", "P1", 1)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.Provision(ctx, "S1", "P1", 2)
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, "S1", "P1", 0)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	rec, err := svc.Adjust(ctx, "S1", "P1", -2)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Quantity)

	_, err = svc.Adjust(ctx, "S1", "P1", -1)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestLedgerService_FindLowStock(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	ctx := context.Background()
	for p, q := range map[string]int{"P1": 0, "P2": 3, "P3": 9} {
		_, err := svc.Provision(ctx, "S1", p, q)
		require.NoError(t, err)
	}

	records, err := svc.FindLowStock(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "P1", records[0].ProductID)
	assert.Equal(t, "P2", records[1].ProductID)

	_, err = svc.FindLowStock(ctx, -1)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestLedgerService_PurgeExpired(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	ctx := context.Background()
	_, err := svc.Provision(ctx, "S1", "P1", 10)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, domain.ReservationIntent{OperationID: "op-1", StoreID: "S1", ProductID: "P1", Quantity: 1})
	require.NoError(t, err)

	n, err := svc.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = svc.PurgeExpired(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLedgerService_RunJanitorStopsWithContext(t *testing.T) {
	svc, _, _ := newLedgerService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.RunJanitor(ctx, 5*time.Millisecond, time.Hour) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
