package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/retail-stock/internal/core/domain"
	"github.com/rl1809/retail-stock/internal/port"
)

type ledgerCaps struct {
	// purges is false for stores that expire operation records on their own.
	purges bool
}

// runLedgerContract exercises behaviour every LedgerRepository must share.
// Each subtest provisions rows under a fresh store id so backends that share
// state between runs stay isolated.
func runLedgerContract(t *testing.T, ledger port.LedgerRepository, caps ledgerCaps) {
	ctx := context.Background()

	provision := func(t *testing.T, quantity int) string {
		t.Helper()
		store := "store-" + uuid.NewString()
		_, err := ledger.Provision(ctx, store, "P1", quantity)
		require.NoError(t, err)
		return store
	}
	reserve := func(store string, quantity int) domain.ReservationIntent {
		return domain.ReservationIntent{
			OperationID: uuid.NewString(),
			StoreID:     store,
			ProductID:   "P1",
			Quantity:    quantity,
			Kind:        domain.IntentReserve,
		}
	}
	quantity := func(t *testing.T, store string) int {
		t.Helper()
		rec, err := ledger.GetStock(ctx, store, "P1")
		require.NoError(t, err)
		return rec.Quantity
	}

	t.Run("concurrent reservations split the stock", func(t *testing.T) {
		store := provision(t, 10)

		var wg sync.WaitGroup
		var succeeded atomic.Int32
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := ledger.Reserve(ctx, reserve(store, 4)); assert.NoError(t, err) {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(2), succeeded.Load())
		assert.Equal(t, 2, quantity(t, store))
	})

	t.Run("reservation larger than stock is declined", func(t *testing.T) {
		store := provision(t, 5)

		_, err := ledger.Reserve(ctx, reserve(store, 6))
		require.ErrorIs(t, err, domain.ErrInsufficientStock)
		assert.Equal(t, 5, quantity(t, store))
	})

	t.Run("repeated operation id applies once", func(t *testing.T) {
		store := provision(t, 10)
		intent := reserve(store, 3)

		first, err := ledger.Reserve(ctx, intent)
		require.NoError(t, err)
		assert.False(t, first.Replayed)
		assert.Equal(t, 7, first.Quantity)

		second, err := ledger.Reserve(ctx, intent)
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, 7, second.Quantity)
		assert.Equal(t, 7, quantity(t, store))
	})

	t.Run("concurrent duplicates apply once", func(t *testing.T) {
		store := provision(t, 10)
		intent := reserve(store, 2)

		var wg sync.WaitGroup
		var replayed atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := ledger.Reserve(ctx, intent)
				if assert.NoError(t, err) && res.Replayed {
					replayed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(7), replayed.Load())
		assert.Equal(t, 8, quantity(t, store))
	})

	t.Run("unknown row is not found", func(t *testing.T) {
		_, err := ledger.Reserve(ctx, reserve("store-"+uuid.NewString(), 1))
		require.ErrorIs(t, err, domain.ErrNotFound)

		_, err = ledger.GetStock(ctx, "store-"+uuid.NewString(), "P1")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("operation id reused for another effect conflicts", func(t *testing.T) {
		store := provision(t, 10)
		intent := reserve(store, 3)
		_, err := ledger.Reserve(ctx, intent)
		require.NoError(t, err)

		intent.Quantity = 4
		_, err = ledger.Reserve(ctx, intent)
		require.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, 7, quantity(t, store))
	})

	t.Run("restore is idempotent", func(t *testing.T) {
		store := provision(t, 5)
		intent := domain.ReservationIntent{
			OperationID: uuid.NewString(),
			StoreID:     store,
			ProductID:   "P1",
			Quantity:    2,
			Kind:        domain.IntentRestore,
		}

		first, err := ledger.Restore(ctx, intent)
		require.NoError(t, err)
		assert.Equal(t, 7, first.Quantity)

		second, err := ledger.Restore(ctx, intent)
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, 7, quantity(t, store))
	})

	t.Run("release gives back an applied reservation", func(t *testing.T) {
		store := provision(t, 10)
		reservation := reserve(store, 4)
		_, err := ledger.Reserve(ctx, reservation)
		require.NoError(t, err)

		release := reservation
		release.OperationID = uuid.NewString()
		release.Kind = domain.IntentRelease
		release.Compensates = reservation.OperationID

		res, err := ledger.Restore(ctx, release)
		require.NoError(t, err)
		assert.False(t, res.Voided)
		assert.Equal(t, 10, quantity(t, store))

		// the reservation must not come back once its stock was handed back
		_, err = ledger.Reserve(ctx, reservation)
		require.ErrorIs(t, err, domain.ErrReservationVoided)
		assert.Equal(t, 10, quantity(t, store))

		again, err := ledger.Restore(ctx, release)
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, 10, quantity(t, store))
	})

	t.Run("release of an unseen reservation voids it", func(t *testing.T) {
		store := provision(t, 10)
		reservation := reserve(store, 4)

		release := reservation
		release.OperationID = uuid.NewString()
		release.Kind = domain.IntentRelease
		release.Compensates = reservation.OperationID

		res, err := ledger.Restore(ctx, release)
		require.NoError(t, err)
		assert.True(t, res.Voided)
		assert.Equal(t, 10, quantity(t, store))

		_, err = ledger.Reserve(ctx, reservation)
		require.ErrorIs(t, err, domain.ErrReservationVoided)
		assert.Equal(t, 10, quantity(t, store))
	})

	t.Run("release that does not mirror its reservation conflicts", func(t *testing.T) {
		store := provision(t, 10)
		reservation := reserve(store, 4)
		_, err := ledger.Reserve(ctx, reservation)
		require.NoError(t, err)

		release := reservation
		release.OperationID = uuid.NewString()
		release.Kind = domain.IntentRelease
		release.Compensates = reservation.OperationID
		release.Quantity = 5

		_, err = ledger.Restore(ctx, release)
		require.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, 6, quantity(t, store))
	})

	t.Run("adjust never drives a row negative", func(t *testing.T) {
		store := provision(t, 3)

		rec, err := ledger.Adjust(ctx, store, "P1", 4)
		require.NoError(t, err)
		assert.Equal(t, 7, rec.Quantity)

		_, err = ledger.Adjust(ctx, store, "P1", -8)
		require.ErrorIs(t, err, domain.ErrInsufficientStock)

		rec, err = ledger.Adjust(ctx, store, "P1", -7)
		require.NoError(t, err)
		assert.Equal(t, 0, rec.Quantity)

		_, err = ledger.Adjust(ctx, "store-"+uuid.NewString(), "P1", 1)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("low stock lists rows at or below the threshold", func(t *testing.T) {
		store := "store-" + uuid.NewString()
		for product, qty := range map[string]int{"A": 1, "B": 5, "C": 6} {
			_, err := ledger.Provision(ctx, store, product, qty)
			require.NoError(t, err)
		}

		records, err := ledger.FindLowStock(ctx, 5)
		require.NoError(t, err)

		var mine []string
		for _, rec := range records {
			assert.LessOrEqual(t, rec.Quantity, 5)
			if rec.StoreID == store {
				mine = append(mine, rec.ProductID)
			}
		}
		assert.Equal(t, []string{"A", "B"}, mine)
	})

	t.Run("many reservations never oversell", func(t *testing.T) {
		store := provision(t, 20)

		var wg sync.WaitGroup
		var succeeded atomic.Int32
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := ledger.Reserve(ctx, reserve(store, 1)); err == nil {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(20), succeeded.Load())
		assert.Equal(t, 0, quantity(t, store))
	})

	if !caps.purges {
		return
	}
	t.Run("purge forgets old operations", func(t *testing.T) {
		store := provision(t, 10)
		intent := reserve(store, 1)
		_, err := ledger.Reserve(ctx, intent)
		require.NoError(t, err)

		purged, err := ledger.PurgeOperations(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, purged, int64(1))

		res, err := ledger.Reserve(ctx, intent)
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, 8, quantity(t, store))
	})
}
