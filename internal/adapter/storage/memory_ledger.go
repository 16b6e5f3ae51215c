package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

type memRow struct {
	quantity atomic.Int64
	version  atomic.Int64
}

// memOp is an idempotency slot. The goroutine that stores it performs the
// effect; everyone else with the same id waits on done and replays rec.
type memOp struct {
	done chan struct{}
	rec  *domain.OperationRecord
}

// MemoryLedger is a lock-free in-process ledger: every row mutation is a
// compare-and-swap on that row only.
type MemoryLedger struct {
	rows sync.Map // rowID -> *memRow
	ops  sync.Map // operation id -> *memOp
	now  func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now}
}

type rowID struct {
	store   string
	product string
}

func (l *MemoryLedger) row(storeID, productID string) (*memRow, error) {
	r, ok := l.rows.Load(rowID{storeID, productID})
	if !ok {
		return nil, fmt.Errorf("%w: stock %s/%s", domain.ErrNotFound, storeID, productID)
	}
	return r.(*memRow), nil
}

func (l *MemoryLedger) claim(ctx context.Context, operationID string) (*memOp, bool, error) {
	for {
		fresh := &memOp{done: make(chan struct{})}
		actual, loaded := l.ops.LoadOrStore(operationID, fresh)
		if !loaded {
			return fresh, true, nil
		}
		op := actual.(*memOp)
		select {
		case <-op.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if op.rec != nil {
			return op, false, nil
		}
	}
}

// settle publishes the outcome of a claimed slot. A nil rec frees the slot so
// a later attempt re-evaluates.
func (l *MemoryLedger) settle(operationID string, op *memOp, rec *domain.OperationRecord) {
	op.rec = rec
	if rec == nil {
		l.ops.CompareAndDelete(operationID, op)
	}
	close(op.done)
}

func (l *MemoryLedger) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	op, owner, err := l.claim(ctx, intent.OperationID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if !owner {
		return replay(op.rec, intent)
	}

	row, err := l.row(intent.StoreID, intent.ProductID)
	if err != nil {
		l.settle(intent.OperationID, op, nil)
		return domain.MutationResult{}, err
	}
	qty := int64(intent.Quantity)
	for {
		cur := row.quantity.Load()
		if cur < qty {
			l.settle(intent.OperationID, op, nil)
			return domain.MutationResult{}, fmt.Errorf("%w: stock %s/%s", domain.ErrInsufficientStock, intent.StoreID, intent.ProductID)
		}
		if row.quantity.CompareAndSwap(cur, cur-qty) {
			row.version.Add(1)
			remaining := int(cur - qty)
			l.settle(intent.OperationID, op, &domain.OperationRecord{
				Intent: intent, Result: remaining, Status: domain.OperationApplied, CreatedAt: l.now(),
			})
			return domain.MutationResult{OperationID: intent.OperationID, Quantity: remaining}, nil
		}
	}
}

func (l *MemoryLedger) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	op, owner, err := l.claim(ctx, intent.OperationID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if !owner {
		return replay(op.rec, intent)
	}

	row, err := l.row(intent.StoreID, intent.ProductID)
	if err != nil {
		l.settle(intent.OperationID, op, nil)
		return domain.MutationResult{}, err
	}

	if intent.Kind == domain.IntentRelease {
		target, err := l.compensationTarget(ctx, intent, row)
		if err != nil {
			l.settle(intent.OperationID, op, nil)
			return domain.MutationResult{}, err
		}
		if err := checkCompensationTarget(target, intent); err != nil {
			l.settle(intent.OperationID, op, nil)
			return domain.MutationResult{}, err
		}
		if target.Status != domain.OperationApplied {
			quantity := int(row.quantity.Load())
			l.settle(intent.OperationID, op, &domain.OperationRecord{
				Intent: intent, Result: quantity, Status: domain.OperationVoided, CreatedAt: l.now(),
			})
			return domain.MutationResult{OperationID: intent.OperationID, Quantity: quantity, Voided: true}, nil
		}
	}

	quantity := int(row.quantity.Add(int64(intent.Quantity)))
	row.version.Add(1)
	if intent.Kind == domain.IntentRelease {
		l.markReleased(intent.Compensates)
	}
	l.settle(intent.OperationID, op, &domain.OperationRecord{
		Intent: intent, Result: quantity, Status: domain.OperationApplied, CreatedAt: l.now(),
	})
	return domain.MutationResult{OperationID: intent.OperationID, Quantity: quantity}, nil
}

// compensationTarget returns the settled reservation a release names, writing
// a voided tombstone in its slot when the reservation was never seen.
func (l *MemoryLedger) compensationTarget(ctx context.Context, release domain.ReservationIntent, row *memRow) (*domain.OperationRecord, error) {
	for {
		reservation := release
		reservation.OperationID = release.Compensates
		reservation.Kind = domain.IntentReserve
		reservation.Compensates = ""
		tombstone := &memOp{done: make(chan struct{}), rec: &domain.OperationRecord{
			Intent: reservation, Result: int(row.quantity.Load()), Status: domain.OperationVoided, CreatedAt: l.now(),
		}}
		close(tombstone.done)

		actual, loaded := l.ops.LoadOrStore(release.Compensates, tombstone)
		if !loaded {
			return tombstone.rec, nil
		}
		op := actual.(*memOp)
		select {
		case <-op.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if op.rec != nil {
			return op.rec, nil
		}
	}
}

// markReleased swaps the reservation's settled slot for one whose record says
// released, so replays of that reservation are refused.
func (l *MemoryLedger) markReleased(operationID string) {
	v, ok := l.ops.Load(operationID)
	if !ok {
		return
	}
	old := v.(*memOp)
	if old.rec == nil {
		return
	}
	rec := *old.rec
	rec.Status = domain.OperationReleased
	released := &memOp{done: make(chan struct{}), rec: &rec}
	close(released.done)
	l.ops.CompareAndSwap(operationID, old, released)
}

func (l *MemoryLedger) Adjust(ctx context.Context, storeID, productID string, delta int) (domain.StockRecord, error) {
	row, err := l.row(storeID, productID)
	if err != nil {
		return domain.StockRecord{}, err
	}
	for {
		cur := row.quantity.Load()
		next := cur + int64(delta)
		if next < 0 {
			return domain.StockRecord{}, fmt.Errorf("%w: stock %s/%s", domain.ErrInsufficientStock, storeID, productID)
		}
		if row.quantity.CompareAndSwap(cur, next) {
			version := row.version.Add(1)
			return domain.StockRecord{StoreID: storeID, ProductID: productID, Quantity: int(next), Version: int(version)}, nil
		}
	}
}

func (l *MemoryLedger) Provision(ctx context.Context, storeID, productID string, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest)
	}
	r, _ := l.rows.LoadOrStore(rowID{storeID, productID}, &memRow{})
	row := r.(*memRow)
	row.quantity.Store(int64(quantity))
	version := row.version.Add(1)
	return domain.StockRecord{StoreID: storeID, ProductID: productID, Quantity: quantity, Version: int(version)}, nil
}

func (l *MemoryLedger) GetStock(ctx context.Context, storeID, productID string) (domain.StockRecord, error) {
	row, err := l.row(storeID, productID)
	if err != nil {
		return domain.StockRecord{}, err
	}
	return domain.StockRecord{
		StoreID:   storeID,
		ProductID: productID,
		Quantity:  int(row.quantity.Load()),
		Version:   int(row.version.Load()),
	}, nil
}

func (l *MemoryLedger) FindLowStock(ctx context.Context, threshold int) ([]domain.StockRecord, error) {
	records := []domain.StockRecord{}
	l.rows.Range(func(k, v any) bool {
		row := v.(*memRow)
		if q := int(row.quantity.Load()); q <= threshold {
			id := k.(rowID)
			records = append(records, domain.StockRecord{StoreID: id.store, ProductID: id.product, Quantity: q})
		}
		return true
	})
	sort.Slice(records, func(i, j int) bool {
		if records[i].StoreID != records[j].StoreID {
			return records[i].StoreID < records[j].StoreID
		}
		return records[i].ProductID < records[j].ProductID
	})
	return records, nil
}

func (l *MemoryLedger) PurgeOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	l.ops.Range(func(k, v any) bool {
		op := v.(*memOp)
		select {
		case <-op.done:
		default:
			return true
		}
		if op.rec != nil && op.rec.CreatedAt.Before(cutoff) && l.ops.CompareAndDelete(k, op) {
			purged++
		}
		return true
	})
	return purged, nil
}
