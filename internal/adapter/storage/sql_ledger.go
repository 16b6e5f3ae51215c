package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// Dialect holds the statements that differ between MySQL and SQLite.
type Dialect struct {
	Name        string
	Schema      []string
	UpsertStock string
}

var MySQLDialect = Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS stock (
			store_id   VARCHAR(64) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			quantity   INT NOT NULL,
			version    INT NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (store_id, product_id),
			INDEX idx_stock_quantity (quantity),
			CONSTRAINT chk_stock_quantity CHECK (quantity >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_operations (
			operation_id    VARCHAR(128) NOT NULL PRIMARY KEY,
			kind            VARCHAR(16) NOT NULL,
			store_id        VARCHAR(64) NOT NULL,
			product_id      VARCHAR(64) NOT NULL,
			quantity        INT NOT NULL,
			result_quantity INT NOT NULL,
			status          VARCHAR(16) NOT NULL,
			created_at      DATETIME(6) NOT NULL,
			INDEX idx_stock_operations_created (created_at)
		)`,
	},
	UpsertStock: `
		INSERT INTO stock (store_id, product_id, quantity, version, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), version = version + 1, updated_at = VALUES(updated_at)`,
}

var SQLiteDialect = Dialect{
	Name: "sqlite3",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS stock (
			store_id   TEXT NOT NULL,
			product_id TEXT NOT NULL,
			quantity   INTEGER NOT NULL CHECK (quantity >= 0),
			version    INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (store_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_operations (
			operation_id    TEXT NOT NULL PRIMARY KEY,
			kind            TEXT NOT NULL,
			store_id        TEXT NOT NULL,
			product_id      TEXT NOT NULL,
			quantity        INTEGER NOT NULL,
			result_quantity INTEGER NOT NULL,
			status          TEXT NOT NULL,
			created_at      DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_operations_created ON stock_operations (created_at)`,
	},
	UpsertStock: `
		INSERT INTO stock (store_id, product_id, quantity, version, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (store_id, product_id) DO UPDATE SET
			quantity = excluded.quantity, version = stock.version + 1, updated_at = excluded.updated_at`,
}

// SQLLedger keeps stock rows and the idempotency ledger in one database so an
// operation record commits atomically with its quantity change.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

func (l *SQLLedger) Migrate(ctx context.Context) error {
	for _, stmt := range l.dialect.Schema {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", l.dialect.Name, err)
		}
	}
	return nil
}

func (l *SQLLedger) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MutationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec, err := l.lookupOperation(ctx, tx, intent.OperationID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if rec != nil {
		return replay(rec, intent)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE stock
		SET quantity = quantity - ?, version = version + 1, updated_at = ?
		WHERE store_id = ? AND product_id = ? AND quantity >= ?`,
		intent.Quantity, l.now(), intent.StoreID, intent.ProductID, intent.Quantity,
	)
	if err != nil {
		return domain.MutationResult{}, fmt.Errorf("reserve stock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.MutationResult{}, fmt.Errorf("reserve stock: %w", err)
	}
	if rows == 0 {
		return domain.MutationResult{}, l.declineReason(ctx, tx, intent.StoreID, intent.ProductID)
	}

	remaining, err := l.quantity(ctx, tx, intent.StoreID, intent.ProductID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if err := l.insertOperation(ctx, tx, intent, remaining, domain.OperationApplied); err != nil {
		tx.Rollback()
		return l.replayAfterConflict(ctx, intent, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.MutationResult{}, fmt.Errorf("commit reserve: %w", err)
	}

	return domain.MutationResult{OperationID: intent.OperationID, Quantity: remaining}, nil
}

func (l *SQLLedger) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	result, retry, err := l.restoreOnce(ctx, intent)
	if retry {
		// lost a race against the reservation being recorded; it now exists
		result, _, err = l.restoreOnce(ctx, intent)
	}
	return result, err
}

func (l *SQLLedger) restoreOnce(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MutationResult{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec, err := l.lookupOperation(ctx, tx, intent.OperationID)
	if err != nil {
		return domain.MutationResult{}, false, err
	}
	if rec != nil {
		res, err := replay(rec, intent)
		return res, false, err
	}

	if intent.Kind == domain.IntentRelease {
		target, err := l.lookupOperation(ctx, tx, intent.Compensates)
		if err != nil {
			return domain.MutationResult{}, false, err
		}
		if err := checkCompensationTarget(target, intent); err != nil {
			return domain.MutationResult{}, false, err
		}
		if target == nil || target.Status != domain.OperationApplied {
			return l.voidRelease(ctx, tx, intent, target == nil)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_operations SET status = ? WHERE operation_id = ?`,
			string(domain.OperationReleased), intent.Compensates,
		); err != nil {
			return domain.MutationResult{}, false, fmt.Errorf("mark released: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE stock
		SET quantity = quantity + ?, version = version + 1, updated_at = ?
		WHERE store_id = ? AND product_id = ?`,
		intent.Quantity, l.now(), intent.StoreID, intent.ProductID,
	)
	if err != nil {
		return domain.MutationResult{}, false, fmt.Errorf("restore stock: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.MutationResult{}, false, fmt.Errorf("%w: stock %s/%s", domain.ErrNotFound, intent.StoreID, intent.ProductID)
	}

	quantity, err := l.quantity(ctx, tx, intent.StoreID, intent.ProductID)
	if err != nil {
		return domain.MutationResult{}, false, err
	}
	if err := l.insertOperation(ctx, tx, intent, quantity, domain.OperationApplied); err != nil {
		tx.Rollback()
		res, err := l.replayAfterConflict(ctx, intent, err)
		return res, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MutationResult{}, false, fmt.Errorf("commit restore: %w", err)
	}

	return domain.MutationResult{OperationID: intent.OperationID, Quantity: quantity}, false, nil
}

// voidRelease records a release whose reservation never applied. When no
// record of the reservation exists a tombstone is written under its id so a
// late reserve with that id is rejected.
func (l *SQLLedger) voidRelease(ctx context.Context, tx *sql.Tx, intent domain.ReservationIntent, tombstone bool) (domain.MutationResult, bool, error) {
	quantity, err := l.quantity(ctx, tx, intent.StoreID, intent.ProductID)
	if err != nil {
		return domain.MutationResult{}, false, err
	}
	if tombstone {
		reservation := intent
		reservation.OperationID = intent.Compensates
		reservation.Kind = domain.IntentReserve
		reservation.Compensates = ""
		if err := l.insertOperation(ctx, tx, reservation, quantity, domain.OperationVoided); err != nil {
			return domain.MutationResult{}, true, nil
		}
	}
	if err := l.insertOperation(ctx, tx, intent, quantity, domain.OperationVoided); err != nil {
		tx.Rollback()
		res, err := l.replayAfterConflict(ctx, intent, err)
		return res, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MutationResult{}, false, fmt.Errorf("commit release: %w", err)
	}
	return domain.MutationResult{OperationID: intent.OperationID, Quantity: quantity, Voided: true}, false, nil
}

func (l *SQLLedger) Adjust(ctx context.Context, storeID, productID string, delta int) (domain.StockRecord, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE stock
		SET quantity = quantity + ?, version = version + 1, updated_at = ?
		WHERE store_id = ? AND product_id = ? AND quantity + ? >= 0`,
		delta, l.now(), storeID, productID, delta,
	)
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("adjust stock: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.StockRecord{}, l.declineReason(ctx, tx, storeID, productID)
	}

	rec, err := l.record(ctx, tx, storeID, productID)
	if err != nil {
		return domain.StockRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StockRecord{}, fmt.Errorf("commit adjust: %w", err)
	}
	return rec, nil
}

func (l *SQLLedger) Provision(ctx context.Context, storeID, productID string, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest)
	}
	if _, err := l.db.ExecContext(ctx, l.dialect.UpsertStock, storeID, productID, quantity, l.now()); err != nil {
		return domain.StockRecord{}, fmt.Errorf("provision stock: %w", err)
	}
	return l.GetStock(ctx, storeID, productID)
}

func (l *SQLLedger) GetStock(ctx context.Context, storeID, productID string) (domain.StockRecord, error) {
	return l.record(ctx, l.db, storeID, productID)
}

func (l *SQLLedger) FindLowStock(ctx context.Context, threshold int) ([]domain.StockRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT store_id, product_id, quantity, version
		FROM stock WHERE quantity <= ?
		ORDER BY store_id, product_id`, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("query low stock: %w", err)
	}
	defer rows.Close()

	records := []domain.StockRecord{}
	for rows.Next() {
		var rec domain.StockRecord
		if err := rows.Scan(&rec.StoreID, &rec.ProductID, &rec.Quantity, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan low stock: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (l *SQLLedger) PurgeOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM stock_operations WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge operations: %w", err)
	}
	return result.RowsAffected()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *SQLLedger) record(ctx context.Context, q queryer, storeID, productID string) (domain.StockRecord, error) {
	rec := domain.StockRecord{StoreID: storeID, ProductID: productID}
	err := q.QueryRowContext(ctx, `
		SELECT quantity, version FROM stock WHERE store_id = ? AND product_id = ?`,
		storeID, productID,
	).Scan(&rec.Quantity, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, fmt.Errorf("%w: stock %s/%s", domain.ErrNotFound, storeID, productID)
	}
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("query stock: %w", err)
	}
	return rec, nil
}

func (l *SQLLedger) quantity(ctx context.Context, q queryer, storeID, productID string) (int, error) {
	rec, err := l.record(ctx, q, storeID, productID)
	return rec.Quantity, err
}

// declineReason explains a conditional update that matched no row.
func (l *SQLLedger) declineReason(ctx context.Context, q queryer, storeID, productID string) error {
	if _, err := l.record(ctx, q, storeID, productID); err != nil {
		return err
	}
	return fmt.Errorf("%w: stock %s/%s", domain.ErrInsufficientStock, storeID, productID)
}

func (l *SQLLedger) lookupOperation(ctx context.Context, q queryer, operationID string) (*domain.OperationRecord, error) {
	var rec domain.OperationRecord
	var kind, status string
	err := q.QueryRowContext(ctx, `
		SELECT operation_id, kind, store_id, product_id, quantity, result_quantity, status
		FROM stock_operations WHERE operation_id = ?`, operationID,
	).Scan(&rec.Intent.OperationID, &kind, &rec.Intent.StoreID, &rec.Intent.ProductID,
		&rec.Intent.Quantity, &rec.Result, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query operation: %w", err)
	}
	rec.Intent.Kind = domain.IntentKind(kind)
	rec.Status = domain.OperationStatus(status)
	return &rec, nil
}

func (l *SQLLedger) insertOperation(ctx context.Context, tx *sql.Tx, intent domain.ReservationIntent, result int, status domain.OperationStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_operations
			(operation_id, kind, store_id, product_id, quantity, result_quantity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.OperationID, string(intent.Kind), intent.StoreID, intent.ProductID,
		intent.Quantity, result, string(status), l.now(),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// replayAfterConflict handles an operation insert that failed because a
// concurrent request with the same id committed first.
func (l *SQLLedger) replayAfterConflict(ctx context.Context, intent domain.ReservationIntent, insertErr error) (domain.MutationResult, error) {
	rec, err := l.lookupOperation(ctx, l.db, intent.OperationID)
	if err != nil {
		return domain.MutationResult{}, errors.Join(insertErr, err)
	}
	if rec == nil {
		return domain.MutationResult{}, insertErr
	}
	return replay(rec, intent)
}
