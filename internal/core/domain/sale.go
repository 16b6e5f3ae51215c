package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SaleStatus string

const (
	SaleStatusActive            SaleStatus = "active"
	SaleStatusPartiallyRefunded SaleStatus = "partially_refunded"
	SaleStatusRefunded          SaleStatus = "refunded"
	SaleStatusCancelled         SaleStatus = "cancelled"
)

func (s SaleStatus) Refundable() bool {
	return s == SaleStatusActive || s == SaleStatusPartiallyRefunded
}

// Line is a sale or refund line. Immutable once persisted.
type Line struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Sale struct {
	ID      string          `json:"id"`
	Date    time.Time       `json:"date"`
	Total   decimal.Decimal `json:"total"`
	Status  SaleStatus      `json:"status"`
	StoreID string          `json:"storeId"`
	UserID  string          `json:"userId"`
	Lines   []Line          `json:"lines"`
}

// LinesTotal sums quantity × unit price over lines.
func LinesTotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total())
	}
	return total
}

// ValidateLines rejects empty line sets, non-positive quantities, negative
// prices and repeated products. Repeats would share an operationId.
func ValidateLines(lines []Line) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(lines))
	for i, l := range lines {
		if l.ProductID == "" {
			return fmt.Errorf("%w: line %d has no productId", ErrInvalidRequest, i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidRequest, i)
		}
		if l.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d unit price is negative", ErrInvalidRequest, i)
		}
		if _, dup := seen[l.ProductID]; dup {
			return fmt.Errorf("%w: product %s appears on more than one line", ErrInvalidRequest, l.ProductID)
		}
		seen[l.ProductID] = struct{}{}
	}
	return nil
}

type RefundStatus string

const (
	// RefundPending claims its amount against the sale but has not finished restoring stock.
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
)

type Refund struct {
	ID      string          `json:"id"`
	Date    time.Time       `json:"date"`
	Total   decimal.Decimal `json:"total"`
	Reason  string          `json:"reason"`
	SaleID  string          `json:"saleId"`
	StoreID string          `json:"storeId"`
	UserID  string          `json:"userId"`
	Status  RefundStatus    `json:"status"`
	Lines   []Line          `json:"lines"`
}

// SumRefunds adds up every refund, pending ones included.
func SumRefunds(refunds []Refund) decimal.Decimal {
	total := decimal.Zero
	for _, r := range refunds {
		total = total.Add(r.Total)
	}
	return total
}

// CheckRefund validates a new refund against the sale and the refunds already
// claimed on it. It must run under the same lock that persists the refund.
func CheckRefund(sale *Sale, existing []Refund, refund *Refund) error {
	if !sale.Status.Refundable() {
		return fmt.Errorf("%w: sale %s is %s", ErrNotRefundable, sale.ID, sale.Status)
	}

	sold := make(map[string]int, len(sale.Lines))
	for _, l := range sale.Lines {
		sold[l.ProductID] = l.Quantity
	}
	refunded := make(map[string]int)
	for _, r := range existing {
		for _, l := range r.Lines {
			refunded[l.ProductID] += l.Quantity
		}
	}
	for _, l := range refund.Lines {
		qty, ok := sold[l.ProductID]
		if !ok {
			return fmt.Errorf("%w: product %s is not on sale %s", ErrInvalidRequest, l.ProductID, sale.ID)
		}
		if refunded[l.ProductID]+l.Quantity > qty {
			return fmt.Errorf("%w: product %s would refund %d of %d sold",
				ErrOverRefund, l.ProductID, refunded[l.ProductID]+l.Quantity, qty)
		}
	}

	already := SumRefunds(existing)
	if already.Add(refund.Total).GreaterThan(sale.Total) {
		return fmt.Errorf("%w: %s already refunded, %s requested, sale total %s",
			ErrOverRefund, already.StringFixed(2), refund.Total.StringFixed(2), sale.Total.StringFixed(2))
	}
	return nil
}

// StatusAfterRefunds recomputes the sale status from the cumulative refunded amount.
func StatusAfterRefunds(sale *Sale, refunded decimal.Decimal) SaleStatus {
	if refunded.GreaterThanOrEqual(sale.Total) {
		return SaleStatusRefunded
	}
	if refunded.IsPositive() {
		return SaleStatusPartiallyRefunded
	}
	return sale.Status
}
