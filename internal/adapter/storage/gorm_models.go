package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

type SaleModel struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Date      time.Time       `gorm:"not null"`
	Total     decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Status    string          `gorm:"size:32;not null;index"`
	StoreID   string          `gorm:"size:64;not null;index"`
	UserID    string          `gorm:"size:64;not null"`
	Lines     []SaleLineModel `gorm:"foreignKey:SaleID"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SaleModel) TableName() string { return "sales" }

type SaleLineModel struct {
	SaleID    string          `gorm:"primaryKey;size:64"`
	Position  int             `gorm:"primaryKey"`
	ProductID string          `gorm:"size:64;not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(14,2);not null"`
}

func (SaleLineModel) TableName() string { return "sale_lines" }

type RefundModel struct {
	ID        string            `gorm:"primaryKey;size:64"`
	Date      time.Time         `gorm:"not null"`
	Total     decimal.Decimal   `gorm:"type:decimal(14,2);not null"`
	Reason    string            `gorm:"size:255"`
	SaleID    string            `gorm:"size:64;not null;index"`
	StoreID   string            `gorm:"size:64;not null"`
	UserID    string            `gorm:"size:64;not null"`
	Status    string            `gorm:"size:16;not null"`
	Lines     []RefundLineModel `gorm:"foreignKey:RefundID"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RefundModel) TableName() string { return "refunds" }

type RefundLineModel struct {
	RefundID  string          `gorm:"primaryKey;size:64"`
	Position  int             `gorm:"primaryKey"`
	ProductID string          `gorm:"size:64;not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(14,2);not null"`
}

func (RefundLineModel) TableName() string { return "refund_lines" }

// RestorationModel marks a refund or cancellation line whose restore applied.
type RestorationModel struct {
	SourceID    string `gorm:"primaryKey;size:64"`
	ProductID   string `gorm:"primaryKey;size:64"`
	OperationID string `gorm:"size:128;not null"`
	CreatedAt   time.Time
}

func (RestorationModel) TableName() string { return "stock_restorations" }

func toSaleModel(s *domain.Sale) SaleModel {
	m := SaleModel{
		ID:      s.ID,
		Date:    s.Date,
		Total:   s.Total,
		Status:  string(s.Status),
		StoreID: s.StoreID,
		UserID:  s.UserID,
	}
	for i, l := range s.Lines {
		m.Lines = append(m.Lines, SaleLineModel{
			SaleID: s.ID, Position: i, ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice,
		})
	}
	return m
}

func toDomainSale(m *SaleModel) *domain.Sale {
	s := &domain.Sale{
		ID:      m.ID,
		Date:    m.Date,
		Total:   m.Total,
		Status:  domain.SaleStatus(m.Status),
		StoreID: m.StoreID,
		UserID:  m.UserID,
		Lines:   make([]domain.Line, len(m.Lines)),
	}
	for _, l := range m.Lines {
		if l.Position < len(s.Lines) {
			s.Lines[l.Position] = domain.Line{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
		}
	}
	return s
}

func toRefundModel(r *domain.Refund) RefundModel {
	m := RefundModel{
		ID:      r.ID,
		Date:    r.Date,
		Total:   r.Total,
		Reason:  r.Reason,
		SaleID:  r.SaleID,
		StoreID: r.StoreID,
		UserID:  r.UserID,
		Status:  string(r.Status),
	}
	for i, l := range r.Lines {
		m.Lines = append(m.Lines, RefundLineModel{
			RefundID: r.ID, Position: i, ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice,
		})
	}
	return m
}

func toDomainRefund(m *RefundModel) domain.Refund {
	r := domain.Refund{
		ID:      m.ID,
		Date:    m.Date,
		Total:   m.Total,
		Reason:  m.Reason,
		SaleID:  m.SaleID,
		StoreID: m.StoreID,
		UserID:  m.UserID,
		Status:  domain.RefundStatus(m.Status),
		Lines:   make([]domain.Line, len(m.Lines)),
	}
	for _, l := range m.Lines {
		if l.Position < len(r.Lines) {
			r.Lines[l.Position] = domain.Line{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
		}
	}
	return r
}
