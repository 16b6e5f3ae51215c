package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// GormSaleRepository persists sales and refunds. Refund claims lock the sale
// row so the cumulative refund check and the insert are one decision.
type GormSaleRepository struct {
	db *gorm.DB
}

func NewGormSaleRepository(db *gorm.DB) *GormSaleRepository {
	return &GormSaleRepository{db: db}
}

func (r *GormSaleRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&SaleModel{}, &SaleLineModel{}, &RefundModel{}, &RefundLineModel{}, &RestorationModel{},
	)
}

func (r *GormSaleRepository) CreateSale(ctx context.Context, sale *domain.Sale) error {
	model := toSaleModel(sale)
	err := r.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: sale %s already exists", domain.ErrConflict, sale.ID)
	}
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (r *GormSaleRepository) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var model SaleModel
	err := r.db.WithContext(ctx).Preload("Lines").First(&model, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "sale", id)
	}
	return toDomainSale(&model), nil
}

func (r *GormSaleRepository) TransitionSale(ctx context.Context, id string, from []domain.SaleStatus, to domain.SaleStatus) (*domain.Sale, error) {
	var sale *domain.Sale
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockSale(tx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, s := range from {
			if locked.Status == string(s) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: sale %s is %s", domain.ErrConflict, id, locked.Status)
		}
		if to == domain.SaleStatusCancelled {
			var refunds int64
			if err := tx.Model(&RefundModel{}).Where("sale_id = ?", id).Count(&refunds).Error; err != nil {
				return fmt.Errorf("count refunds: %w", err)
			}
			if refunds > 0 {
				return fmt.Errorf("%w: sale %s has refunds", domain.ErrConflict, id)
			}
		}
		if err := tx.Model(&SaleModel{}).Where("id = ?", id).Update("status", string(to)).Error; err != nil {
			return fmt.Errorf("update sale status: %w", err)
		}
		locked.Status = string(to)
		sale = toDomainSale(locked)
		return nil
	})
	return sale, err
}

func (r *GormSaleRepository) ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	return listRefunds(r.db.WithContext(ctx), saleID)
}

func (r *GormSaleRepository) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	var model RefundModel
	if err := r.db.WithContext(ctx).Preload("Lines").First(&model, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "refund", id)
	}
	refund := toDomainRefund(&model)
	return &refund, nil
}

func (r *GormSaleRepository) ClaimRefund(ctx context.Context, refund *domain.Refund) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockSale(tx, refund.SaleID)
		if err != nil {
			return err
		}
		existing, err := listRefunds(tx, refund.SaleID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ID == refund.ID {
				return fmt.Errorf("%w: refund %s already claimed", domain.ErrConflict, refund.ID)
			}
		}
		if err := domain.CheckRefund(toDomainSale(locked), existing, refund); err != nil {
			return err
		}

		refund.Status = domain.RefundPending
		model := toRefundModel(refund)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		return nil
	})
}

func (r *GormSaleRepository) CompleteRefund(ctx context.Context, refundID string) (*domain.Sale, error) {
	var sale *domain.Sale
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refund RefundModel
		if err := tx.First(&refund, "id = ?", refundID).Error; err != nil {
			return notFound(err, "refund", refundID)
		}
		locked, err := lockSale(tx, refund.SaleID)
		if err != nil {
			return err
		}

		if refund.Status != string(domain.RefundCompleted) {
			if err := tx.Model(&RefundModel{}).Where("id = ?", refundID).
				Update("status", string(domain.RefundCompleted)).Error; err != nil {
				return fmt.Errorf("complete refund: %w", err)
			}
		}

		var completed []decimal.Decimal
		if err := tx.Model(&RefundModel{}).
			Where("sale_id = ? AND status = ?", refund.SaleID, string(domain.RefundCompleted)).
			Pluck("total", &completed).Error; err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		refunded := decimal.Zero
		for _, t := range completed {
			refunded = refunded.Add(t)
		}

		sale = toDomainSale(locked)
		if sale.Status.Refundable() {
			sale.Status = domain.StatusAfterRefunds(sale, refunded)
			if err := tx.Model(&SaleModel{}).Where("id = ?", sale.ID).
				Update("status", string(sale.Status)).Error; err != nil {
				return fmt.Errorf("update sale status: %w", err)
			}
		}
		return nil
	})
	return sale, err
}

func (r *GormSaleRepository) RecordRestoration(ctx context.Context, sourceID, productID, operationID string) error {
	model := RestorationModel{SourceID: sourceID, ProductID: productID, OperationID: operationID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

func (r *GormSaleRepository) Restorations(ctx context.Context, sourceID string) (map[string]string, error) {
	var models []RestorationModel
	if err := r.db.WithContext(ctx).Where("source_id = ?", sourceID).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query restorations: %w", err)
	}
	out := make(map[string]string, len(models))
	for _, m := range models {
		out[m.ProductID] = m.OperationID
	}
	return out, nil
}

func lockSale(tx *gorm.DB, id string) (*SaleModel, error) {
	var model SaleModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Lines").First(&model, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "sale", id)
	}
	return &model, nil
}

func listRefunds(db *gorm.DB, saleID string) ([]domain.Refund, error) {
	var models []RefundModel
	if err := db.Preload("Lines").Where("sale_id = ?", saleID).Order("date").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query refunds: %w", err)
	}
	refunds := make([]domain.Refund, 0, len(models))
	for i := range models {
		refunds = append(refunds, toDomainRefund(&models[i]))
	}
	return refunds, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
	}
	return fmt.Errorf("query %s: %w", what, err)
}
