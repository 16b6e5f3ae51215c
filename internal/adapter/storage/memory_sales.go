package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// MemorySaleRepository keeps sales and refunds in process. One mutex stands in
// for the sale row lock the SQL repository takes.
type MemorySaleRepository struct {
	mu           sync.Mutex
	sales        map[string]*domain.Sale
	refunds      map[string]*domain.Refund
	refundOrder  map[string][]string // sale id -> refund ids
	restorations map[string]map[string]string
}

func NewMemorySaleRepository() *MemorySaleRepository {
	return &MemorySaleRepository{
		sales:        make(map[string]*domain.Sale),
		refunds:      make(map[string]*domain.Refund),
		refundOrder:  make(map[string][]string),
		restorations: make(map[string]map[string]string),
	}
}

func cloneSale(s *domain.Sale) *domain.Sale {
	c := *s
	c.Lines = slices.Clone(s.Lines)
	return &c
}

func cloneRefund(r *domain.Refund) domain.Refund {
	c := *r
	c.Lines = slices.Clone(r.Lines)
	return c
}

func (r *MemorySaleRepository) CreateSale(ctx context.Context, sale *domain.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sales[sale.ID]; ok {
		return fmt.Errorf("%w: sale %s already exists", domain.ErrConflict, sale.ID)
	}
	r.sales[sale.ID] = cloneSale(sale)
	return nil
}

func (r *MemorySaleRepository) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", domain.ErrNotFound, id)
	}
	return cloneSale(s), nil
}

func (r *MemorySaleRepository) TransitionSale(ctx context.Context, id string, from []domain.SaleStatus, to domain.SaleStatus) (*domain.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", domain.ErrNotFound, id)
	}
	if !slices.Contains(from, s.Status) {
		return nil, fmt.Errorf("%w: sale %s is %s", domain.ErrConflict, id, s.Status)
	}
	if to == domain.SaleStatusCancelled && len(r.refundOrder[id]) > 0 {
		return nil, fmt.Errorf("%w: sale %s has refunds", domain.ErrConflict, id)
	}
	s.Status = to
	return cloneSale(s), nil
}

func (r *MemorySaleRepository) ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(saleID), nil
}

func (r *MemorySaleRepository) listLocked(saleID string) []domain.Refund {
	out := make([]domain.Refund, 0, len(r.refundOrder[saleID]))
	for _, id := range r.refundOrder[saleID] {
		out = append(out, cloneRefund(r.refunds[id]))
	}
	return out
}

func (r *MemorySaleRepository) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refunds[id]
	if !ok {
		return nil, fmt.Errorf("%w: refund %s", domain.ErrNotFound, id)
	}
	c := cloneRefund(ref)
	return &c, nil
}

func (r *MemorySaleRepository) ClaimRefund(ctx context.Context, refund *domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[refund.SaleID]
	if !ok {
		return fmt.Errorf("%w: sale %s", domain.ErrNotFound, refund.SaleID)
	}
	if _, dup := r.refunds[refund.ID]; dup {
		return fmt.Errorf("%w: refund %s already claimed", domain.ErrConflict, refund.ID)
	}
	if err := domain.CheckRefund(s, r.listLocked(refund.SaleID), refund); err != nil {
		return err
	}
	refund.Status = domain.RefundPending
	c := cloneRefund(refund)
	r.refunds[refund.ID] = &c
	r.refundOrder[refund.SaleID] = append(r.refundOrder[refund.SaleID], refund.ID)
	return nil
}

func (r *MemorySaleRepository) CompleteRefund(ctx context.Context, refundID string) (*domain.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("%w: refund %s", domain.ErrNotFound, refundID)
	}
	ref.Status = domain.RefundCompleted

	s := r.sales[ref.SaleID]
	refunded := decimal.Zero
	for _, id := range r.refundOrder[ref.SaleID] {
		if other := r.refunds[id]; other.Status == domain.RefundCompleted {
			refunded = refunded.Add(other.Total)
		}
	}
	if s.Status.Refundable() {
		s.Status = domain.StatusAfterRefunds(s, refunded)
	}
	return cloneSale(s), nil
}

func (r *MemorySaleRepository) RecordRestoration(ctx context.Context, sourceID, productID, operationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.restorations[sourceID]
	if !ok {
		m = make(map[string]string)
		r.restorations[sourceID] = m
	}
	if _, done := m[productID]; !done {
		m[productID] = operationID
	}
	return nil
}

func (r *MemorySaleRepository) Restorations(ctx context.Context, sourceID string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.restorations[sourceID]))
	for k, v := range r.restorations[sourceID] {
		out[k] = v
	}
	return out, nil
}
