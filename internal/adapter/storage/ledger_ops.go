package storage

import (
	"fmt"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// replay answers a repeated operation id from its stored record.
func replay(rec *domain.OperationRecord, intent domain.ReservationIntent) (domain.MutationResult, error) {
	if rec.Intent.Kind == domain.IntentReserve && rec.Status != domain.OperationApplied {
		return domain.MutationResult{}, fmt.Errorf("%w: operation %s", domain.ErrReservationVoided, intent.OperationID)
	}
	if !rec.Intent.Matches(intent) {
		return domain.MutationResult{}, fmt.Errorf("%w: operation %s was used for %s %d of %s/%s",
			domain.ErrConflict, intent.OperationID, rec.Intent.Kind, rec.Intent.Quantity,
			rec.Intent.StoreID, rec.Intent.ProductID)
	}
	return domain.MutationResult{
		OperationID: intent.OperationID,
		Quantity:    rec.Result,
		Replayed:    true,
		Voided:      rec.Status == domain.OperationVoided,
	}, nil
}

// checkCompensationTarget rejects a release that does not mirror the
// reservation it names.
func checkCompensationTarget(target *domain.OperationRecord, release domain.ReservationIntent) error {
	if target == nil {
		return nil
	}
	if target.Intent.Kind != domain.IntentReserve {
		return fmt.Errorf("%w: %s compensates %s operation %s",
			domain.ErrConflict, release.OperationID, target.Intent.Kind, release.Compensates)
	}
	if target.Intent.StoreID != release.StoreID ||
		target.Intent.ProductID != release.ProductID ||
		target.Intent.Quantity != release.Quantity {
		return fmt.Errorf("%w: release %s does not match reservation %s",
			domain.ErrConflict, release.OperationID, release.Compensates)
	}
	return nil
}
