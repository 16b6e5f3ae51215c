package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrConflict           = errors.New("conflict")
	ErrOverRefund         = errors.New("refund exceeds sale")
	ErrNotRefundable      = errors.New("sale is not refundable")
	ErrTransient          = errors.New("transient failure")
	ErrCompensationFailed = errors.New("compensation failed")
	ErrRestorationFailed  = errors.New("restoration failed")
	ErrReservationVoided  = errors.New("reservation voided by compensation")
)

// IsBusinessDecline reports errors that are final outcomes and must never be retried.
func IsBusinessDecline(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrReservationVoided)
}

// TransientError is a timeout, connection failure or 5xx that survived the retry policy.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("transient failure after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// CompensationFailure describes one release or restore that could not be confirmed.
type CompensationFailure struct {
	OperationID string
	StoreID     string
	ProductID   string
	Quantity    int
	Err         error
}

// SagaError is returned when a sale could not be created. Compensated tells the
// caller whether every reservation taken by the attempt was given back.
type SagaError struct {
	SaleID      string
	FailedLine  int // -1 when persistence failed
	ProductID   string
	Cause       error
	Compensated bool
	Failures    []CompensationFailure
}

func (e *SagaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sale %s failed", e.SaleID)
	if e.FailedLine >= 0 {
		fmt.Fprintf(&b, " at line %d (product %s)", e.FailedLine, e.ProductID)
	} else {
		b.WriteString(" during persistence")
	}
	fmt.Fprintf(&b, ": %v", e.Cause)
	if !e.Compensated {
		fmt.Fprintf(&b, "; %d compensation(s) unconfirmed", len(e.Failures))
	}
	return b.String()
}

func (e *SagaError) Unwrap() []error {
	if e.Compensated {
		return []error{e.Cause}
	}
	return []error{e.Cause, ErrCompensationFailed}
}

// RestorationError is returned when refund or cancellation restores did not all
// apply. Retrying with the same source id resumes the pending lines.
type RestorationError struct {
	SourceID string
	Pending  []CompensationFailure
}

func (e *RestorationError) Error() string {
	return fmt.Sprintf("%d restore(s) pending for %s", len(e.Pending), e.SourceID)
}

func (e *RestorationError) Unwrap() error { return ErrRestorationFailed }
