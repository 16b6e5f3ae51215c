package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// StockRecord is the authoritative quantity of one product in one store.
type StockRecord struct {
	StoreID   string    `json:"storeId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	Version   int       `json:"-"` // bumped on every conditional update
	UpdatedAt time.Time `json:"-"`
}

type IntentKind string

const (
	IntentReserve IntentKind = "reserve"
	IntentRelease IntentKind = "release"
	IntentRestore IntentKind = "restore"
)

func (k IntentKind) Valid() bool {
	switch k {
	case IntentReserve, IntentRelease, IntentRestore:
		return true
	}
	return false
}

// Decrements reports whether the kind takes stock out of the ledger.
func (k IntentKind) Decrements() bool {
	return k == IntentReserve
}

// ReservationIntent is one ledger mutation request. The same OperationID
// always maps to at most one applied effect.
type ReservationIntent struct {
	OperationID string     `json:"operationId"`
	StoreID     string     `json:"storeId"`
	ProductID   string     `json:"productId"`
	Quantity    int        `json:"quantity"`
	Kind        IntentKind `json:"kind"`

	// Compensates is set on releases and names the reservation being undone.
	Compensates string `json:"compensates,omitempty"`
}

func (i ReservationIntent) Validate() error {
	if i.OperationID == "" {
		return fmt.Errorf("%w: operationId is required", ErrInvalidRequest)
	}
	if i.StoreID == "" || i.ProductID == "" {
		return fmt.Errorf("%w: storeId and productId are required", ErrInvalidRequest)
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: unknown intent kind %q", ErrInvalidRequest, i.Kind)
	}
	if i.Kind == IntentRelease && i.Compensates == "" {
		return fmt.Errorf("%w: release must name the reservation it compensates", ErrInvalidRequest)
	}
	return nil
}

// Matches reports whether other describes the same effect, which is the
// requirement for replaying a stored operation.
func (i ReservationIntent) Matches(other ReservationIntent) bool {
	return i.StoreID == other.StoreID &&
		i.ProductID == other.ProductID &&
		i.Quantity == other.Quantity &&
		i.Kind == other.Kind
}

// OperationID derives the idempotency key for a line of a sale, refund or
// cancellation. Retried requests for the same source collapse onto the same key.
func OperationID(sourceID, productID string, kind IntentKind) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + sourceID + "|" + productID))
	return string(kind) + "-" + hex.EncodeToString(sum[:16])
}

// MutationResult is what the ledger reports for an applied (or replayed) intent.
type MutationResult struct {
	OperationID string `json:"operationId"`
	Quantity    int    `json:"quantity"` // quantity of the row after the mutation
	Replayed    bool   `json:"replayed"`
	// Voided is set on a release whose reservation never applied; nothing was restored.
	Voided bool `json:"voided,omitempty"`
}

// OperationStatus is the state of an entry in the idempotency ledger.
type OperationStatus string

const (
	OperationApplied OperationStatus = "applied"
	// OperationVoided marks a reservation cancelled before it ever applied,
	// or a release that found nothing to give back.
	OperationVoided OperationStatus = "voided"
	// OperationReleased marks a reservation whose stock was handed back.
	OperationReleased OperationStatus = "released"
)

// OperationRecord is a retained idempotency ledger entry.
type OperationRecord struct {
	Intent    ReservationIntent
	Result    int
	Status    OperationStatus
	CreatedAt time.Time
}
