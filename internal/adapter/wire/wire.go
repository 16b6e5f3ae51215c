// Package wire holds the request and response shapes of the ledger's remote
// surface, shared by the ledger handlers and the reservation client.
package wire

import (
	"errors"
	"fmt"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

// IdempotencyHeader may carry the operationId instead of the body.
const IdempotencyHeader = "Idempotency-Key"

type ReserveRequest struct {
	StoreID     string `json:"storeId"`
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	OperationID string `json:"operationId"`
}

type ReserveResponse struct {
	OperationID string `json:"operationId"`
	Remaining   int    `json:"remaining"`
	Replayed    bool   `json:"replayed"`
}

type RestoreRequest struct {
	StoreID     string            `json:"storeId"`
	ProductID   string            `json:"productId"`
	Quantity    int               `json:"quantity"`
	OperationID string            `json:"operationId"`
	Kind        domain.IntentKind `json:"kind,omitempty"`
	Compensates string            `json:"compensates,omitempty"`
}

type RestoreResponse struct {
	OperationID string `json:"operationId"`
	Quantity    int    `json:"quantity"`
	Replayed    bool   `json:"replayed"`
	Voided      bool   `json:"voided,omitempty"`
}

type AdjustRequest struct {
	StoreID   string `json:"storeId"`
	ProductID string `json:"productId"`
	Delta     int    `json:"delta"`
}

type ProvisionRequest struct {
	Quantity int `json:"quantity"`
}

type LowStockRequest struct {
	Threshold int `json:"threshold"`
}

type LowStockResponse struct {
	Records []domain.StockRecord `json:"records"`
}

func (r ReserveRequest) Intent() domain.ReservationIntent {
	return domain.ReservationIntent{
		OperationID: r.OperationID,
		StoreID:     r.StoreID,
		ProductID:   r.ProductID,
		Quantity:    r.Quantity,
		Kind:        domain.IntentReserve,
	}
}

func (r RestoreRequest) Intent() domain.ReservationIntent {
	return domain.ReservationIntent{
		OperationID: r.OperationID,
		StoreID:     r.StoreID,
		ProductID:   r.ProductID,
		Quantity:    r.Quantity,
		Kind:        r.Kind,
		Compensates: r.Compensates,
	}
}

func NewReserveRequest(i domain.ReservationIntent) ReserveRequest {
	return ReserveRequest{StoreID: i.StoreID, ProductID: i.ProductID, Quantity: i.Quantity, OperationID: i.OperationID}
}

func NewRestoreRequest(i domain.ReservationIntent) RestoreRequest {
	return RestoreRequest{
		StoreID: i.StoreID, ProductID: i.ProductID, Quantity: i.Quantity,
		OperationID: i.OperationID, Kind: i.Kind, Compensates: i.Compensates,
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes carried in ErrorResponse.Error and in gRPC error details.
const (
	CodeInsufficientStock = "insufficient_stock"
	CodeNotFound          = "not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeConflict          = "conflict"
	CodeReservationVoided = "reservation_voided"
	CodeOverRefund        = "over_refund"
	CodeNotRefundable     = "not_refundable"
	CodeTransient         = "transient"
	CodeCompensation      = "compensation_failed"
	CodeRestoration       = "restoration_failed"
	CodeInternal          = "internal"
)

var codeErrors = []struct {
	code string
	err  error
}{
	// Most specific first: a failed saga wraps both its cause and the compensation error.
	{CodeCompensation, domain.ErrCompensationFailed},
	{CodeRestoration, domain.ErrRestorationFailed},
	{CodeReservationVoided, domain.ErrReservationVoided},
	{CodeInsufficientStock, domain.ErrInsufficientStock},
	{CodeNotFound, domain.ErrNotFound},
	{CodeInvalidRequest, domain.ErrInvalidRequest},
	{CodeConflict, domain.ErrConflict},
	{CodeOverRefund, domain.ErrOverRefund},
	{CodeNotRefundable, domain.ErrNotRefundable},
	{CodeTransient, domain.ErrTransient},
}

func ErrorCode(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// CodeError turns a code received from the ledger back into the taxonomy.
// ok is false for unknown codes.
func CodeError(code, message string) (error, bool) {
	for _, ce := range codeErrors {
		if ce.code == code {
			return fmt.Errorf("%w: %s", ce.err, message), true
		}
	}
	return nil, false
}
