package wire

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

const errorDomain = "retail-stock"

// ToStatus converts a ledger error into a gRPC status carrying the error
// code as ErrorInfo.Reason.
func ToStatus(err error) error {
	code := ErrorCode(err)
	var c codes.Code
	switch code {
	case CodeInsufficientStock, CodeNotRefundable:
		c = codes.FailedPrecondition
	case CodeNotFound:
		c = codes.NotFound
	case CodeInvalidRequest:
		c = codes.InvalidArgument
	case CodeConflict, CodeReservationVoided, CodeOverRefund:
		c = codes.Aborted
	case CodeTransient:
		c = codes.Unavailable
	default:
		c = codes.Internal
	}
	switch {
	case errors.Is(err, context.Canceled):
		c = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		c = codes.DeadlineExceeded
	}
	st := status.New(c, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: code, Domain: errorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// FromStatus maps a gRPC error from the ledger back into the taxonomy. The
// bool is false for errors worth retrying.
func FromStatus(err error) (error, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return err, false
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
			if mapped, known := CodeError(info.Reason, st.Message()); known && !errors.Is(mapped, domain.ErrTransient) {
				return mapped, true
			}
		}
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return errors.Join(domain.ErrInsufficientStock, err), true
	case codes.NotFound:
		return errors.Join(domain.ErrNotFound, err), true
	case codes.InvalidArgument:
		return errors.Join(domain.ErrInvalidRequest, err), true
	case codes.Aborted, codes.AlreadyExists:
		return errors.Join(domain.ErrConflict, err), true
	}
	return err, false
}
