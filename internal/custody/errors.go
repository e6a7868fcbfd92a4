package custody

import (
	"errors"
	"fmt"

	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
)

var (
	// ErrUnavailable marks transient processor failures worth retrying.
	ErrUnavailable = errors.New("payment processor unavailable")
	// ErrRejected marks terminal processor refusals.
	ErrRejected = errors.New("payment processor rejected request")
)

type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindRejected    Kind = "rejected"
)

// ProcessorError keeps the raw processor code for the audit timeline.
type ProcessorError struct {
	Kind      Kind
	Operation string
	Code      string
	Message   string
	Err       error
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("custody %s %s (%s): %s", e.Operation, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("custody %s %s: %s", e.Operation, e.Kind, e.Message)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

func (e *ProcessorError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

func unavailable(op, code, msg string, err error) *ProcessorError {
	return &ProcessorError{Kind: KindUnavailable, Operation: op, Code: code, Message: msg, Err: err}
}

func rejected(op, code, msg string, err error) *ProcessorError {
	return &ProcessorError{Kind: KindRejected, Operation: op, Code: code, Message: msg, Err: err}
}

// AsProcessorError extracts the processor error from a chain.
func AsProcessorError(err error) (*ProcessorError, bool) {
	var perr *ProcessorError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// destinationCodes are disbursement refusals caused by the seller's payout
// account rather than by the held funds.
var destinationCodes = map[string]bool{
	"missing_destination":                    true,
	"account_invalid":                        true,
	"account_closed":                         true,
	"transfers_not_allowed":                  true,
	"payouts_not_allowed":                    true,
	"insufficient_capabilities_for_transfer": true,
}

// IsDestinationRejected reports whether a disbursement was refused because
// the destination account cannot receive it. Nothing moved in that case.
func IsDestinationRejected(err error) bool {
	perr, ok := AsProcessorError(err)
	return ok && perr.Kind == KindRejected && perr.Operation == OpDisburse && destinationCodes[perr.Code]
}

// ToAPIError maps processor failures onto the API error codes. The public
// message stays generic; the raw code travels in the cause for logs.
func ToAPIError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUnavailable):
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment processor unavailable, try again later")
	case errors.Is(err, ErrRejected):
		return pkgerrors.Wrap(pkgerrors.CodePaymentFailed, err, "payment was declined")
	}
	return err
}
