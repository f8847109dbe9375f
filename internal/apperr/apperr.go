package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable category of an error. Callers outside
// the core switch on it; the text may change, the kind may not.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindNotFound            Kind = "NOT_FOUND"
	KindStrategyNotActive   Kind = "STRATEGY_NOT_ACTIVE"
	KindInvalidAddress      Kind = "INVALID_ADDRESS"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindDuplicateDeposit    Kind = "DUPLICATE_DEPOSIT"
	KindExecutionInProgress Kind = "EXECUTION_IN_PROGRESS"
	KindConflict            Kind = "CONFLICT"
	KindTransient           Kind = "TRANSIENT"
	KindOnChainFailure      Kind = "ONCHAIN_FAILURE"
	KindSwapUnconfirmed     Kind = "SWAP_UNCONFIRMED"
	KindSwapOutputUnknown   Kind = "SWAP_OUTPUT_UNKNOWN"
	KindPayoutFailed        Kind = "PAYOUT_FAILED"
	KindLedgerInconsistent  Kind = "LEDGER_INCONSISTENT"
	KindInternal            Kind = "INTERNAL"
)

type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.Retryable()}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.Retryable(), Err: err}
}

// Transient wraps an infrastructure failure (RPC timeout, store unavailable)
// so the job queue retries it.
func Transient(err error, message string) *Error {
	return Wrap(KindTransient, err, message)
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the job queue may run the work again. Errors that
// did not pass through this package are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// PublicMessage is the text safe to return to an end user: validation and
// rejection reasons verbatim, infrastructure failures masked.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindValidation, KindNotFound, KindStrategyNotActive, KindInvalidAddress,
		KindInsufficientBalance, KindDuplicateDeposit, KindExecutionInProgress, KindConflict:
		return e.Message
	default:
		return "internal error"
	}
}

// Retryable reports whether errors of this kind are retried by default.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindOnChainFailure:
		return true
	default:
		return false
	}
}

// OperatorKinds are failures that leave funds or the ledger in a state only
// manual reconciliation can resolve.
func OperatorKinds() []Kind {
	return []Kind{KindSwapUnconfirmed, KindSwapOutputUnknown, KindPayoutFailed, KindLedgerInconsistent}
}

func (k Kind) NeedsOperator() bool {
	for _, op := range OperatorKinds() {
		if op == k {
			return true
		}
	}
	return false
}
