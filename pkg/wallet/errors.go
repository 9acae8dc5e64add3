package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the reconciliation core.
var (
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrNetwork                  = errors.New("network error")
	ErrDuplicateSubmission      = errors.New("duplicate submission")
	ErrReconciliationDrift      = errors.New("reconciliation drift")
	ErrDuplicateEvent           = errors.New("duplicate event")
	ErrStaleSignal              = errors.New("stale signal")
	ErrStaleSnapshot            = errors.New("stale snapshot")
	ErrUnknownDelta             = errors.New("unknown pending delta")
	ErrUnknownAnchor            = errors.New("unknown page anchor")
	ErrRedemptionInFlight       = errors.New("redemption in flight")
	ErrRedemptionRejected       = errors.New("redemption rejected")
	ErrRedemptionTimeout        = errors.New("redemption timed out")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidEventID           = errors.New("invalid event id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidDelta             = errors.New("invalid amount delta")
	ErrInvalidTTL               = errors.New("invalid ttl")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidSignal            = errors.New("invalid signal")
	ErrInvalidPageSize          = errors.New("invalid page size")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrEngineClosed             = errors.New("engine closed")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
