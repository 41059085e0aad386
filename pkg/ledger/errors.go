package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the accounting service.
var (
	ErrNotEnoughTokens        = errors.New("not enough tokens")
	ErrChargeNotFound         = errors.New("charge not found")
	ErrChargeAlreadySettled   = errors.New("charge already settled")
	ErrChargeAlreadyRefunded  = errors.New("charge already refunded")
	ErrDuplicateExternalEvent = errors.New("duplicate external event")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrEntryStatusConflict    = errors.New("entry status conflict")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidEntryID         = errors.New("invalid entry id")
	ErrInvalidExternalKey     = errors.New("invalid external key")
	ErrInvalidActionKind      = errors.New("invalid action kind")
	ErrInvalidResultRef       = errors.New("invalid result ref")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidEntryKind       = errors.New("invalid entry kind")
	ErrInvalidEntryStatus     = errors.New("invalid entry status")
	ErrInvalidEntry           = errors.New("invalid entry")
	ErrInvalidBalance         = errors.New("invalid balance")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// ErrorKind is the stable, caller-facing classification of a failure.
type ErrorKind string

const (
	KindNotEnoughTokens        ErrorKind = "NOT_ENOUGH_TOKENS"
	KindChargeNotFound         ErrorKind = "CHARGE_NOT_FOUND"
	KindChargeAlreadySettled   ErrorKind = "CHARGE_ALREADY_SETTLED"
	KindChargeAlreadyRefunded  ErrorKind = "CHARGE_ALREADY_REFUNDED"
	KindDuplicateExternalEvent ErrorKind = "DUPLICATE_EXTERNAL_EVENT"
	KindInvalidAmount          ErrorKind = "INVALID_AMOUNT"
	KindInvalidArgument        ErrorKind = "INVALID_ARGUMENT"
	KindStoreUnavailable       ErrorKind = "STORE_UNAVAILABLE"
	KindUnknown                ErrorKind = "UNKNOWN"
)

var invalidArgumentErrors = []error{
	ErrInvalidUserID,
	ErrInvalidEntryID,
	ErrInvalidExternalKey,
	ErrInvalidActionKind,
	ErrInvalidResultRef,
	ErrInvalidMetadataJSON,
	ErrInvalidEntryKind,
	ErrInvalidEntryStatus,
}

// KindOf classifies err using errors.Is. A nil error has an empty kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotEnoughTokens):
		return KindNotEnoughTokens
	case errors.Is(err, ErrChargeNotFound):
		return KindChargeNotFound
	case errors.Is(err, ErrChargeAlreadySettled):
		return KindChargeAlreadySettled
	case errors.Is(err, ErrChargeAlreadyRefunded):
		return KindChargeAlreadyRefunded
	case errors.Is(err, ErrDuplicateExternalEvent):
		return KindDuplicateExternalEvent
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	}
	for _, target := range invalidArgumentErrors {
		if errors.Is(err, target) {
			return KindInvalidArgument
		}
	}
	return KindUnknown
}

// IsDuplicate reports whether err marks a redelivered external event.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateExternalEvent)
}

// Unavailable marks an infrastructure failure so callers can classify it as STORE_UNAVAILABLE.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

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
