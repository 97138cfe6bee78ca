/*
errors.go - Error taxonomy for the energy ledger

ERROR CATEGORIES:
  1. Domain errors - terminal, surfaced to the end caller, never retried
     (ErrInsufficientEnergy, ErrInvalidAction)
  2. Transient errors - retried with backoff by the Service, then surfaced
     as *TransientError (ErrConcurrentConflict, ErrPersistenceFailure)
  3. Store signals - consumed inside the Service
     (ErrDuplicateReference, ErrWalletNotFound)

USAGE:
  res, err := svc.Spend(ctx, req)
  switch {
  case errors.Is(err, ledger.ErrInsufficientEnergy):
      // ask the user to top up
  case ledger.IsTransient(err):
      // try again later
  }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientEnergy is returned when a spend exceeds the balance.
	ErrInsufficientEnergy = errors.New("insufficient energy")

	// ErrInvalidAction is returned for malformed input: unknown action key,
	// non-positive credit amount, bad metadata.
	ErrInvalidAction = errors.New("invalid action")

	// ErrConcurrentConflict is returned by a store when the wallet changed
	// between read and write.
	ErrConcurrentConflict = errors.New("concurrent wallet modification")

	// ErrPersistenceFailure wraps any failure of the underlying store.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrDuplicateReference is returned by Append when (user, reference)
	// already exists.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrWalletNotFound is returned when a wallet has not been created yet.
	ErrWalletNotFound = errors.New("wallet not found")
)

// Error codes exposed to callers.
const (
	CodeInsufficientEnergy = "INSUFFICIENT_ENERGY"
	CodeInvalidAction      = "INVALID_ACTION"
	CodeConcurrentConflict = "CONCURRENT_CONFLICT"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeWalletNotFound     = "WALLET_NOT_FOUND"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientEnergyError provides details about a balance shortage.
type InsufficientEnergyError struct {
	UserID    UserID
	Action    string
	Available int64
	Requested int64
}

func (e *InsufficientEnergyError) Error() string {
	return fmt.Sprintf("insufficient energy for %s: available %d, requested %d",
		e.Action, e.Available, e.Requested)
}

func (e *InsufficientEnergyError) Unwrap() error {
	return ErrInsufficientEnergy
}

// InvalidActionError names the offending input.
type InvalidActionError struct {
	Field  string
	Reason string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action: %s: %s", e.Field, e.Reason)
}

func (e *InvalidActionError) Unwrap() error {
	return ErrInvalidAction
}

func invalid(field, format string, args ...any) error {
	return &InvalidActionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientError is returned once bounded retries are exhausted. No partial
// mutation is visible when it is returned.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentConflict) || errors.Is(err, ErrPersistenceFailure)
}

// IsTransient returns true for "try again later" failures, as opposed to
// domain errors the user has to act on.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// IsDomainError returns true for terminal, caller-visible errors.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInsufficientEnergy) || errors.Is(err, ErrInvalidAction)
}

// Code maps err to its public error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientEnergy):
		return CodeInsufficientEnergy
	case errors.Is(err, ErrInvalidAction):
		return CodeInvalidAction
	case errors.Is(err, ErrWalletNotFound):
		return CodeWalletNotFound
	case errors.Is(err, ErrConcurrentConflict):
		return CodeConcurrentConflict
	case errors.Is(err, ErrPersistenceFailure):
		return CodePersistenceFailure
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeInternal
}

// Persistence wraps a driver error so it matches ErrPersistenceFailure while
// keeping the original error inspectable.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op, err)
}
