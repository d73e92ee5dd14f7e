/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  Every error the ledger surfaces carries a Kind and a safe-to-retry flag
  so the offline queue can decide between keeping an action pending and
  marking it terminal.

ERROR KINDS:
  duplicate_operation   key already committed; treat as success
  insufficient_balance  redemption exceeds balance; terminal for this attempt
  contention            write conflicts outlasted the retry budget; retry later
  stale_idempotency_key key past retention; mint a new operation
  invariant_violation   programmer error; never retried
  account_exists        account id already owned by another member

USAGE:
  receipt, err := l.Award(ctx, req)
  if ledger.IsDuplicate(err) {
      // already applied, receipt holds the original entry
  }

SEE ALSO:
  - ledger.go: Returns these errors
  - offline/queue.go: Classifies them
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateOperation is returned alongside the original receipt when an
	// idempotency key has already been committed.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrInsufficientBalance is returned when a redemption exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrContention is returned when write conflicts persist past the retry budget.
	ErrContention = errors.New("contention")

	// ErrStaleIdempotencyKey is returned for replays of an expired key.
	ErrStaleIdempotencyKey = errors.New("stale idempotency key")

	// ErrInvariantViolation marks malformed requests and broken invariants.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when opening an account that already exists
	// with a different owner.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountArchived is returned when mutating a soft-archived account.
	ErrAccountArchived = errors.New("account archived")

	// ErrConflict is the store-level optimistic concurrency failure. The ledger
	// retries it; it never reaches callers of Award/Redeem.
	ErrConflict = errors.New("write conflict")

	// ErrNotFound is a generic store miss for derived documents.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// KIND - Coarse classification for callers across a process boundary
// =============================================================================

type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindDuplicateOperation  ErrorKind = "duplicate_operation"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindContention          ErrorKind = "contention"
	KindStaleKey            ErrorKind = "stale_idempotency_key"
	KindInvariantViolation  ErrorKind = "invariant_violation"
	KindNotFound            ErrorKind = "not_found"
	KindArchived            ErrorKind = "account_archived"
	KindAccountExists       ErrorKind = "account_exists"
	KindInternal            ErrorKind = "internal"
)

// ParseErrorKind maps a wire value back to a kind. Unknown values map to KindInternal.
func ParseErrorKind(s string) ErrorKind {
	switch k := ErrorKind(s); k {
	case KindNone, KindDuplicateOperation, KindInsufficientBalance, KindContention,
		KindStaleKey, KindInvariantViolation, KindNotFound, KindArchived, KindAccountExists:
		return k
	}
	return KindInternal
}

// Retryable reports whether an operation failing with this kind may succeed
// if resent unchanged.
func (k ErrorKind) Retryable() bool {
	return k == KindContention || k == KindInternal
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDuplicateOperation):
		return KindDuplicateOperation
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrContention), errors.Is(err, ErrConflict):
		return KindContention
	case errors.Is(err, ErrStaleIdempotencyKey):
		return KindStaleKey
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccountArchived):
		return KindArchived
	case errors.Is(err, ErrAccountExists):
		return KindAccountExists
	}
	return KindInternal
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateOperationError is returned with the original receipt on replay.
type DuplicateOperationError struct {
	Key     string
	EntryID EntryID
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("operation %s already committed as entry %s", e.Key, e.EntryID)
}

func (e *DuplicateOperationError) Unwrap() error { return ErrDuplicateOperation }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %d, requested %d, shortfall %d",
		e.AccountID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ContentionError is returned after the retry budget is exhausted.
type ContentionError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// StaleKeyError is returned for replays past the retention window.
type StaleKeyError struct {
	Key string
}

func (e *StaleKeyError) Error() string {
	return fmt.Sprintf("idempotency key %s has expired; submit a new operation", e.Key)
}

func (e *StaleKeyError) Unwrap() error { return ErrStaleIdempotencyKey }

// InvariantError describes a malformed request or a broken invariant.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Reason }

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDuplicate reports whether err signals an already-committed operation.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateOperation) }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
