/*
errors.go - Error taxonomy for the stock ledger

PURPOSE:
  All ledger error types in one place. Callers branch with errors.Is on the
  sentinels and errors.As on the structured types for the numbers.

ERROR CATEGORIES:
  1. Validation   - InsufficientStock, ExpiredBatch, InvalidQuantity,
                    BatchUnavailable, MedicineDisabled, BatchMismatch
  2. Integrity    - OverRelease, OverConsume, InvariantViolation.
                    A caller logic defect. Never retried.
  3. Transient    - ConcurrentModification after the retry bound
  4. Not found    - Batch, Medicine, Transaction

  ReconciliationMismatch is a warning value attached to a StockTake and is
  never returned as an error.

SEE ALSO:
  - ledger.go: Produces these errors
  - dispense/errors.go: Workflow errors built on top
*/
package stock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrExpiredBatch      = errors.New("batch expired")
	ErrInvalidQuantity   = errors.New("invalid quantity")

	// ErrBatchUnavailable is returned for operations on a recalled batch.
	ErrBatchUnavailable = errors.New("batch unavailable")

	ErrMedicineDisabled = errors.New("medicine disabled")

	// ErrBatchMismatch is returned when a stock-in targets an existing batch
	// number with a different expiry date.
	ErrBatchMismatch = errors.New("batch attributes mismatch")

	ErrInvalidTransfer = errors.New("invalid transfer")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrOverRelease        = errors.New("release exceeds held stock")
	ErrOverConsume        = errors.New("consume exceeds reserved stock")
	ErrInvariantViolation = errors.New("ledger invariant violated")

	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrVersionConflict is returned by stores when a conditional write finds
	// a different version. The ledger retries on it.
	ErrVersionConflict = errors.New("version conflict")

	ErrBatchNotFound       = errors.New("batch not found")
	ErrMedicineNotFound    = errors.New("medicine not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError reports a shortage either on one batch (BatchNumber
// set) or across every eligible batch of a medicine.
type InsufficientStockError struct {
	MedicineID  MedicineID
	BatchNumber string
	Available   int64
	Requested   int64
	Shortfall   int64
}

func (e *InsufficientStockError) Error() string {
	if e.BatchNumber != "" {
		return fmt.Sprintf("insufficient stock on %s/%s: available %d, requested %d, shortfall %d",
			e.MedicineID, e.BatchNumber, e.Available, e.Requested, e.Shortfall)
	}
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d, shortfall %d",
		e.MedicineID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type ExpiredBatchError struct {
	Key    BatchKey
	Expiry string
}

func (e *ExpiredBatchError) Error() string {
	return fmt.Sprintf("batch %s expired on %s", e.Key, e.Expiry)
}

func (e *ExpiredBatchError) Unwrap() error { return ErrExpiredBatch }

type InvalidQuantityError struct {
	Quantity int64
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d", e.Quantity)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// OverReleaseError is returned when a release or unlock exceeds the held pool.
type OverReleaseError struct {
	Key       BatchKey
	Pool      string // "reserved" or "locked"
	Held      int64
	Requested int64
}

func (e *OverReleaseError) Error() string {
	return fmt.Sprintf("over-release on %s: %s pool holds %d, requested %d",
		e.Key, e.Pool, e.Held, e.Requested)
}

func (e *OverReleaseError) Unwrap() error { return ErrOverRelease }

type OverConsumeError struct {
	Key       BatchKey
	Reserved  int64
	Requested int64
}

func (e *OverConsumeError) Error() string {
	return fmt.Sprintf("over-consume on %s: reserved %d, requested %d",
		e.Key, e.Reserved, e.Requested)
}

func (e *OverConsumeError) Unwrap() error { return ErrOverConsume }

type ConcurrentModificationError struct {
	Key      BatchKey
	Attempts int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification on %s: gave up after %d attempts", e.Key, e.Attempts)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

// ReconciliationMismatch is a non-fatal discrepancy found by a stock take.
// Anomaly is the part of a shrinkage that could not be absorbed by the
// available pool because it is held by reservations or locks.
type ReconciliationMismatch struct {
	Key      BatchKey
	Expected int64
	Counted  int64
	Delta    int64
	Anomaly  int64
}

func (m *ReconciliationMismatch) String() string {
	s := fmt.Sprintf("stock take mismatch on %s: ledger %d, counted %d (delta %+d)",
		m.Key, m.Expected, m.Counted, m.Delta)
	if m.Anomaly > 0 {
		s += fmt.Sprintf(", %d units unaccounted for in held stock", m.Anomaly)
	}
	return s
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrVersionConflict)
}

// IsFatal returns true for ledger integrity failures.
func IsFatal(err error) bool {
	return errors.Is(err, ErrOverRelease) ||
		errors.Is(err, ErrOverConsume) ||
		errors.Is(err, ErrInvariantViolation)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrExpiredBatch) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrBatchUnavailable) ||
		errors.Is(err, ErrMedicineDisabled) ||
		errors.Is(err, ErrBatchMismatch) ||
		errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, ErrInvalidArgument)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrMedicineNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
