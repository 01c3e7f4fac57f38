package dispense

import (
	"errors"
	"fmt"

	"github.com/warp/pharmacy-engine/stock"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrDuplicateDispense   = errors.New("duplicate dispense")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrReviewRequired      = errors.New("review approval required before delivery")
	ErrItemsIncomplete     = errors.New("dispense items incomplete")
	ErrReturnExceeds       = errors.New("return exceeds outstanding quantity")
	ErrInvalidPrescription = errors.New("invalid prescription")
	ErrInvalidSubstitute   = errors.New("invalid substitute")

	ErrRecordNotFound = errors.New("dispense record not found")
	ErrItemNotFound   = errors.New("dispense item not found")

	// ErrStaleRecord is returned by stores when the record version moved.
	ErrStaleRecord = errors.New("stale dispense record")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type DuplicateDispenseError struct {
	PrescriptionID string
	ExistingID     string
	Status         Status
}

func (e *DuplicateDispenseError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("prescription %s already has an active dispense", e.PrescriptionID)
	}
	return fmt.Sprintf("prescription %s already has an active dispense %s (%s)",
		e.PrescriptionID, e.ExistingID, e.Status)
}

func (e *DuplicateDispenseError) Unwrap() error { return ErrDuplicateDispense }

type InvalidTransitionError struct {
	RecordID string
	From     Status
	Action   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s dispense %s in status %s", e.Action, e.RecordID, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type IncompleteItemsError struct {
	Lines []int
}

func (e *IncompleteItemsError) Error() string {
	return fmt.Sprintf("items not dispensed, substituted or accepted short: lines %v", e.Lines)
}

func (e *IncompleteItemsError) Unwrap() error { return ErrItemsIncomplete }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateDispense) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrReviewRequired) ||
		errors.Is(err, ErrItemsIncomplete) ||
		errors.Is(err, ErrReturnExceeds) ||
		errors.Is(err, ErrInvalidPrescription) ||
		errors.Is(err, ErrInvalidSubstitute) ||
		stock.IsClientError(err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrItemNotFound) ||
		stock.IsNotFound(err)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleRecord) || stock.IsRetryable(err)
}
