package dispense

import "context"

// Filter selects dispense records. Zero fields match everything.
type Filter struct {
	PatientID      int64
	PrescriptionID string
	Statuses       []Status
}

func (f Filter) Match(r Record) bool {
	if f.PatientID != 0 && r.PatientID != f.PatientID {
		return false
	}
	if f.PrescriptionID != "" && r.PrescriptionID != f.PrescriptionID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == r.Status {
				return true
			}
		}
		return false
	}
	return true
}

// Store persists dispense records.
//
// At most one record per prescription may be in an Active status. Stores
// enforce this atomically in CreateRecord, which is what makes two racing
// starts for one prescription produce exactly one winner.
type Store interface {
	// CreateRecord inserts r with Version 1. Returns *DuplicateDispenseError
	// if the prescription already has an active record.
	CreateRecord(ctx context.Context, r Record) error

	// UpdateRecord replaces the record if its stored version equals
	// expectedVersion, and bumps the version. Returns ErrStaleRecord otherwise.
	UpdateRecord(ctx context.Context, r Record, expectedVersion int64) error

	// Record returns ErrRecordNotFound for unknown ids.
	Record(ctx context.Context, id string) (Record, error)

	// ActiveRecord returns the active record of a prescription or
	// ErrRecordNotFound.
	ActiveRecord(ctx context.Context, prescriptionID string) (Record, error)

	// Records lists matching records, newest first.
	Records(ctx context.Context, filter Filter) ([]Record, error)
}
