/*
Package dispense drives the fulfilment of one prescription.

PURPOSE:
  A dispense Record walks a validated prescription through the pharmacy:
  allocate stock per line, physically dispense, optionally review, deliver
  to the patient, and handle returns or cancellation. Stock only ever moves
  through stock.Ledger.

TRANSITIONS:
  start     PENDING              -> IN_PROGRESS
  complete  IN_PROGRESS          -> DISPENSED
  review    DISPENSED            -> DISPENSED (approve) | IN_PROGRESS (reject)
  deliver   DISPENSED            -> DELIVERED
  return    DISPENSED, DELIVERED -> RETURNED once nothing is outstanding
  cancel    PENDING, IN_PROGRESS -> CANCELLED

  Terminal: DELIVERED (unless returned), RETURNED, CANCELLED.
  Active (blocks a second dispense of the same prescription):
  PENDING, IN_PROGRESS, DISPENSED, DELIVERED.

STOCK EFFECTS:
  dispense item  -> Ledger.ReservePlan (FEFO)
  deliver        -> Ledger.Consume per allocation (the only permanent removal)
  return         -> Ledger.Release before delivery, Ledger.Restock after
  cancel         -> Ledger.Release of everything still held

SEE ALSO:
  - workflow.go: Transitions
  - stock/fefo.go: Allocation planning
*/
package dispense

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/pharmacy-engine/stock"
)

// =============================================================================
// STATUSES
// =============================================================================

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDispensed  Status = "DISPENSED"
	StatusDelivered  Status = "DELIVERED"
	StatusReturned   Status = "RETURNED"
	StatusCancelled  Status = "CANCELLED"
)

// Active reports whether a record in this status blocks another dispense of
// the same prescription.
func (s Status) Active() bool {
	return s != StatusCancelled && s != StatusReturned
}

// ActiveStatuses lists the statuses for which Active is true.
var ActiveStatuses = []Status{StatusPending, StatusInProgress, StatusDispensed, StatusDelivered}

type ItemStatus string

const (
	ItemPending     ItemStatus = "PENDING"
	ItemDispensed   ItemStatus = "DISPENSED"
	ItemSubstituted ItemStatus = "SUBSTITUTED"
	ItemOutOfStock  ItemStatus = "OUT_OF_STOCK"
	ItemReturned    ItemStatus = "RETURNED"
)

type ReviewStatus string

const (
	ReviewNone     ReviewStatus = ""
	ReviewApproved ReviewStatus = "APPROVED"
	ReviewRejected ReviewStatus = "REJECTED"
)

type StockCheck string

const (
	StockUnchecked  StockCheck = ""
	StockSufficient StockCheck = "SUFFICIENT"
	StockShort      StockCheck = "SHORT"
)

// =============================================================================
// PRESCRIPTION - validated input from the prescribing side
// =============================================================================

type Prescription struct {
	ID        string
	PatientID int64
	DoctorID  int64
	Lines     []Line
	Warnings  []string // free-text warnings from prescription validation
}

type Line struct {
	MedicineID         stock.MedicineID
	Quantity           int64
	InteractionWarning bool
	AllergyWarning     bool
	Controlled         bool
	Instructions       string
}

// =============================================================================
// RECORD & ITEMS
// =============================================================================

// Allocation is the part of an item taken from one batch.
//
//	Held       = Quantity - Released - Consumed  (still reserved)
//	Returnable = Consumed - Restocked            (delivered, not yet returned)
type Allocation struct {
	BatchNumber string
	Expiry      time.Time
	UnitCost    decimal.Decimal
	Quantity    int64
	Released    int64
	Consumed    int64
	Restocked   int64
}

func (a Allocation) Held() int64       { return a.Quantity - a.Released - a.Consumed }
func (a Allocation) Returnable() int64 { return a.Consumed - a.Restocked }

type Item struct {
	Line               int
	MedicineID         stock.MedicineID
	OriginalMedicineID stock.MedicineID // set when substituted
	Requested          int64
	Dispensed          int64
	Shortfall          int64
	Status             ItemStatus

	Accepted     bool // short fill accepted by the pharmacist
	AcceptReason string

	SubstituteReason string

	InteractionWarning bool
	AllergyWarning     bool
	Controlled         bool
	Instructions       string

	Allocations []Allocation

	Returned     int64
	ReturnReason string
	QualityCheck string
}

// Flagged reports whether the item forces a review before delivery.
func (it Item) Flagged() bool {
	return it.InteractionWarning || it.AllergyWarning || it.Controlled
}

// Settled reports whether Complete may proceed past this item.
func (it Item) Settled() bool {
	switch it.Status {
	case ItemDispensed, ItemSubstituted, ItemReturned:
		return true
	case ItemOutOfStock:
		return it.Accepted
	}
	return false
}

func (it Item) Held() int64 {
	var n int64
	for _, a := range it.Allocations {
		n += a.Held()
	}
	return n
}

func (it Item) Returnable() int64 {
	var n int64
	for _, a := range it.Allocations {
		n += a.Returnable()
	}
	return n
}

type Record struct {
	ID             string
	PrescriptionID string
	PatientID      int64
	Status         Status
	Items          []Item
	Warnings       []string
	StockCheck     StockCheck

	RequiresReview bool
	Review         ReviewStatus
	ReviewComments string

	StartedBy   int64
	DispensedBy int64
	ReviewedBy  int64
	DeliveredBy int64

	DeliveryNotes string
	CancelReason  string
	ReturnReason  string

	CreatedAt   time.Time
	StartedAt   *time.Time
	DispensedAt *time.Time
	ReviewedAt  *time.Time
	DeliveredAt *time.Time
	ReturnedAt  *time.Time
	CancelledAt *time.Time
	UpdatedAt   time.Time

	Version int64
}

// Clone returns a deep copy so callers can mutate without aliasing a store.
func (r Record) Clone() Record {
	out := r
	out.Warnings = append([]string(nil), r.Warnings...)
	out.Items = make([]Item, len(r.Items))
	for i, it := range r.Items {
		it.Allocations = append([]Allocation(nil), it.Allocations...)
		out.Items[i] = it
	}
	return out
}

// Outstanding is the number of units still out with the patient or held
// for them, i.e. what a full return would give back.
func (r Record) Outstanding() int64 {
	var n int64
	for _, it := range r.Items {
		n += it.Held() + it.Returnable()
	}
	return n
}

// =============================================================================
// BILLING HANDOFF
// =============================================================================

// ChargeLine is one consumed batch allocation priced for billing.
type ChargeLine struct {
	MedicineID  stock.MedicineID
	BatchNumber string
	Quantity    int64
	UnitCost    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

type Delivery struct {
	RecordID       string
	PrescriptionID string
	PatientID      int64
	Charges        []ChargeLine
	Total          decimal.Decimal
	DeliveredAt    time.Time
}
